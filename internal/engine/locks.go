package engine

import "sync"

// chainLocks serializes transitions per ancestor chain. The key is the
// topmost ancestor id, so two sibling tasks completing concurrently take
// the same lock and cannot double-apply a parent cascade. Entries are
// never evicted; the population is bounded by the number of root items.
type chainLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newChainLocks() *chainLocks {
	return &chainLocks{locks: map[string]*sync.Mutex{}}
}

func (c *chainLocks) Lock(key string) {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
}

func (c *chainLocks) Unlock(key string) {
	c.mu.Lock()
	l := c.locks[key]
	c.mu.Unlock()
	l.Unlock()
}
