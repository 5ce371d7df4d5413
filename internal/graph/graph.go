// Package graph maintains the BLOCKS dependency DAG over task identifiers.
//
// Nodes live in an arena slice and edges are index-based adjacency lists,
// so snapshots and cycle checks never chase pointers. All methods hold the
// graph mutex for their full duration; a batch is checked and applied
// without any observer seeing a partial state.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"taskflow/internal/domain"
)

var (
	ErrCycleDetected = errors.New("cycle detected")
	ErrDuplicateEdge = errors.New("duplicate edge")
)

type node struct {
	id  string
	out []int // indices of nodes this one blocks
	in  []int // indices of nodes blocking this one
}

// Graph is the in-memory DAG. Persistence is the caller's concern: the
// orchestrator writes edges through to storage under its own graph token
// and rolls the memory image back if the write fails.
type Graph struct {
	mu    sync.Mutex
	nodes []node
	index map[string]int
}

func New() *Graph {
	return &Graph{index: map[string]int{}}
}

// Hydrate loads a previously persisted edge set. Edges are applied with
// full cycle checking so a corrupted store cannot smuggle a cycle in.
func (g *Graph) Hydrate(edges []domain.DependencyEdge) error {
	for _, e := range edges {
		if err := g.AddEdge(e.FromTaskID, e.ToTaskID); err != nil {
			return fmt.Errorf("edge %s -> %s: %w", e.FromTaskID, e.ToTaskID, err)
		}
	}
	return nil
}

// AddEdge inserts from -> to (from blocks to). It fails with
// ErrDuplicateEdge if the edge exists and ErrCycleDetected if the edge
// would create a path from to back to from; the graph is unchanged on
// failure.
func (g *Graph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(from, to)
}

// AddBatch expands the pattern over taskIDs and inserts every edge, or
// none: the first duplicate or cycle rolls the whole batch back.
func (g *Graph) AddBatch(pattern domain.BatchPattern, taskIDs []string) ([]domain.DependencyEdge, error) {
	pairs, err := ExpandPattern(pattern, taskIDs)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var applied [][2]string
	for _, p := range pairs {
		if err := g.addEdgeLocked(p[0], p[1]); err != nil {
			for _, a := range applied {
				g.removeEdgeLocked(a[0], a[1])
			}
			return nil, fmt.Errorf("edge %s -> %s: %w", p[0], p[1], err)
		}
		applied = append(applied, p)
	}
	edges := make([]domain.DependencyEdge, len(pairs))
	for i, p := range pairs {
		edges[i] = domain.DependencyEdge{FromTaskID: p[0], ToTaskID: p[1], Type: domain.EdgeTypeBlocks}
	}
	return edges, nil
}

// ExpandPattern turns a batch pattern into (from, to) pairs.
func ExpandPattern(pattern domain.BatchPattern, taskIDs []string) ([][2]string, error) {
	if len(taskIDs) < 2 {
		return nil, fmt.Errorf("pattern %s needs at least two tasks", pattern)
	}
	seen := map[string]bool{}
	for _, id := range taskIDs {
		if seen[id] {
			return nil, fmt.Errorf("task %s listed twice", id)
		}
		seen[id] = true
	}
	var pairs [][2]string
	switch pattern {
	case domain.PatternLinear:
		for i := 0; i+1 < len(taskIDs); i++ {
			pairs = append(pairs, [2]string{taskIDs[i], taskIDs[i+1]})
		}
	case domain.PatternFanOut:
		for _, to := range taskIDs[1:] {
			pairs = append(pairs, [2]string{taskIDs[0], to})
		}
	case domain.PatternFanIn:
		last := taskIDs[len(taskIDs)-1]
		for _, from := range taskIDs[:len(taskIDs)-1] {
			pairs = append(pairs, [2]string{from, last})
		}
	default:
		return nil, fmt.Errorf("unknown batch pattern %s", pattern)
	}
	return pairs, nil
}

// RemoveEdge deletes from -> to if present.
func (g *Graph) RemoveEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEdgeLocked(from, to)
}

// RemoveNode drops a task and every edge touching it, returning the
// removed edges so the caller can mirror the deletion in storage.
func (g *Graph) RemoveNode(id string) []domain.DependencyEdge {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	var removed []domain.DependencyEdge
	for _, to := range append([]int(nil), g.nodes[i].out...) {
		removed = append(removed, domain.DependencyEdge{FromTaskID: id, ToTaskID: g.nodes[to].id, Type: domain.EdgeTypeBlocks})
		g.removeEdgeIdx(i, to)
	}
	for _, from := range append([]int(nil), g.nodes[i].in...) {
		removed = append(removed, domain.DependencyEdge{FromTaskID: g.nodes[from].id, ToTaskID: id, Type: domain.EdgeTypeBlocks})
		g.removeEdgeIdx(from, i)
	}
	// the arena slot stays allocated; an isolated node is invisible to
	// every query
	return removed
}

// Predecessors returns the ids of tasks directly blocking id, sorted.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[i].in))
	for _, p := range g.nodes[i].in {
		out = append(out, g.nodes[p].id)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the ids of tasks directly blocked by id, sorted.
func (g *Graph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[i].out))
	for _, d := range g.nodes[i].out {
		out = append(out, g.nodes[d].id)
	}
	sort.Strings(out)
	return out
}

// TransitiveBlockers returns every task reachable backwards from id over
// BLOCKS edges, sorted.
func (g *Graph) TransitiveBlockers(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := map[int]bool{}
	stack := append([]int(nil), g.nodes[i].in...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.nodes[n].in...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, g.nodes[n].id)
	}
	sort.Strings(out)
	return out
}

// IsBlocked reports whether any direct predecessor of id fails the done
// predicate (done = the task reached its flow's terminal-success status).
func (g *Graph) IsBlocked(id string, done func(taskID string) bool) bool {
	for _, p := range g.Predecessors(id) {
		if !done(p) {
			return true
		}
	}
	return false
}

// UnblockedBy returns the dependents of id whose blocking predecessors are
// now all done. Called right after id reaches terminal-success.
func (g *Graph) UnblockedBy(id string, done func(taskID string) bool) []string {
	var out []string
	for _, d := range g.Dependents(id) {
		if !g.IsBlocked(d, done) {
			out = append(out, d)
		}
	}
	return out
}

// Edges returns a snapshot of the whole edge set.
func (g *Graph) Edges() []domain.DependencyEdge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.DependencyEdge
	for i := range g.nodes {
		for _, to := range g.nodes[i].out {
			out = append(out, domain.DependencyEdge{FromTaskID: g.nodes[i].id, ToTaskID: g.nodes[to].id, Type: domain.EdgeTypeBlocks})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].FromTaskID != out[b].FromTaskID {
			return out[a].FromTaskID < out[b].FromTaskID
		}
		return out[a].ToTaskID < out[b].ToTaskID
	})
	return out
}

func (g *Graph) addEdgeLocked(from, to string) error {
	if from == to {
		return ErrCycleDetected
	}
	fi := g.ensure(from)
	ti := g.ensure(to)
	for _, o := range g.nodes[fi].out {
		if o == ti {
			return ErrDuplicateEdge
		}
	}
	if g.reachable(ti, fi) {
		return ErrCycleDetected
	}
	g.nodes[fi].out = append(g.nodes[fi].out, ti)
	g.nodes[ti].in = append(g.nodes[ti].in, fi)
	return nil
}

func (g *Graph) removeEdgeLocked(from, to string) {
	fi, ok := g.index[from]
	if !ok {
		return
	}
	ti, ok := g.index[to]
	if !ok {
		return
	}
	g.removeEdgeIdx(fi, ti)
}

func (g *Graph) removeEdgeIdx(fi, ti int) {
	g.nodes[fi].out = removeIdx(g.nodes[fi].out, ti)
	g.nodes[ti].in = removeIdx(g.nodes[ti].in, fi)
}

func removeIdx(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (g *Graph) ensure(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	g.nodes = append(g.nodes, node{id: id})
	i := len(g.nodes) - 1
	g.index[id] = i
	return i
}

// reachable walks forward from start looking for target. O(V+E), iterative
// so a long chain cannot blow the stack.
func (g *Graph) reachable(start, target int) bool {
	if start == target {
		return true
	}
	seen := make(map[int]bool)
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.nodes[n].out...)
	}
	return false
}
