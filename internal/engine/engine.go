package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/cascade"
	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/flow"
	"taskflow/internal/graph"
	"taskflow/internal/repo"
)

// Orchestrator is the single entry point for status transitions and
// dependency mutations. It composes the flow registry, the progression
// machine, the cascade engine and the dependency graph over one SQLite
// store.
type Orchestrator struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Machine flow.Machine
	Cascade *cascade.Engine
	Graph   *graph.Graph
	Logger  *log.Logger
	Now     func() time.Time

	chains  *chainLocks
	graphMu sync.Mutex
}

// New builds an orchestrator from an open database and validated config,
// hydrating the dependency graph from storage.
func New(db *sql.DB, cfg *config.Config) (*Orchestrator, error) {
	registry, err := flow.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	r := repo.Repo{DB: db}
	o := &Orchestrator{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Machine: flow.Machine{Registry: registry, Gate: repo.Gate{Repo: r}},
		Cascade: &cascade.Engine{
			Registry:  registry,
			Rules:     cfg.Aggregation,
			Retention: cfg.RetentionTags,
		},
		Graph:  graph.New(),
		Logger: log.Default(),
		Now:    time.Now,
		chains: newChainLocks(),
	}
	// event timestamps come from the same clock as item timestamps, so a
	// caller that overrides Now affects both
	o.Events.Now = o.now
	edges, err := r.ListEdges(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load dependency edges: %w", err)
	}
	if err := o.Graph.Hydrate(edges); err != nil {
		return nil, fmt.Errorf("hydrate dependency graph: %w", err)
	}
	return o, nil
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ID                   string
	Kind                 domain.Kind
	Title                string
	Tags                 []string
	ParentID             string
	RequiresVerification bool
	ActorID              string
}

// CreateItem inserts a new work item at its resolved flow's entry status.
func (o *Orchestrator) CreateItem(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if !opts.Kind.Valid() {
		return domain.WorkItem{}, fmt.Errorf("invalid kind %q", opts.Kind)
	}
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.ParentID != "" {
		parent, err := o.Repo.GetItem(ctx, opts.ParentID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if parent.Kind != opts.Kind.ParentKind() {
			return domain.WorkItem{}, fmt.Errorf("a %s cannot own a %s", parent.Kind, opts.Kind)
		}
	}
	now := o.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(opts.Kind)+"|"+opts.Title+"|"+now)).String()
	}
	w := domain.WorkItem{
		ID:                   id,
		Kind:                 opts.Kind,
		Title:                opts.Title,
		Status:               o.Machine.EntryStatus(opts.Kind, opts.Tags),
		Tags:                 opts.Tags,
		RequiresVerification: opts.RequiresVerification,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if opts.ParentID != "" {
		w.ParentID = &opts.ParentID
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, err
	}
	if err := o.Events.Append(ctx, tx, "item.created", w.ID, string(w.Kind), opts.ActorID, events.EventPayload{
		"title": w.Title, "status": w.Status, "tags": w.Tags,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// RequestTransition validates and applies one trigger on an item, then
// runs cascade evaluation, computes newly unblocked tasks and performs
// terminal-feature cleanup. The whole call holds the ancestor-chain lock.
func (o *Orchestrator) RequestTransition(ctx context.Context, itemID string, kind domain.Kind, trigger domain.Trigger, actorID string) (domain.TransitionResult, error) {
	var res domain.TransitionResult

	item, err := o.Repo.GetItem(ctx, itemID)
	if err != nil {
		return res, err
	}
	if kind != "" && item.Kind != kind {
		return res, fmt.Errorf("%s is a %s, not a %s: %w", itemID, item.Kind, kind, repo.ErrNotFound)
	}
	top, err := o.topAncestor(ctx, item)
	if err != nil {
		return res, err
	}
	o.chains.Lock(top)
	defer o.chains.Unlock(top)

	// reload under the lock; a concurrent transition on the same chain may
	// have moved the item
	item, err = o.Repo.GetItem(ctx, itemID)
	if err != nil {
		return res, err
	}

	newStatus, err := o.Machine.Apply(ctx, item, trigger)
	if err != nil {
		return res, err
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	old := item.Status
	item.Status = newStatus
	item.UpdatedAt = o.now().UTC().Format(time.RFC3339)
	if err := o.Repo.UpdateItem(ctx, tx, item); err != nil {
		return res, err
	}
	if err := o.Events.Append(ctx, tx, "transition.applied", item.ID, string(item.Kind), actorID, events.EventPayload{
		"trigger": trigger, "from": old, "to": newStatus,
	}); err != nil {
		return res, err
	}
	res.Applied = domain.AppliedChange{ItemID: item.ID, Kind: item.Kind, OldStatus: old, NewStatus: newStatus}

	cr := o.Cascade.Run(ctx, txLoader{o: o, tx: tx}, &txApplier{o: o, tx: tx, actorID: actorID}, item)
	res.CascadeEvents = cr.Events
	for _, ev := range cr.Events {
		if ev.Outcome == domain.CascadeApplied {
			continue
		}
		if err := o.Events.Append(ctx, tx, "cascade."+string(ev.Outcome), ev.ItemID, string(ev.Kind), actorID, events.EventPayload{
			"reason": ev.Reason,
		}); err != nil {
			return res, err
		}
	}

	if item.Kind == domain.KindTask {
		def := o.Machine.Registry.ResolveFlow(item.Kind, item.Tags)
		if def.IsSuccess(newStatus) {
			res.UnblockedTasks = o.Graph.UnblockedBy(item.ID, o.doneInTx(ctx, tx))
			for _, id := range res.UnblockedTasks {
				if err := o.Events.Append(ctx, tx, "task.unblocked", id, string(domain.KindTask), actorID, events.EventPayload{
					"by": item.ID,
				}); err != nil {
					return res, err
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}

	// cleanup runs after the commit: a transition never rolls back because
	// a deletion failed, and each task is deleted in its own transaction.
	// A feature is due for cleanup whether it reached terminal directly or
	// through a cascade.
	terminal := cr.TerminalFeatures
	if item.Kind == domain.KindFeature {
		def := o.Machine.Registry.ResolveFlow(item.Kind, item.Tags)
		if def.IsTerminal(newStatus) {
			terminal = append([]domain.WorkItem{item}, terminal...)
		}
	}
	for _, feature := range terminal {
		res.Cleanup = append(res.Cleanup, o.cleanupFeature(ctx, feature, actorID)...)
	}
	return res, nil
}

// NextStatus returns the read-only forward recommendation for an item.
func (o *Orchestrator) NextStatus(ctx context.Context, itemID string, kind domain.Kind) (flow.Recommendation, error) {
	item, err := o.Repo.GetItem(ctx, itemID)
	if err != nil {
		return flow.Recommendation{}, err
	}
	if kind != "" && item.Kind != kind {
		return flow.Recommendation{}, fmt.Errorf("%s is a %s, not a %s: %w", itemID, item.Kind, kind, repo.ErrNotFound)
	}
	return o.Machine.NextStatus(item), nil
}

// AddDependency inserts one BLOCKS edge. The graph token is held across
// the cycle check and the write so concurrent insertions cannot jointly
// create a cycle.
func (o *Orchestrator) AddDependency(ctx context.Context, fromTaskID, toTaskID, actorID string) (domain.DependencyEdge, error) {
	var edge domain.DependencyEdge
	if err := o.requireTask(ctx, fromTaskID); err != nil {
		return edge, err
	}
	if err := o.requireTask(ctx, toTaskID); err != nil {
		return edge, err
	}
	o.graphMu.Lock()
	defer o.graphMu.Unlock()
	if err := o.Graph.AddEdge(fromTaskID, toTaskID); err != nil {
		return edge, err
	}
	edge = domain.DependencyEdge{
		FromTaskID: fromTaskID,
		ToTaskID:   toTaskID,
		Type:       domain.EdgeTypeBlocks,
		CreatedAt:  o.now().UTC().Format(time.RFC3339),
	}
	if err := o.persistEdges(ctx, []domain.DependencyEdge{edge}, actorID); err != nil {
		o.Graph.RemoveEdge(fromTaskID, toTaskID)
		return domain.DependencyEdge{}, err
	}
	return edge, nil
}

// AddDependencyBatch atomically applies a linear, fan-out or fan-in
// pattern over the given tasks.
func (o *Orchestrator) AddDependencyBatch(ctx context.Context, pattern domain.BatchPattern, taskIDs []string, actorID string) ([]domain.DependencyEdge, error) {
	if !pattern.Valid() {
		return nil, fmt.Errorf("invalid batch pattern %q", pattern)
	}
	for _, id := range taskIDs {
		if err := o.requireTask(ctx, id); err != nil {
			return nil, err
		}
	}
	o.graphMu.Lock()
	defer o.graphMu.Unlock()
	edges, err := o.Graph.AddBatch(pattern, taskIDs)
	if err != nil {
		return nil, err
	}
	ts := o.now().UTC().Format(time.RFC3339)
	for i := range edges {
		edges[i].CreatedAt = ts
	}
	if err := o.persistEdges(ctx, edges, actorID); err != nil {
		for _, e := range edges {
			o.Graph.RemoveEdge(e.FromTaskID, e.ToTaskID)
		}
		return nil, err
	}
	return edges, nil
}

// QueryBlocked reports whether any direct predecessor of the task has not
// reached its flow's terminal-success status.
func (o *Orchestrator) QueryBlocked(ctx context.Context, taskID string) (bool, error) {
	if err := o.requireTask(ctx, taskID); err != nil {
		return false, err
	}
	var loadErr error
	blocked := o.Graph.IsBlocked(taskID, func(id string) bool {
		done, err := o.taskDone(ctx, id)
		if err != nil && loadErr == nil {
			loadErr = err
		}
		return done
	})
	return blocked, loadErr
}

// QueryBlockers returns every task transitively blocking the given one.
func (o *Orchestrator) QueryBlockers(ctx context.Context, taskID string) ([]string, error) {
	if err := o.requireTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.Graph.TransitiveBlockers(taskID), nil
}

// DeleteItem removes an item directly, dropping its dependency edges.
func (o *Orchestrator) DeleteItem(ctx context.Context, itemID, actorID string) error {
	item, err := o.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.DeleteItem(ctx, tx, itemID); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "item.deleted", itemID, string(item.Kind), actorID, events.EventPayload{
		"title": item.Title,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.graphMu.Lock()
	o.Graph.RemoveNode(itemID)
	o.graphMu.Unlock()
	return nil
}

// RequireCriterion records a completion criterion the verification gate
// will demand before the item may complete.
func (o *Orchestrator) RequireCriterion(ctx context.Context, itemID, criterion string) error {
	if _, err := o.Repo.GetItem(ctx, itemID); err != nil {
		return err
	}
	return o.Repo.AddCriterion(ctx, itemID, criterion)
}

// RecordVerification marks one criterion satisfied.
func (o *Orchestrator) RecordVerification(ctx context.Context, itemID, criterion, actorID string) (domain.Verification, error) {
	item, err := o.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.Verification{}, err
	}
	v := domain.Verification{
		ID:          uuid.New().String(),
		ItemID:      itemID,
		Criterion:   criterion,
		SatisfiedBy: actorID,
		TS:          o.now().UTC().Format(time.RFC3339),
	}
	if err := o.Repo.InsertVerification(ctx, v); err != nil {
		return domain.Verification{}, err
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Verification{}, err
	}
	defer tx.Rollback()
	if err := o.Events.Append(ctx, tx, "verification.recorded", itemID, string(item.Kind), actorID, events.EventPayload{
		"criterion": criterion,
	}); err != nil {
		return domain.Verification{}, err
	}
	return v, tx.Commit()
}

// --- internals ---

func (o *Orchestrator) requireTask(ctx context.Context, id string) error {
	item, err := o.Repo.GetItem(ctx, id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	if item.Kind != domain.KindTask {
		return fmt.Errorf("%s is a %s, dependencies link tasks only", id, item.Kind)
	}
	return nil
}

// topAncestor climbs the parent chain; the result keys the chain lock.
func (o *Orchestrator) topAncestor(ctx context.Context, item domain.WorkItem) (string, error) {
	cur := item
	for cur.ParentID != nil && *cur.ParentID != "" {
		parent, err := o.Repo.GetItem(ctx, *cur.ParentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// dangling parent reference; lock on the deepest live item
				return cur.ID, nil
			}
			return "", err
		}
		cur = parent
	}
	return cur.ID, nil
}

func (o *Orchestrator) taskDone(ctx context.Context, id string) (bool, error) {
	item, err := o.Repo.GetItem(ctx, id)
	if err != nil {
		return false, err
	}
	def := o.Machine.Registry.ResolveFlow(item.Kind, item.Tags)
	return def.IsSuccess(item.Status), nil
}

// doneInTx returns a done predicate reading through the open transaction,
// so the just-applied status is visible before commit.
func (o *Orchestrator) doneInTx(ctx context.Context, tx *sql.Tx) func(string) bool {
	return func(id string) bool {
		item, err := o.Repo.GetItemTx(ctx, tx, id)
		if err != nil {
			return false
		}
		def := o.Machine.Registry.ResolveFlow(item.Kind, item.Tags)
		return def.IsSuccess(item.Status)
	}
}

func (o *Orchestrator) persistEdges(ctx context.Context, edges []domain.DependencyEdge, actorID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range edges {
		if err := o.Repo.InsertEdge(ctx, tx, e); err != nil {
			return err
		}
		if err := o.Events.Append(ctx, tx, "dependency.added", e.ToTaskID, string(domain.KindTask), actorID, events.EventPayload{
			"blocked_by": e.FromTaskID,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// cleanupFeature deletes the non-retained child tasks of a terminal
// feature. Best-effort per task: one failed deletion is logged and
// reported, the rest proceed. Retained tasks are never deleted.
func (o *Orchestrator) cleanupFeature(ctx context.Context, feature domain.WorkItem, actorID string) []domain.CleanupNote {
	children, err := o.Repo.ListChildren(ctx, feature.ID)
	if err != nil {
		o.logger().Printf("cleanup %s: list children: %v", feature.ID, err)
		return []domain.CleanupNote{{TaskID: feature.ID, Reason: fmt.Sprintf("list children: %v", err)}}
	}
	deletable, retained := o.Cascade.CleanupPlan(children)
	var notes []domain.CleanupNote
	for _, t := range retained {
		notes = append(notes, domain.CleanupNote{TaskID: t.ID, Retained: true})
	}
	for _, t := range deletable {
		if err := o.deleteCleanupTask(ctx, feature, t, actorID); err != nil {
			o.logger().Printf("cleanup %s: delete task %s: %v", feature.ID, t.ID, err)
			notes = append(notes, domain.CleanupNote{TaskID: t.ID, Reason: err.Error()})
			continue
		}
		notes = append(notes, domain.CleanupNote{TaskID: t.ID, Deleted: true})
	}
	return notes
}

func (o *Orchestrator) deleteCleanupTask(ctx context.Context, feature, task domain.WorkItem, actorID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.DeleteItem(ctx, tx, task.ID); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "cleanup.deleted", task.ID, string(domain.KindTask), actorID, events.EventPayload{
		"feature": feature.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.graphMu.Lock()
	o.Graph.RemoveNode(task.ID)
	o.graphMu.Unlock()
	return nil
}

// txLoader serves cascade reads from the open transaction.
type txLoader struct {
	o  *Orchestrator
	tx *sql.Tx
}

func (l txLoader) Item(ctx context.Context, id string) (domain.WorkItem, error) {
	return l.o.Repo.GetItemTx(ctx, l.tx, id)
}

func (l txLoader) Children(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	return l.o.Repo.ListChildrenTx(ctx, l.tx, parentID)
}

// txApplier commits cascade transitions through the progression engine
// inside the same transaction as the originating change.
type txApplier struct {
	o       *Orchestrator
	tx      *sql.Tx
	actorID string
}

func (a *txApplier) ApplyTransition(ctx context.Context, item domain.WorkItem, trigger domain.Trigger) (domain.WorkItem, error) {
	newStatus, err := a.o.Machine.Apply(ctx, item, trigger)
	if err != nil {
		return item, err
	}
	old := item.Status
	item.Status = newStatus
	item.UpdatedAt = a.o.now().UTC().Format(time.RFC3339)
	if err := a.o.Repo.UpdateItem(ctx, a.tx, item); err != nil {
		return item, err
	}
	if err := a.o.Events.Append(ctx, a.tx, "cascade.applied", item.ID, string(item.Kind), a.actorID, events.EventPayload{
		"trigger": trigger, "from": old, "to": newStatus,
	}); err != nil {
		return item, err
	}
	return item, nil
}
