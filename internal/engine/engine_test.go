package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/flow"
	"taskflow/internal/graph"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
)

type testEnv struct {
	Engine *engine.Orchestrator
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	o, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	o.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: o, Ctx: context.Background()}
}

func mustCreate(t *testing.T, env testEnv, kind domain.Kind, title, parent string, tags ...string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.CreateItem(env.Ctx, engine.CreateOptions{
		Kind:     kind,
		Title:    title,
		Tags:     tags,
		ParentID: parent,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create %s %q: %v", kind, title, err)
	}
	return w
}

func advance(t *testing.T, env testEnv, id string, triggers ...domain.Trigger) domain.TransitionResult {
	t.Helper()
	var res domain.TransitionResult
	for _, trig := range triggers {
		var err error
		res, err = env.Engine.RequestTransition(env.Ctx, id, "", trig, "tester")
		if err != nil {
			t.Fatalf("transition %s on %s: %v", trig, id, err)
		}
	}
	return res
}

func TestTaskForwardProgression(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, domain.KindTask, "Do work", "")
	if task.Status != "backlog" {
		t.Fatalf("entry status = %s, want backlog", task.Status)
	}
	res := advance(t, env, task.ID, domain.TriggerPlan, domain.TriggerStart)
	if res.Applied.NewStatus != "in-progress" {
		t.Fatalf("status = %s, want in-progress", res.Applied.NewStatus)
	}
	// undefined trigger for the current status
	_, err := env.Engine.RequestTransition(env.Ctx, task.ID, "", domain.TriggerComplete, "tester")
	if !errors.Is(err, flow.ErrInvalidTrigger) {
		t.Fatalf("complete from in-progress: %v, want ErrInvalidTrigger", err)
	}
}

func TestTagSelectsFlow(t *testing.T) {
	env := newTestEnv(t)
	bug := mustCreate(t, env, domain.KindTask, "Fix crash", "", "bug")
	if bug.Status != "pending" {
		t.Fatalf("bug entry = %s, want pending", bug.Status)
	}
	advance(t, env, bug.ID, domain.TriggerStart)
	rec, err := env.Engine.NextStatus(env.Ctx, bug.ID, "")
	if err != nil {
		t.Fatalf("next status: %v", err)
	}
	if rec.Next != "testing" || rec.Terminal {
		t.Fatalf("recommendation = %+v, want next=testing", rec)
	}
	// NextStatus never mutates
	got, err := env.Engine.Repo.GetItem(env.Ctx, bug.ID)
	if err != nil || got.Status != "in-progress" {
		t.Fatalf("status after next = %s (%v), want in-progress", got.Status, err)
	}
}

func TestEmergencyCancelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, domain.KindTask, "Doomed", "")
	res := advance(t, env, task.ID, domain.TriggerCancel)
	if res.Applied.NewStatus != "cancelled" {
		t.Fatalf("status = %s, want cancelled", res.Applied.NewStatus)
	}
	_, err := env.Engine.RequestTransition(env.Ctx, task.ID, "", domain.TriggerCancel, "tester")
	if !errors.Is(err, flow.ErrTerminalState) {
		t.Fatalf("second cancel: %v, want ErrTerminalState", err)
	}
}

func TestCycleRejectionKeepsPriorEdges(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.KindTask, "A", "")
	b := mustCreate(t, env, domain.KindTask, "B", "")
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatalf("add a->b: %v", err)
	}
	_, err := env.Engine.AddDependency(env.Ctx, b.ID, a.ID, "tester")
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("add b->a: %v, want ErrCycleDetected", err)
	}
	edges, err := env.Engine.Repo.ListEdges(env.Ctx)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].FromTaskID != a.ID || edges[0].ToTaskID != b.ID {
		t.Fatalf("edges = %+v, want only a->b", edges)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, "tester"); !errors.Is(err, graph.ErrDuplicateEdge) {
		t.Fatalf("re-add a->b: %v, want ErrDuplicateEdge", err)
	}
}

func TestDependencyOnlyBetweenTasks(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "F", "")
	task := mustCreate(t, env, domain.KindTask, "T", "")
	if _, err := env.Engine.AddDependency(env.Ctx, feat.ID, task.ID, "tester"); err == nil {
		t.Fatalf("expected error linking a feature")
	}
}

func TestCascadeCompletesFeatureAndCleansUp(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "Search", "")
	bugTask := mustCreate(t, env, domain.KindTask, "Fix index bug", feat.ID, "bug")
	plainTask := mustCreate(t, env, domain.KindTask, "Wire UI", feat.ID)

	// starting a task pulls the idle feature into development
	res := advance(t, env, bugTask.ID, domain.TriggerStart)
	if len(res.CascadeEvents) != 1 || res.CascadeEvents[0].Outcome != domain.CascadeApplied {
		t.Fatalf("cascade on start = %+v, want one applied event", res.CascadeEvents)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, feat.ID)
	if got.Status != "in-development" {
		t.Fatalf("feature = %s, want in-development", got.Status)
	}

	advance(t, env, bugTask.ID, domain.TriggerSubmit, domain.TriggerComplete)
	// sibling still at entry: nothing aggregates yet
	got, _ = env.Engine.Repo.GetItem(env.Ctx, feat.ID)
	if got.Status != "in-development" {
		t.Fatalf("feature after first completion = %s, want in-development", got.Status)
	}

	res = advance(t, env, plainTask.ID, domain.TriggerPlan, domain.TriggerStart, domain.TriggerSubmit, domain.TriggerComplete)
	var applied *domain.CascadeEvent
	for i := range res.CascadeEvents {
		if res.CascadeEvents[i].Outcome == domain.CascadeApplied {
			applied = &res.CascadeEvents[i]
		}
	}
	if applied == nil || applied.ItemID != feat.ID || applied.Change.NewStatus != "completed" {
		t.Fatalf("cascade events = %+v, want feature completed", res.CascadeEvents)
	}

	// cleanup deletes the plain task, retains the bug
	var deleted, retained bool
	for _, n := range res.Cleanup {
		switch n.TaskID {
		case plainTask.ID:
			deleted = n.Deleted
		case bugTask.ID:
			retained = n.Retained
		}
	}
	if !deleted || !retained {
		t.Fatalf("cleanup = %+v, want %s deleted and %s retained", res.Cleanup, plainTask.ID, bugTask.ID)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, plainTask.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted task lookup: %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, bugTask.ID); err != nil {
		t.Fatalf("retained task lookup: %v", err)
	}
}

func TestCascadeReachesProject(t *testing.T) {
	env := newTestEnv(t)
	proj := mustCreate(t, env, domain.KindProject, "Platform", "")
	feat := mustCreate(t, env, domain.KindFeature, "Auth", proj.ID)
	task := mustCreate(t, env, domain.KindTask, "Sessions", feat.ID)

	advance(t, env, task.ID, domain.TriggerPlan, domain.TriggerStart)
	got, _ := env.Engine.Repo.GetItem(env.Ctx, proj.ID)
	if got.Status != "active" {
		t.Fatalf("project = %s, want active", got.Status)
	}

	res := advance(t, env, task.ID, domain.TriggerSubmit, domain.TriggerComplete)
	got, _ = env.Engine.Repo.GetItem(env.Ctx, proj.ID)
	if got.Status != "completed" {
		t.Fatalf("project = %s, want completed (events %+v)", got.Status, res.CascadeEvents)
	}
}

func TestCascadeFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "Risky", "")
	a := mustCreate(t, env, domain.KindTask, "A", feat.ID)
	mustCreate(t, env, domain.KindTask, "B", feat.ID)

	advance(t, env, a.ID, domain.TriggerCancel)
	got, _ := env.Engine.Repo.GetItem(env.Ctx, feat.ID)
	if got.Status != "cancelled" {
		t.Fatalf("feature = %s, want cancelled", got.Status)
	}
}

func TestVerificationGateBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateItem(env.Ctx, engine.CreateOptions{
		Kind:                 domain.KindTask,
		Title:                "Audited change",
		RequiresVerification: true,
		ActorID:              "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	advance(t, env, task.ID, domain.TriggerPlan, domain.TriggerStart, domain.TriggerSubmit)

	// no criteria recorded at all: fail closed
	_, err = env.Engine.RequestTransition(env.Ctx, task.ID, "", domain.TriggerComplete, "tester")
	if !errors.Is(err, flow.ErrVerificationRequired) {
		t.Fatalf("complete without criteria: %v, want ErrVerificationRequired", err)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, task.ID)
	if got.Status != "testing" {
		t.Fatalf("status after rejection = %s, want testing", got.Status)
	}

	if err := env.Engine.RequireCriterion(env.Ctx, task.ID, "code-review"); err != nil {
		t.Fatalf("require criterion: %v", err)
	}
	_, err = env.Engine.RequestTransition(env.Ctx, task.ID, "", domain.TriggerComplete, "tester")
	if !errors.Is(err, flow.ErrVerificationRequired) {
		t.Fatalf("complete with unsatisfied criterion: %v", err)
	}
	if _, err := env.Engine.RecordVerification(env.Ctx, task.ID, "code-review", "reviewer"); err != nil {
		t.Fatalf("record verification: %v", err)
	}
	res := advance(t, env, task.ID, domain.TriggerComplete)
	if res.Applied.NewStatus != "completed" {
		t.Fatalf("status = %s, want completed", res.Applied.NewStatus)
	}
}

func TestLinearBatchUnblocksInOrder(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, domain.KindTask, "T1", "")
	t2 := mustCreate(t, env, domain.KindTask, "T2", "")
	t3 := mustCreate(t, env, domain.KindTask, "T3", "")

	edges, err := env.Engine.AddDependencyBatch(env.Ctx, domain.PatternLinear, []string{t1.ID, t2.ID, t3.ID}, "tester")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}
	for _, id := range []string{t2.ID, t3.ID} {
		blocked, err := env.Engine.QueryBlocked(env.Ctx, id)
		if err != nil || !blocked {
			t.Fatalf("blocked(%s) = %v (%v), want true", id, blocked, err)
		}
	}

	res := advance(t, env, t1.ID, domain.TriggerPlan, domain.TriggerStart, domain.TriggerSubmit, domain.TriggerComplete)
	if len(res.UnblockedTasks) != 1 || res.UnblockedTasks[0] != t2.ID {
		t.Fatalf("unblocked = %v, want [%s]", res.UnblockedTasks, t2.ID)
	}
	blocked, err := env.Engine.QueryBlocked(env.Ctx, t2.ID)
	if err != nil || blocked {
		t.Fatalf("blocked(t2) = %v (%v), want false", blocked, err)
	}
	blocked, _ = env.Engine.QueryBlocked(env.Ctx, t3.ID)
	if !blocked {
		t.Fatalf("t3 should stay blocked behind t2")
	}

	blockers, err := env.Engine.QueryBlockers(env.Ctx, t3.ID)
	if err != nil || len(blockers) != 2 {
		t.Fatalf("blockers(t3) = %v (%v), want both predecessors", blockers, err)
	}
}

func TestBatchRollsBackOnCycle(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.KindTask, "A", "")
	b := mustCreate(t, env, domain.KindTask, "B", "")
	if _, err := env.Engine.AddDependency(env.Ctx, b.ID, a.ID, "tester"); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	// linear a->b would close the loop
	_, err := env.Engine.AddDependencyBatch(env.Ctx, domain.PatternLinear, []string{a.ID, b.ID}, "tester")
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("batch: %v, want ErrCycleDetected", err)
	}
	edges, _ := env.Engine.Repo.ListEdges(env.Ctx)
	if len(edges) != 1 {
		t.Fatalf("edges after rollback = %+v, want the seed only", edges)
	}
}

func TestParentKindEnforced(t *testing.T) {
	env := newTestEnv(t)
	proj := mustCreate(t, env, domain.KindProject, "P", "")
	if _, err := env.Engine.CreateItem(env.Ctx, engine.CreateOptions{
		Kind: domain.KindTask, Title: "orphan", ParentID: proj.ID, ActorID: "tester",
	}); err == nil {
		t.Fatalf("task under project should be rejected")
	}
}

func TestDeleteItemDropsEdges(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.KindTask, "A", "")
	b := mustCreate(t, env, domain.KindTask, "B", "")
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteItem(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	edges, _ := env.Engine.Repo.ListEdges(env.Ctx)
	if len(edges) != 0 {
		t.Fatalf("edges = %+v, want none", edges)
	}
	blocked, err := env.Engine.QueryBlocked(env.Ctx, b.ID)
	if err != nil || blocked {
		t.Fatalf("blocked(b) = %v (%v), want false", blocked, err)
	}
}

func TestEventLogRecordsTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, domain.KindTask, "Logged", "")
	advance(t, env, task.ID, domain.TriggerPlan)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("events = %d, want created + transition", len(evts))
	}
	if evts[0].Type != "transition.applied" || evts[1].Type != "item.created" {
		t.Fatalf("event types = %s, %s", evts[0].Type, evts[1].Type)
	}
	// events and items share the orchestrator clock
	for _, ev := range evts {
		if ev.TS != "2025-06-01T00:00:00Z" {
			t.Fatalf("event ts = %s, want the injected clock", ev.TS)
		}
	}
}

func TestDirectFeatureCompletionCleansUp(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "Direct", "")
	bugTask := mustCreate(t, env, domain.KindTask, "Crash fix", feat.ID, "bug")
	plainTask := mustCreate(t, env, domain.KindTask, "Polish", feat.ID)

	// complete the feature itself, without driving the tasks
	res := advance(t, env, feat.ID, domain.TriggerStart, domain.TriggerComplete)
	if res.Applied.NewStatus != "completed" {
		t.Fatalf("feature = %s, want completed", res.Applied.NewStatus)
	}
	if len(res.Cleanup) == 0 {
		t.Fatalf("no cleanup notes for a directly completed feature")
	}
	var deleted, retained bool
	for _, n := range res.Cleanup {
		switch n.TaskID {
		case plainTask.ID:
			deleted = n.Deleted
		case bugTask.ID:
			retained = n.Retained
		}
	}
	if !deleted || !retained {
		t.Fatalf("cleanup = %+v, want %s deleted and %s retained", res.Cleanup, plainTask.ID, bugTask.ID)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, plainTask.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("plain task lookup: %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, bugTask.ID); err != nil {
		t.Fatalf("retained task lookup: %v", err)
	}
}

func TestFeatureCancelCleansUp(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "Abandoned", "")
	task := mustCreate(t, env, domain.KindTask, "Scrapped", feat.ID)

	res := advance(t, env, feat.ID, domain.TriggerCancel)
	if res.Applied.NewStatus != "cancelled" {
		t.Fatalf("feature = %s, want cancelled", res.Applied.NewStatus)
	}
	if len(res.Cleanup) != 1 || res.Cleanup[0].TaskID != task.ID || !res.Cleanup[0].Deleted {
		t.Fatalf("cleanup = %+v, want %s deleted", res.Cleanup, task.ID)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task lookup: %v, want ErrNotFound", err)
	}
}

func TestConcurrentSiblingCompletions(t *testing.T) {
	env := newTestEnv(t)
	feat := mustCreate(t, env, domain.KindFeature, "Contended", "")
	bugTask := mustCreate(t, env, domain.KindTask, "Race fix", feat.ID, "bug")
	plainTask := mustCreate(t, env, domain.KindTask, "Scaffolding", feat.ID)

	advance(t, env, bugTask.ID, domain.TriggerStart, domain.TriggerSubmit)
	advance(t, env, plainTask.ID, domain.TriggerPlan, domain.TriggerStart, domain.TriggerSubmit)

	// final completions race: exactly one of them may aggregate the feature
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{bugTask.ID, plainTask.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.RequestTransition(env.Ctx, id, "", domain.TriggerComplete, "tester")
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent complete %d: %v", i, err)
		}
	}

	got, err := env.Engine.Repo.GetItem(env.Ctx, feat.ID)
	if err != nil || got.Status != "completed" {
		t.Fatalf("feature = %s (%v), want completed", got.Status, err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, feat.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var appliedCount int
	for _, ev := range evts {
		if ev.Type == "cascade.applied" {
			appliedCount++
		}
	}
	if appliedCount != 2 {
		// one pull into in-development, one completion, never a double apply
		t.Fatalf("cascade.applied events for feature = %d, want 2 (%+v)", appliedCount, evts)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, bugTask.ID); err != nil {
		t.Fatalf("retained task lookup: %v", err)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, plainTask.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("plain task lookup: %v, want ErrNotFound", err)
	}
}
