// Package cascade decides whether a committed child transition should pull
// its ancestors along, and which tasks a terminal feature may clean up.
package cascade

import (
	"context"
	"errors"
	"fmt"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/flow"
)

// maxHops bounds ancestor evaluation: task -> feature -> project.
const maxHops = 2

// Loader reads items and their children. Implementations must serve reads
// from the same snapshot as the transition being cascaded (the
// orchestrator guarantees this via the ancestor-chain lock).
type Loader interface {
	Item(ctx context.Context, id string) (domain.WorkItem, error)
	Children(ctx context.Context, parentID string) ([]domain.WorkItem, error)
}

// Applier commits one validated transition on an ancestor. The cascade
// engine never assigns a status directly; every change goes back through
// the progression engine behind this interface.
type Applier interface {
	ApplyTransition(ctx context.Context, item domain.WorkItem, trigger domain.Trigger) (domain.WorkItem, error)
}

// Engine evaluates aggregation rules over sibling statuses. Read-only
// configuration; safe for concurrent use.
type Engine struct {
	Registry  *flow.Registry
	Rules     []config.AggregationRule
	Retention []string
}

// Result of one cascade run.
type Result struct {
	Events []domain.CascadeEvent
	// TerminalFeatures are features that reached a terminal status during
	// this run and are due for cleanup.
	TerminalFeatures []domain.WorkItem
}

// Run walks up from the committed child, at most maxHops levels. Errors
// inside the cascade never propagate: the originating transition is
// already decided, so failures degrade to events instead.
func (e *Engine) Run(ctx context.Context, loader Loader, applier Applier, child domain.WorkItem) Result {
	var res Result
	current := child
	for hop := 0; hop < maxHops; hop++ {
		if current.ParentID == nil || *current.ParentID == "" {
			return res
		}
		parent, err := loader.Item(ctx, *current.ParentID)
		if err != nil {
			res.Events = append(res.Events, domain.CascadeEvent{
				ItemID:  *current.ParentID,
				Outcome: domain.CascadeDegraded,
				Reason:  fmt.Sprintf("load parent: %v", err),
			})
			return res
		}
		children, err := loader.Children(ctx, parent.ID)
		if err != nil {
			res.Events = append(res.Events, domain.CascadeEvent{
				ItemID:  parent.ID,
				Kind:    parent.Kind,
				Outcome: domain.CascadeDegraded,
				Reason:  fmt.Sprintf("load children: %v", err),
			})
			return res
		}
		target, matched := e.aggregate(parent, children)
		if !matched || target == parent.Status {
			return res
		}
		parentFlow := e.Registry.ResolveFlow(parent.Kind, parent.Tags)
		trigger, ok := parentFlow.TriggerFor(parent.Status, target)
		if !ok {
			res.Events = append(res.Events, domain.CascadeEvent{
				ItemID:  parent.ID,
				Kind:    parent.Kind,
				Outcome: domain.CascadeSkipped,
				Reason:  fmt.Sprintf("no trigger reaches %s from %s in flow %s", target, parent.Status, parentFlow.Name),
			})
			return res
		}
		updated, err := applier.ApplyTransition(ctx, parent, trigger)
		if err != nil {
			outcome := domain.CascadeDegraded
			if errors.Is(err, flow.ErrTerminalState) || errors.Is(err, flow.ErrInvalidTrigger) || errors.Is(err, flow.ErrVerificationRequired) {
				outcome = domain.CascadeSkipped
			}
			res.Events = append(res.Events, domain.CascadeEvent{
				ItemID:  parent.ID,
				Kind:    parent.Kind,
				Outcome: outcome,
				Reason:  err.Error(),
			})
			return res
		}
		res.Events = append(res.Events, domain.CascadeEvent{
			ItemID:  parent.ID,
			Kind:    parent.Kind,
			Outcome: domain.CascadeApplied,
			Change: &domain.AppliedChange{
				ItemID:    parent.ID,
				Kind:      parent.Kind,
				OldStatus: parent.Status,
				NewStatus: updated.Status,
			},
		})
		if parent.Kind == domain.KindFeature && parentFlow.IsTerminal(updated.Status) {
			res.TerminalFeatures = append(res.TerminalFeatures, updated)
		}
		current = updated
	}
	return res
}

// aggregate matches the rules for the parent kind against the children in
// the fixed precedence order: terminal-failure, terminal-success,
// in-progress. First match wins.
func (e *Engine) aggregate(parent domain.WorkItem, children []domain.WorkItem) (string, bool) {
	if len(children) == 0 {
		return "", false
	}
	var anyFailed, anyActive bool
	allSucceeded := true
	for _, c := range children {
		def := e.Registry.ResolveFlow(c.Kind, c.Tags)
		switch {
		case def.IsSuccess(c.Status):
		case def.IsTerminal(c.Status):
			anyFailed = true
			allSucceeded = false
		default:
			allSucceeded = false
			if c.Status != def.Entry {
				anyActive = true
			}
		}
	}
	for _, predicate := range []string{
		config.PredicateAnyTerminalFailure,
		config.PredicateAllTerminalSuccess,
		config.PredicateAnyInProgress,
	} {
		rule, ok := e.rule(parent.Kind, predicate)
		if !ok {
			continue
		}
		switch predicate {
		case config.PredicateAnyTerminalFailure:
			if anyFailed {
				return rule.Status, true
			}
		case config.PredicateAllTerminalSuccess:
			if allSucceeded {
				return rule.Status, true
			}
		case config.PredicateAnyInProgress:
			if anyActive {
				return rule.Status, true
			}
		}
	}
	return "", false
}

func (e *Engine) rule(kind domain.Kind, predicate string) (config.AggregationRule, bool) {
	for _, r := range e.Rules {
		if r.ParentKind == string(kind) && r.Predicate == predicate {
			return r, true
		}
	}
	return config.AggregationRule{}, false
}

// Retained reports whether a task's tags intersect the retention set.
// Retained tasks survive terminal-feature cleanup unconditionally.
func (e *Engine) Retained(task domain.WorkItem) bool {
	for _, tag := range e.Retention {
		if task.HasTag(tag) {
			return true
		}
	}
	return false
}

// CleanupPlan splits a terminal feature's child tasks into deletable and
// retained sets. Only tasks are eligible for deletion.
func (e *Engine) CleanupPlan(children []domain.WorkItem) (deletable, retained []domain.WorkItem) {
	for _, c := range children {
		if c.Kind != domain.KindTask {
			continue
		}
		if e.Retained(c) {
			retained = append(retained, c)
			continue
		}
		deletable = append(deletable, c)
	}
	return deletable, retained
}
