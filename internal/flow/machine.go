package flow

import (
	"context"
	"errors"
	"fmt"

	"taskflow/internal/domain"
)

var (
	ErrInvalidTrigger       = errors.New("invalid trigger")
	ErrTerminalState        = errors.New("terminal state")
	ErrVerificationRequired = errors.New("verification required")
)

// VerificationGate reports whether all completion criteria recorded for an
// item are satisfied. Implementations live outside the progression engine.
type VerificationGate interface {
	AllCriteriaSatisfied(ctx context.Context, itemID string) (bool, error)
}

// Recommendation is the read-only answer of NextStatus.
type Recommendation struct {
	// Next is set when the flow defines exactly one forward status.
	Next string `json:"next,omitempty"`
	// Options is set when the flow branches; callers must then request a
	// transition with an explicit trigger.
	Options []string `json:"options,omitempty"`
	// Terminal is true when the current status has no forward transitions.
	Terminal bool `json:"terminal"`
}

// Machine validates and computes status transitions. It never persists
// anything; callers commit the returned status.
type Machine struct {
	Registry *Registry
	Gate     VerificationGate
}

// NextStatus looks up the forward options for the item's current status
// under its resolved flow. It never mutates.
func (m Machine) NextStatus(item domain.WorkItem) Recommendation {
	def := m.Registry.ResolveFlow(item.Kind, item.Tags)
	if def.IsTerminal(item.Status) {
		return Recommendation{Terminal: true}
	}
	targets := def.ForwardTargets(item.Status)
	switch len(targets) {
	case 0:
		return Recommendation{Terminal: true}
	case 1:
		return Recommendation{Next: targets[0]}
	default:
		return Recommendation{Options: targets}
	}
}

// Apply computes the status the trigger moves the item to, or rejects the
// request. Ordering:
//  1. resolve the flow from tags
//  2. terminal statuses reject everything except an explicitly permitted
//     re-cancel (flow.cancel_from_completed, and only when the cancelled
//     status is itself non-terminal in that flow)
//  3. emergency triggers transition unconditionally from any non-terminal
//     status
//  4. forward triggers are looked up under (status, trigger)
//  5. complete on an item with RequiresVerification consults the gate
func (m Machine) Apply(ctx context.Context, item domain.WorkItem, trigger domain.Trigger) (string, error) {
	def := m.Registry.ResolveFlow(item.Kind, item.Tags)
	if !def.HasStatus(item.Status) {
		return "", fmt.Errorf("status %s not in flow %s: %w", item.Status, def.Name, ErrInvalidTrigger)
	}
	if def.IsTerminal(item.Status) {
		if trigger == domain.TriggerCancel && def.CancelFromCompleted {
			to, ok := def.Emergency(domain.TriggerCancel)
			if ok && !def.IsTerminal(to) && to != item.Status {
				return to, nil
			}
		}
		return "", fmt.Errorf("%s is terminal in flow %s: %w", item.Status, def.Name, ErrTerminalState)
	}
	if to, ok := def.Emergency(trigger); ok {
		if to == item.Status {
			return "", fmt.Errorf("already %s: %w", to, ErrInvalidTrigger)
		}
		return to, nil
	}
	to, ok := def.Next(item.Status, trigger)
	if !ok {
		return "", fmt.Errorf("trigger %s undefined for %s in flow %s: %w", trigger, item.Status, def.Name, ErrInvalidTrigger)
	}
	if trigger == domain.TriggerComplete && item.RequiresVerification {
		if m.Gate == nil {
			return "", fmt.Errorf("no verification gate configured: %w", ErrVerificationRequired)
		}
		ok, err := m.Gate.AllCriteriaSatisfied(ctx, item.ID)
		if err != nil {
			return "", fmt.Errorf("verification gate: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("item %s: %w", item.ID, ErrVerificationRequired)
		}
	}
	return to, nil
}

// EntryStatus returns the initial status for a new item with the given
// kind and tags.
func (m Machine) EntryStatus(kind domain.Kind, tags []string) string {
	return m.Registry.ResolveFlow(kind, tags).Entry
}
