package flow

import (
	"errors"
	"fmt"

	"taskflow/internal/config"
	"taskflow/internal/domain"
)

var ErrUnknownFlow = errors.New("unknown flow")

// Definition is a compiled, immutable workflow: the ordered status list
// plus trigger lookup tables built once from config.
type Definition struct {
	Name                string
	Statuses            []string
	Entry               string
	Success             string
	CancelFromCompleted bool

	terminal    map[string]bool
	statusSet   map[string]bool
	transitions map[transitionKey]string
	emergency   map[domain.Trigger]string
}

type transitionKey struct {
	from    string
	trigger domain.Trigger
}

// IsTerminal reports whether status has no further forward transitions.
func (d *Definition) IsTerminal(status string) bool { return d.terminal[status] }

// IsSuccess reports whether status is the flow's terminal-success status.
func (d *Definition) IsSuccess(status string) bool { return status == d.Success }

// HasStatus reports whether status is a member of the flow.
func (d *Definition) HasStatus(status string) bool { return d.statusSet[status] }

// Next returns the target of the forward transition (from, trigger), if any.
func (d *Definition) Next(from string, trigger domain.Trigger) (string, bool) {
	to, ok := d.transitions[transitionKey{from, trigger}]
	return to, ok
}

// Emergency returns the target status of an emergency trigger, if defined.
func (d *Definition) Emergency(trigger domain.Trigger) (string, bool) {
	to, ok := d.emergency[trigger]
	return to, ok
}

// ForwardTargets returns the distinct statuses reachable from the given
// status by forward transitions, in flow status order.
func (d *Definition) ForwardTargets(from string) []string {
	targets := map[string]bool{}
	for key, to := range d.transitions {
		if key.from == from {
			targets[to] = true
		}
	}
	var out []string
	for _, s := range d.Statuses {
		if targets[s] {
			out = append(out, s)
		}
	}
	return out
}

// TriggerFor returns a trigger that moves the flow from the given status to
// target, preferring forward transitions over emergency ones. Used by the
// cascade engine to derive a synthetic trigger from an aggregation target.
func (d *Definition) TriggerFor(from, target string) (domain.Trigger, bool) {
	for key, to := range d.transitions {
		if key.from == from && to == target {
			return key.trigger, true
		}
	}
	for trigger, to := range d.emergency {
		if to == target {
			return trigger, true
		}
	}
	return "", false
}

type tagRule struct {
	kind domain.Kind
	tags []string
	flow string
}

// Registry holds every loaded flow definition and resolves which one
// applies to an entity. Read-only after NewRegistry; safe for concurrent
// use without locking.
type Registry struct {
	flows    map[string]*Definition
	tagRules []tagRule
	defaults map[domain.Kind]string
}

// NewRegistry compiles the validated config into lookup form.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		flows:    make(map[string]*Definition, len(cfg.Flows)),
		defaults: make(map[domain.Kind]string, len(cfg.Defaults)),
	}
	for name, fc := range cfg.Flows {
		r.flows[name] = compile(name, fc)
	}
	for kind, name := range cfg.Defaults {
		if _, ok := r.flows[name]; !ok {
			return nil, fmt.Errorf("default flow %s: %w", name, ErrUnknownFlow)
		}
		r.defaults[domain.Kind(kind)] = name
	}
	for _, tr := range cfg.TagFlows {
		kind := domain.Kind(tr.Kind)
		if kind == "" {
			kind = domain.KindTask
		}
		if _, ok := r.flows[tr.Flow]; !ok {
			return nil, fmt.Errorf("tag flow %s: %w", tr.Flow, ErrUnknownFlow)
		}
		r.tagRules = append(r.tagRules, tagRule{kind: kind, tags: tr.Tags, flow: tr.Flow})
	}
	return r, nil
}

func compile(name string, fc config.FlowConfig) *Definition {
	d := &Definition{
		Name:                name,
		Statuses:            fc.Statuses,
		Entry:               fc.Entry,
		Success:             fc.Success,
		CancelFromCompleted: fc.CancelFromCompleted,
		terminal:            map[string]bool{},
		statusSet:           map[string]bool{},
		transitions:         map[transitionKey]string{},
		emergency:           map[domain.Trigger]string{},
	}
	for _, s := range fc.Statuses {
		d.statusSet[s] = true
	}
	for _, s := range fc.Terminal {
		d.terminal[s] = true
	}
	for _, t := range fc.Transitions {
		d.transitions[transitionKey{t.From, domain.Trigger(t.Trigger)}] = t.To
	}
	for trigger, to := range fc.Emergency {
		d.emergency[domain.Trigger(trigger)] = to
	}
	return d
}

// GetFlow returns the named flow or ErrUnknownFlow.
func (r *Registry) GetFlow(name string) (*Definition, error) {
	d, ok := r.flows[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownFlow)
	}
	return d, nil
}

// ResolveFlow picks the flow for an entity from its kind and tags. The tag
// rules are evaluated in priority order, first match wins; the per-kind
// default is the fallback, so this never fails for a valid kind.
func (r *Registry) ResolveFlow(kind domain.Kind, tags []string) *Definition {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	for _, rule := range r.tagRules {
		if rule.kind != kind {
			continue
		}
		for _, t := range rule.tags {
			if tagSet[t] {
				return r.flows[rule.flow]
			}
		}
	}
	return r.flows[r.defaults[kind]]
}
