package domain

// Kind identifies the level of a work item in the containment hierarchy.
type Kind string

const (
	KindProject Kind = "project"
	KindFeature Kind = "feature"
	KindTask    Kind = "task"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindFeature, KindTask:
		return true
	}
	return false
}

// ParentKind returns the kind a parent of k must have, or "" for a project.
func (k Kind) ParentKind() Kind {
	switch k {
	case KindTask:
		return KindFeature
	case KindFeature:
		return KindProject
	}
	return ""
}

// WorkItem is a project, feature or task tracked by the engine.
// Status is only ever mutated through the progression engine; its value is
// always a member of the flow resolved from Tags at the last transition.
type WorkItem struct {
	ID                   string   `json:"id"`
	Kind                 Kind     `json:"kind"`
	Title                string   `json:"title"`
	Status               string   `json:"status"`
	Tags                 []string `json:"tags,omitempty"`
	ParentID             *string  `json:"parent_id,omitempty"`
	RequiresVerification bool     `json:"requires_verification"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// HasTag reports whether the item carries the given tag.
func (w WorkItem) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Trigger names an action requested by a caller to move an item between
// statuses. The forward vocabulary is flow-defined; the emergency triggers
// below are valid from any non-terminal status.
type Trigger string

const (
	TriggerPlan     Trigger = "plan"
	TriggerStart    Trigger = "start"
	TriggerSubmit   Trigger = "submit"
	TriggerComplete Trigger = "complete"
	TriggerResume   Trigger = "resume"
	TriggerUnblock  Trigger = "unblock"

	TriggerBlock  Trigger = "block"
	TriggerCancel Trigger = "cancel"
	TriggerHold   Trigger = "hold"
)

// DependencyEdge is a directed BLOCKS relationship between two tasks:
// From must reach terminal-success before To is eligible to start.
type DependencyEdge struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// EdgeTypeBlocks is the only edge type the engine currently defines.
const EdgeTypeBlocks = "BLOCKS"

// BatchPattern selects how AddDependencyBatch wires a list of tasks.
type BatchPattern string

const (
	// PatternLinear chains taskIds[i] -> taskIds[i+1].
	PatternLinear BatchPattern = "linear"
	// PatternFanOut connects taskIds[0] -> each of taskIds[1:].
	PatternFanOut BatchPattern = "fan-out"
	// PatternFanIn connects each of taskIds[:-1] -> taskIds[-1].
	PatternFanIn BatchPattern = "fan-in"
)

// Valid reports whether p is a known pattern.
func (p BatchPattern) Valid() bool {
	switch p {
	case PatternLinear, PatternFanOut, PatternFanIn:
		return true
	}
	return false
}

// AppliedChange records one committed status transition.
type AppliedChange struct {
	ItemID    string `json:"item_id"`
	Kind      Kind   `json:"kind"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// CascadeOutcome classifies what happened to one ancestor during cascade
// evaluation.
type CascadeOutcome string

const (
	CascadeApplied  CascadeOutcome = "applied"
	CascadeSkipped  CascadeOutcome = "skipped"
	CascadeDegraded CascadeOutcome = "degraded"
)

// CascadeEvent is one ancestor evaluation result. Skipped and degraded
// events carry a reason; applied events carry the change.
type CascadeEvent struct {
	ItemID  string         `json:"item_id"`
	Kind    Kind           `json:"kind"`
	Outcome CascadeOutcome `json:"outcome"`
	Change  *AppliedChange `json:"change,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// CleanupNote records one task visited by terminal-feature cleanup.
type CleanupNote struct {
	TaskID   string `json:"task_id"`
	Deleted  bool   `json:"deleted"`
	Retained bool   `json:"retained"`
	Reason   string `json:"reason,omitempty"`
}

// TransitionResult is the consolidated output of one orchestration call.
type TransitionResult struct {
	Applied        AppliedChange  `json:"applied"`
	CascadeEvents  []CascadeEvent `json:"cascade_events,omitempty"`
	UnblockedTasks []string       `json:"unblocked_tasks,omitempty"`
	Cleanup        []CleanupNote  `json:"cleanup,omitempty"`
}

// Verification is one recorded completion criterion check for a work item.
type Verification struct {
	ID          string `json:"id"`
	ItemID      string `json:"item_id"`
	Criterion   string `json:"criterion"`
	SatisfiedBy string `json:"satisfied_by"`
	TS          string `json:"ts" format:"date-time"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	ItemID   string `json:"item_id,omitempty"`
	ItemKind string `json:"item_kind"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}
