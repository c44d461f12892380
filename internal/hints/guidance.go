// Package hints implements the workflow guidance enhancer: a fixed,
// ordered list of deterministic rules evaluated against request-scoped
// state. Given identical state the output is byte-identical.
package hints

import (
	"time"

	"conductor/internal/domain/task"
	"conductor/internal/fault"
)

// Phase buckets a task's position in the workflow.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseExecution  Phase = "execution"
	PhaseBlocked    Phase = "blocked"
	PhaseReview     Phase = "review"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
	// PhaseUnknown covers responses with no task in scope (unknown tool,
	// parameter errors before task resolution).
	PhaseUnknown Phase = "unknown"
)

// KnownPhases lists every phase value the enhancer can emit.
func KnownPhases() []Phase {
	return []Phase{PhaseNotStarted, PhaseExecution, PhaseBlocked, PhaseReview, PhaseCompleted, PhaseCancelled, PhaseUnknown}
}

func phaseOf(t *task.Task) Phase {
	if t == nil {
		return PhaseUnknown
	}
	switch t.Status {
	case task.StatusTodo:
		return PhaseNotStarted
	case task.StatusInProgress:
		return PhaseExecution
	case task.StatusBlocked:
		return PhaseBlocked
	case task.StatusReview:
		return PhaseReview
	case task.StatusDone:
		return PhaseCompleted
	case task.StatusCancelled:
		return PhaseCancelled
	default:
		return PhaseUnknown
	}
}

// CurrentState summarises the task for the guidance header.
type CurrentState struct {
	Phase           Phase  `json:"phase"`
	Status          string `json:"status,omitempty"`
	Progress        int    `json:"progress"`
	HasContext      bool   `json:"has_context"`
	CanComplete     bool   `json:"can_complete"`
	TimeSinceUpdate string `json:"time_since_update,omitempty"`
}

// NextAction is a ready-to-paste corrective or forward step.
type NextAction struct {
	Priority string         `json:"priority"`
	Action   string         `json:"action"`
	Tool     string         `json:"tool"`
	Params   map[string]any `json:"params,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Guidance is the workflow_guidance object carried on every response.
type Guidance struct {
	CurrentState CurrentState      `json:"current_state"`
	Rules        []string          `json:"rules"`
	NextActions  []NextAction      `json:"next_actions"`
	Hints        []string          `json:"hints"`
	Warnings     []string          `json:"warnings"`
	Examples     map[string]string `json:"examples,omitempty"`
}

// State is everything a rule may read. Rules are pure functions of State,
// so two identical states always yield identical guidance.
type State struct {
	Task    *task.Task
	Context *task.Context
	// Children holds the task's subtasks when it has any.
	Children []*task.Task
	// OpenConflicts counts unresolved assignment conflicts on the task.
	OpenConflicts int
	// TopAlignmentScore is the best vision alignment score, 0 when none.
	TopAlignmentScore float64
	// Failure carries the fault of a failed use-case, nil on success.
	Failure *fault.Error
	// Now is the evaluation clock; callers fix it per request.
	Now time.Time
	// StalenessThreshold mirrors the configured limit.
	StalenessThreshold time.Duration
}

// openChildren returns the subtasks not yet done, in input order.
func (s *State) openChildren() []*task.Task {
	var open []*task.Task
	for _, child := range s.Children {
		if child.Status != task.StatusDone {
			open = append(open, child)
		}
	}
	return open
}

// sinceUpdate returns the wall-clock age of the context, or false when the
// task has no context yet.
func (s *State) sinceUpdate() (time.Duration, bool) {
	if s.Context == nil || s.Context.LastUpdated.IsZero() {
		return 0, false
	}
	return s.Now.Sub(s.Context.LastUpdated), true
}

// stale reports whether an in-progress task has outlived the threshold
// without a context update. A task with no context at all counts as stale.
func (s *State) stale() bool {
	if s.Task == nil || s.Task.Status != task.StatusInProgress {
		return false
	}
	age, ok := s.sinceUpdate()
	if !ok {
		return true
	}
	return age > s.StalenessThreshold
}

// canComplete reports whether completion would pass the gate right now.
func (s *State) canComplete() bool {
	if s.Task == nil || s.Task.Status.IsTerminal() {
		return false
	}
	if len(s.openChildren()) > 0 {
		return false
	}
	return s.Context != nil && s.Context.CompletionSummary != ""
}
