// Package task defines the task aggregate and its repository ports.
//
// A Task owns its Context and progress timeline; subtasks are tasks whose
// ParentID is set. Every mutation flows through a use-case, so the model
// here is plain data plus invariant helpers.
package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusReview, StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a direct transition s -> next is allowed.
// Terminal states admit no further transitions.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return s != next
}

// Priority orders tasks for scheduling and suitability scoring.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank maps a priority to an ordinal for comparisons; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	case PriorityCritical:
		return 4
	default:
		return -1
	}
}

// Task is the central aggregate.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	// OverallProgress is 0..100. For parents it is derived from subtasks;
	// for leaves it follows the latest explicit report.
	OverallProgress int `json:"overall_progress"`
	// ProgressKnown is set once any percentage-bearing report lands, so
	// aggregation can distinguish "0%" from "never reported".
	ProgressKnown bool `json:"progress_known,omitempty"`

	// BranchID names the owning task tree.
	BranchID string `json:"branch_id,omitempty"`
	// ParentID is set on subtasks.
	ParentID string `json:"parent_id,omitempty"`
	// SubtaskIDs are ordered by creation; ordering carries no semantics.
	SubtaskIDs []string `json:"subtask_ids,omitempty"`

	// Assignee is the primary assigned agent id, if any.
	Assignee string `json:"assignee,omitempty"`

	// Tags carry free-form labels; a "maintenance" tag steers the vision
	// contribution classification.
	Tags []string `json:"tags,omitempty"`

	Milestones []Milestone `json:"milestones,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token; it advances on every
	// persisted mutation.
	Version int64 `json:"version"`
}

// IsSubtask reports whether t belongs to a parent task.
func (t *Task) IsSubtask() bool { return t.ParentID != "" }

// HasSubtasks reports whether t is a parent.
func (t *Task) HasSubtasks() bool { return len(t.SubtaskIDs) > 0 }

// HasTag reports whether t carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// Touch advances UpdatedAt, clamped to be monotonic.
func (t *Task) Touch(now time.Time) {
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

// Milestone is a named progress threshold attached to a task. FiredAt is
// set when overall progress crosses Threshold from below and cleared when
// progress drops back under it, so each crossing fires exactly once.
type Milestone struct {
	Name      string     `json:"name"`
	Threshold int        `json:"threshold"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
}

// DefaultMilestones returns the standard quartile set.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Name: "quarter", Threshold: 25},
		{Name: "half", Threshold: 50},
		{Name: "three-quarters", Threshold: 75},
		{Name: "complete", Threshold: 100},
	}
}

// Context is the mandatory companion of every task, created lazily on first
// mutation.
type Context struct {
	TaskID              string         `json:"task_id"`
	CompletionSummary   string         `json:"completion_summary,omitempty"`
	TestingNotes        string         `json:"testing_notes,omitempty"`
	NextRecommendations []string       `json:"next_recommendations,omitempty"`
	ProgressNotes       []ProgressNote `json:"progress_notes,omitempty"`
	LastUpdated         time.Time      `json:"last_updated"`
}

// ProgressNote is one append-only log entry in a task context.
type ProgressNote struct {
	Timestamp    time.Time    `json:"timestamp"`
	AgentID      string       `json:"agent_id,omitempty"`
	Text         string       `json:"text"`
	ProgressType ProgressType `json:"progress_type,omitempty"`
	Percentage   *float64     `json:"percentage,omitempty"`
}

// AppendNote records a note and keeps LastUpdated ahead of every entry.
func (c *Context) AppendNote(note ProgressNote) {
	c.ProgressNotes = append(c.ProgressNotes, note)
	if note.Timestamp.After(c.LastUpdated) {
		c.LastUpdated = note.Timestamp
	}
}

// ProgressType classifies a progress snapshot.
type ProgressType string

const (
	ProgressAnalysis       ProgressType = "analysis"
	ProgressDesign         ProgressType = "design"
	ProgressImplementation ProgressType = "implementation"
	ProgressTesting        ProgressType = "testing"
	ProgressDocumentation  ProgressType = "documentation"
	ProgressReview         ProgressType = "review"
	ProgressDeployment     ProgressType = "deployment"
	// ProgressGeneral is overall self-reported progress; unlike the other
	// types it may decrease without a correction flag.
	ProgressGeneral ProgressType = "general"
)

// Valid reports whether p is a known progress type.
func (p ProgressType) Valid() bool {
	switch p {
	case ProgressAnalysis, ProgressDesign, ProgressImplementation, ProgressTesting,
		ProgressDocumentation, ProgressReview, ProgressDeployment, ProgressGeneral:
		return true
	default:
		return false
	}
}

// ProgressTypes lists every known type in a stable order.
func ProgressTypes() []ProgressType {
	return []ProgressType{
		ProgressAnalysis, ProgressDesign, ProgressImplementation, ProgressTesting,
		ProgressDocumentation, ProgressReview, ProgressDeployment, ProgressGeneral,
	}
}

// SnapshotMetadata carries optional structured context for a snapshot.
type SnapshotMetadata struct {
	Blockers     []string `json:"blockers,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	// Correction marks an explicit downward revision, exempting the
	// snapshot from the non-decreasing per-type rule.
	Correction bool `json:"correction,omitempty"`
}

// ProgressSnapshot is an immutable point-in-time progress record.
// Percentage is nil when the reporter cannot estimate one; such snapshots
// must explain themselves via Metadata.Notes.
type ProgressSnapshot struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Type        ProgressType     `json:"type"`
	Percentage  *float64         `json:"percentage,omitempty"`
	Description string           `json:"description"`
	Metadata    SnapshotMetadata `json:"metadata"`
	Timestamp   time.Time        `json:"timestamp"`
	AgentID     string           `json:"agent_id,omitempty"`
}

// Validate checks the snapshot's own invariants.
func (s *ProgressSnapshot) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown progress type %q", s.Type)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Percentage != nil && (*s.Percentage < 0 || *s.Percentage > 100) {
		return fmt.Errorf("percentage %v outside [0,100]", *s.Percentage)
	}
	if s.Percentage == nil && s.Metadata.Notes == "" {
		return fmt.Errorf("a snapshot without a percentage must explain why in metadata.notes")
	}
	if s.Metadata.Confidence < 0 || s.Metadata.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Metadata.Confidence)
	}
	return nil
}
