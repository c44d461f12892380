// Package agent defines agents, assignments, the handoff state machine,
// and conflict records for multi-agent coordination.
package agent

import (
	"context"
	"errors"
	"time"
)

// Status is an agent's availability state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// Agent is a registered worker.
type Agent struct {
	ID           string   `json:"id"`
	Role         string   `json:"role,omitempty"`
	Expertise    []string `json:"expertise,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	// CurrentLoad is 0..1; 1 means saturated.
	CurrentLoad float64   `json:"current_load"`
	Status      Status    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available reports whether the agent can take new work.
func (a *Agent) Available() bool {
	return a.Status == StatusAvailable && a.CurrentLoad < 1
}

// Assignment binds an agent to a task. At most one primary assignment
// exists per task id.
type Assignment struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	AgentID          string    `json:"agent_id"`
	Role             string    `json:"role,omitempty"`
	Responsibilities []string  `json:"responsibilities,omitempty"`
	AssignedAt       time.Time `json:"assigned_at"`
	AssignedBy       string    `json:"assigned_by,omitempty"`
}

// HandoffState is a node in the handoff state machine.
type HandoffState string

const (
	HandoffRequested HandoffState = "requested"
	HandoffAccepted  HandoffState = "accepted"
	HandoffCompleted HandoffState = "completed"
	HandoffRejected  HandoffState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s HandoffState) Terminal() bool {
	return s == HandoffCompleted || s == HandoffRejected
}

// ErrInvalidTransition is returned for any move outside the handoff graph.
var ErrInvalidTransition = errors.New("invalid handoff state transition")

// Handoff transfers primary ownership of a task between agents.
//
//	requested -> accepted -> completed
//	requested -> rejected
type Handoff struct {
	ID             string       `json:"id"`
	TaskID         string       `json:"task_id"`
	FromAgent      string       `json:"from_agent"`
	ToAgent        string       `json:"to_agent"`
	State          HandoffState `json:"state"`
	WorkSummary    string       `json:"work_summary"`
	CompletedItems []string     `json:"completed_items,omitempty"`
	RemainingItems []string     `json:"remaining_items,omitempty"`
	RejectReason   string       `json:"reject_reason,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// Accept moves requested -> accepted. Any other origin fails without
// mutating the handoff.
func (h *Handoff) Accept(now time.Time) error {
	if h.State != HandoffRequested {
		return ErrInvalidTransition
	}
	h.State = HandoffAccepted
	return nil
}

// Reject moves requested -> rejected and records the reason.
func (h *Handoff) Reject(reason string, now time.Time) error {
	if h.State != HandoffRequested {
		return ErrInvalidTransition
	}
	h.State = HandoffRejected
	h.RejectReason = reason
	h.ResolvedAt = &now
	return nil
}

// Complete moves accepted -> completed.
func (h *Handoff) Complete(now time.Time) error {
	if h.State != HandoffAccepted {
		return ErrInvalidTransition
	}
	h.State = HandoffCompleted
	h.ResolvedAt = &now
	return nil
}

// ResolutionStrategy selects how an assignment conflict is settled.
type ResolutionStrategy string

const (
	ResolveFirstWriterWins ResolutionStrategy = "first_writer_wins"
	ResolveLastWriterWins  ResolutionStrategy = "last_writer_wins"
	// ResolveMerge unions the responsibilities of both assignments.
	ResolveMerge ResolutionStrategy = "merge"
	// ResolveManual leaves the conflict open for escalation.
	ResolveManual ResolutionStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolveFirstWriterWins, ResolveLastWriterWins, ResolveMerge, ResolveManual:
		return true
	default:
		return false
	}
}

// Conflict records simultaneous primary-assignment mutations on one task.
// Both writers' responsibilities are captured at detection time; the
// replacement has already overwritten the first writer's assignment row by
// the time a resolution strategy runs.
type Conflict struct {
	ID                    string             `json:"id"`
	TaskID                string             `json:"task_id"`
	FirstAgent            string             `json:"first_agent"`
	LaterAgent            string             `json:"later_agent"`
	FirstResponsibilities []string           `json:"first_responsibilities,omitempty"`
	LaterResponsibilities []string           `json:"later_responsibilities,omitempty"`
	DetectedAt            time.Time          `json:"detected_at"`
	Resolved              bool               `json:"resolved"`
	Strategy              ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedBy            string             `json:"resolved_by,omitempty"`
	Details               string             `json:"details,omitempty"`
	ResolvedAt            *time.Time         `json:"resolved_at,omitempty"`
}

// ErrNotFound is returned when an agent-side record resolves to nothing.
var ErrNotFound = errors.New("agent record not found")

// Repository is the agent coordination persistence port.
type Repository interface {
	// Get retrieves an agent by id.
	Get(ctx context.Context, id string) (*Agent, error)

	// Save upserts an agent.
	Save(ctx context.Context, a *Agent) error

	// FindAvailable returns agents able to take work.
	FindAvailable(ctx context.Context) ([]*Agent, error)

	// GetAssignment returns the primary assignment for a task, or
	// ErrNotFound when the task is unassigned.
	GetAssignment(ctx context.Context, taskID string) (*Assignment, error)

	// SaveAssignment upserts the primary assignment for its task.
	SaveAssignment(ctx context.Context, asg *Assignment) error

	// DeleteAssignment removes the primary assignment for a task.
	DeleteAssignment(ctx context.Context, taskID string) error

	// CountAssignments returns the number of open assignments per agent.
	CountAssignments(ctx context.Context, agentID string) (int, error)

	// GetHandoff retrieves a handoff by id.
	GetHandoff(ctx context.Context, id string) (*Handoff, error)

	// SaveHandoff upserts a handoff.
	SaveHandoff(ctx context.Context, h *Handoff) error

	// GetConflict retrieves a conflict by id.
	GetConflict(ctx context.Context, id string) (*Conflict, error)

	// SaveConflict upserts a conflict.
	SaveConflict(ctx context.Context, c *Conflict) error

	// OpenConflicts returns unresolved conflicts for a task.
	OpenConflicts(ctx context.Context, taskID string) ([]*Conflict, error)
}
