// Package events provides the per-request synchronous event bus.
//
// Events are tagged variants sharing a common envelope. The bus lives for
// one use-case: handlers run synchronously in emission order and their
// effects commit (or roll back) with the enclosing use-case.
package events

import (
	"sync/atomic"
	"time"

	"conductor/internal/utils/id"
)

// Name tags an event variant.
type Name string

const (
	TaskCreated               Name = "task.created"
	TaskUpdated               Name = "task.updated"
	TaskCompleted             Name = "task.completed"
	TaskDeleted               Name = "task.deleted"
	ProgressReported          Name = "progress.reported"
	ProgressMilestoneReached  Name = "progress.milestone_reached"
	SubtaskProgressAggregated Name = "subtask.progress_aggregated"
	AgentAssigned             Name = "agent.assigned"
	AgentUnassigned           Name = "agent.unassigned"
	AgentStatusChanged        Name = "agent.status_changed"
	HandoffRequested          Name = "handoff.requested"
	HandoffAccepted           Name = "handoff.accepted"
	HandoffRejected           Name = "handoff.rejected"
	HandoffCompleted          Name = "handoff.completed"
	ConflictDetected          Name = "conflict.detected"
	ConflictResolved          Name = "conflict.resolved"
)

// Event is the common contract of every variant.
type Event interface {
	EventName() Name
	Meta() *Envelope
}

// Envelope carries identity and ordering shared by all events.
type Envelope struct {
	EventID   string    `json:"event_id"`
	Seq       uint64    `json:"seq"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta exposes the envelope through the Event interface. The accessor
// cannot be named Envelope: embedding the struct as a field of that name
// would shadow the promoted method on every variant.
func (e *Envelope) Meta() *Envelope { return e }

var seqCounter atomic.Uint64

// NewEnvelope stamps an envelope with a fresh event id and sequence number.
func NewEnvelope(taskID string, now time.Time) Envelope {
	return Envelope{
		EventID:   id.NewEventID(),
		Seq:       seqCounter.Add(1),
		TaskID:    taskID,
		Timestamp: now,
	}
}

// TaskEvent covers the task lifecycle variants, distinguished by name.
type TaskEvent struct {
	Envelope
	Name     Name   `json:"name"`
	BranchID string `json:"branch_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (e *TaskEvent) EventName() Name { return e.Name }

// ProgressEvent reports a recorded snapshot or an overall recomputation.
type ProgressEvent struct {
	Envelope
	Name         Name     `json:"name"`
	ParentID     string   `json:"parent_id,omitempty"`
	ProgressType string   `json:"progress_type,omitempty"`
	Percentage   *float64 `json:"percentage,omitempty"`
	Overall      int      `json:"overall"`
	Note         string   `json:"note,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
}

func (e *ProgressEvent) EventName() Name { return e.Name }

// MilestoneEvent fires once per (task, milestone) crossing.
type MilestoneEvent struct {
	Envelope
	MilestoneName string `json:"milestone_name"`
	Threshold     int    `json:"threshold"`
	Overall       int    `json:"overall"`
}

func (e *MilestoneEvent) EventName() Name { return ProgressMilestoneReached }

// CoordinationEvent covers assignment, handoff, and conflict variants.
type CoordinationEvent struct {
	Envelope
	Name       Name   `json:"name"`
	AgentID    string `json:"agent_id,omitempty"`
	FromAgent  string `json:"from_agent,omitempty"`
	ToAgent    string `json:"to_agent,omitempty"`
	HandoffID  string `json:"handoff_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (e *CoordinationEvent) EventName() Name { return e.Name }
