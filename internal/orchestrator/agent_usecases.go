package orchestrator

import (
	"context"

	"conductor/internal/domain/agent"
	"conductor/internal/domain/task"
	"conductor/internal/events"
	"conductor/internal/fault"
)

// AssignParams carries the assign_agent_to_task parameter surface. An
// empty agent_id asks the coordinator to pick the most suitable agent.
type AssignParams struct {
	TaskID            string   `json:"task_id"`
	AgentID           string   `json:"agent_id,omitempty"`
	Role              string   `json:"role,omitempty"`
	Responsibilities  []string `json:"responsibilities,omitempty"`
	ExpertiseRequired []string `json:"expertise_required,omitempty"`
	AssignedBy        string   `json:"assigned_by,omitempty"`
}

// HandoffParams carries the handoff tool parameter surfaces.
type HandoffParams struct {
	HandoffID      string   `json:"handoff_id,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	FromAgentID    string   `json:"from_agent_id,omitempty"`
	ToAgentID      string   `json:"to_agent_id,omitempty"`
	WorkSummary    string   `json:"work_summary,omitempty"`
	CompletedItems []string `json:"completed_items,omitempty"`
	RemainingItems []string `json:"remaining_items,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// ConflictParams carries the resolve_conflict parameter surface.
type ConflictParams struct {
	ConflictID string `json:"conflict_id"`
	Strategy   string `json:"strategy"`
	ResolvedBy string `json:"resolved_by"`
	Details    string `json:"details,omitempty"`
}

// WorkloadParams carries the get_agent_workload parameter surface.
type WorkloadParams struct {
	AgentID string `json:"agent_id"`
}

// StatusParams carries the broadcast_status parameter surface.
type StatusParams struct {
	AgentID     string   `json:"agent_id"`
	Status      string   `json:"status"`
	CurrentLoad *float64 `json:"current_load,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// AssignAgent creates or replaces the primary assignment for a task.
// Replacing an assignment held by a different agent records a Conflict;
// the later writer holds the assignment until the conflict is resolved.
func (e *Engine) AssignAgent(ctx context.Context, p AssignParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	agentID := p.AgentID
	if agentID == "" {
		picked, err := e.coordinator.PickAgent(ctx, p.ExpertiseRequired, p.Role)
		if err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
		agentID = picked.ID
	}

	now := e.now()
	release := e.locks.Acquire(p.TaskID)
	defer release()

	asg, previous, err := e.coordinator.Assign(ctx, p.TaskID, agentID, p.Role, p.Responsibilities, p.AssignedBy, now)
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}
	if _, err := e.mutateLocked(ctx, p.TaskID, func(t *task.Task) error {
		t.Assignee = agentID
		return nil
	}); err != nil {
		return e.fail(ctx, p.TaskID, err)
	}

	bus := e.newBus()
	if previous != nil && previous.AgentID != agentID {
		unassigned := &events.CoordinationEvent{
			Envelope: events.NewEnvelope(p.TaskID, now),
			Name:     events.AgentUnassigned,
			AgentID:  previous.AgentID,
		}
		if err := bus.Emit(ctx, unassigned); err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
	}
	assigned := &events.CoordinationEvent{
		Envelope: events.NewEnvelope(p.TaskID, now),
		Name:     events.AgentAssigned,
		AgentID:  agentID,
	}
	if err := bus.Emit(ctx, assigned); err != nil {
		return e.fail(ctx, p.TaskID, err)
	}

	data := map[string]any{"assignment": asg}
	if previous != nil {
		data["replaced"] = previous
	}

	// A replacement by a different writer is a simultaneous-ownership
	// signal; record it so the hint enhancer keeps surfacing it.
	if previous != nil && previous.AgentID != agentID && previous.AssignedBy != p.AssignedBy {
		conflict, err := e.coordinator.DetectConflict(ctx, p.TaskID, previous, asg, now)
		if err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
		detected := &events.CoordinationEvent{
			Envelope:   events.NewEnvelope(p.TaskID, now),
			Name:       events.ConflictDetected,
			AgentID:    agentID,
			ConflictID: conflict.ID,
			Detail:     "primary assignment replaced while held by " + previous.AgentID,
		}
		if err := bus.Emit(ctx, detected); err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
		data["conflict"] = conflict
	}

	return e.succeed(ctx, p.TaskID, data)
}

// RequestHandoff opens a handoff between two agents for a task.
func (e *Engine) RequestHandoff(ctx context.Context, p HandoffParams) *Response {
	var missing []string
	if p.TaskID == "" {
		missing = append(missing, "task_id")
	}
	if p.FromAgentID == "" {
		missing = append(missing, "from_agent_id")
	}
	if p.ToAgentID == "" {
		missing = append(missing, "to_agent_id")
	}
	if p.WorkSummary == "" {
		missing = append(missing, "work_summary")
	}
	if len(missing) > 0 {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters(missing...))
	}
	if _, err := e.tasks.Get(ctx, p.TaskID); err != nil {
		return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
	}

	now := e.now()
	h, err := e.coordinator.RequestHandoff(ctx, p.TaskID, p.FromAgentID, p.ToAgentID, p.WorkSummary, p.CompletedItems, p.RemainingItems, now)
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}

	bus := e.newBus()
	ev := &events.CoordinationEvent{
		Envelope:  events.NewEnvelope(p.TaskID, now),
		Name:      events.HandoffRequested,
		FromAgent: h.FromAgent,
		ToAgent:   h.ToAgent,
		HandoffID: h.ID,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, p.TaskID, err)
	}
	return e.succeed(ctx, p.TaskID, map[string]any{"handoff": h})
}

// AcceptHandoff confirms a requested handoff; the primary assignment
// transfers with the state change.
func (e *Engine) AcceptHandoff(ctx context.Context, p HandoffParams) *Response {
	if p.HandoffID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("handoff_id"))
	}
	now := e.now()
	h, err := e.coordinator.AcceptHandoff(ctx, p.HandoffID, now)
	if err != nil {
		return e.fail(ctx, "", err)
	}
	release := e.locks.Acquire(h.TaskID)
	_, err = e.mutateLocked(ctx, h.TaskID, func(t *task.Task) error {
		t.Assignee = h.ToAgent
		return nil
	})
	release()
	if err != nil {
		return e.fail(ctx, h.TaskID, err)
	}

	bus := e.newBus()
	ev := &events.CoordinationEvent{
		Envelope:  events.NewEnvelope(h.TaskID, now),
		Name:      events.HandoffAccepted,
		FromAgent: h.FromAgent,
		ToAgent:   h.ToAgent,
		HandoffID: h.ID,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, h.TaskID, err)
	}
	return e.succeed(ctx, h.TaskID, map[string]any{"handoff": h})
}

// RejectHandoff declines a requested handoff; the original assignment is
// retained.
func (e *Engine) RejectHandoff(ctx context.Context, p HandoffParams) *Response {
	if p.HandoffID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("handoff_id"))
	}
	now := e.now()
	h, err := e.coordinator.RejectHandoff(ctx, p.HandoffID, p.Reason, now)
	if err != nil {
		return e.fail(ctx, "", err)
	}

	// The rejection reason stays with the task, not just the handoff row.
	if c, err := e.loadContextOrNew(ctx, h.TaskID); err == nil {
		text := "Handoff to " + h.ToAgent + " rejected"
		if p.Reason != "" {
			text += ": " + p.Reason
		}
		c.AppendNote(task.ProgressNote{Timestamp: now, AgentID: h.ToAgent, Text: text})
		if err := e.contexts.Save(ctx, c); err != nil {
			return e.fail(ctx, h.TaskID, err)
		}
	}

	bus := e.newBus()
	ev := &events.CoordinationEvent{
		Envelope:  events.NewEnvelope(h.TaskID, now),
		Name:      events.HandoffRejected,
		FromAgent: h.FromAgent,
		ToAgent:   h.ToAgent,
		HandoffID: h.ID,
		Detail:    p.Reason,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, h.TaskID, err)
	}
	return e.succeed(ctx, h.TaskID, map[string]any{"handoff": h})
}

// CompleteHandoff closes an accepted handoff and merges its work summary
// into the task context.
func (e *Engine) CompleteHandoff(ctx context.Context, p HandoffParams) *Response {
	if p.HandoffID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("handoff_id"))
	}
	now := e.now()
	h, err := e.coordinator.CompleteHandoff(ctx, p.HandoffID, now)
	if err != nil {
		return e.fail(ctx, "", err)
	}

	bus := e.newBus()
	ev := &events.CoordinationEvent{
		Envelope:  events.NewEnvelope(h.TaskID, now),
		Name:      events.HandoffCompleted,
		FromAgent: h.FromAgent,
		ToAgent:   h.ToAgent,
		HandoffID: h.ID,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, h.TaskID, err)
	}
	return e.succeed(ctx, h.TaskID, map[string]any{"handoff": h})
}

// GetAgentWorkload reports an agent's open assignments and task tallies.
func (e *Engine) GetAgentWorkload(ctx context.Context, p WorkloadParams) *Response {
	if p.AgentID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("agent_id"))
	}
	w, err := e.coordinator.GetWorkload(ctx, p.AgentID)
	if err != nil {
		return e.fail(ctx, "", err)
	}
	return e.succeed(ctx, "", map[string]any{"workload": w})
}

// ResolveConflict settles an assignment conflict with the chosen strategy.
func (e *Engine) ResolveConflict(ctx context.Context, p ConflictParams) *Response {
	var missing []string
	if p.ConflictID == "" {
		missing = append(missing, "conflict_id")
	}
	if p.Strategy == "" {
		missing = append(missing, "strategy")
	}
	if p.ResolvedBy == "" {
		missing = append(missing, "resolved_by")
	}
	if len(missing) > 0 {
		return e.fail(ctx, "", fault.InvalidParameters(missing...))
	}

	now := e.now()
	conflict, err := e.coordinator.ResolveConflict(ctx, p.ConflictID, agent.ResolutionStrategy(p.Strategy), p.ResolvedBy, p.Details, now)
	if err != nil {
		return e.fail(ctx, "", err)
	}

	// Settled strategies may have moved the primary assignment; mirror it
	// on the task.
	if conflict.Resolved {
		if asg, err := e.agents.GetAssignment(ctx, conflict.TaskID); err == nil {
			release := e.locks.Acquire(conflict.TaskID)
			_, merr := e.mutateLocked(ctx, conflict.TaskID, func(t *task.Task) error {
				t.Assignee = asg.AgentID
				return nil
			})
			release()
			if merr != nil {
				return e.fail(ctx, conflict.TaskID, merr)
			}
		}
		bus := e.newBus()
		ev := &events.CoordinationEvent{
			Envelope:   events.NewEnvelope(conflict.TaskID, now),
			Name:       events.ConflictResolved,
			ConflictID: conflict.ID,
			Detail:     string(conflict.Strategy),
		}
		if err := bus.Emit(ctx, ev); err != nil {
			return e.fail(ctx, conflict.TaskID, err)
		}
	}
	return e.succeed(ctx, conflict.TaskID, map[string]any{"conflict": conflict})
}

// BroadcastStatus updates an agent's availability, registering unknown
// agents on first contact.
func (e *Engine) BroadcastStatus(ctx context.Context, p StatusParams) *Response {
	var missing []string
	if p.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if p.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return e.fail(ctx, "", fault.InvalidParameters(missing...))
	}

	now := e.now()
	a, err := e.coordinator.BroadcastStatus(ctx, p.AgentID, agent.Status(p.Status), p.CurrentLoad, now)
	if err != nil {
		return e.fail(ctx, "", err)
	}

	bus := e.newBus()
	ev := &events.CoordinationEvent{
		Envelope: events.NewEnvelope("", now),
		Name:     events.AgentStatusChanged,
		AgentID:  a.ID,
		Detail:   p.Message,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, "", err)
	}
	return e.succeed(ctx, "", map[string]any{"agent": a})
}
