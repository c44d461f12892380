// Package coordination implements work assignment, the handoff protocol,
// and conflict resolution between agents.
package coordination

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"conductor/internal/domain/agent"
	"conductor/internal/domain/task"
	"conductor/internal/fault"
	"conductor/internal/logging"
	"conductor/internal/utils/id"
)

// Coordinator mediates every agent-facing operation. It holds no state of
// its own; the orchestrator serialises per task id around it.
type Coordinator struct {
	agents   agent.Repository
	tasks    task.Repository
	contexts task.ContextRepository
	log      *logging.Logger
}

// NewCoordinator wires a coordinator to its repositories.
func NewCoordinator(agents agent.Repository, tasks task.Repository, contexts task.ContextRepository, log *logging.Logger) *Coordinator {
	return &Coordinator{
		agents:   agents,
		tasks:    tasks,
		contexts: contexts,
		log:      logging.OrNop(log).Component("coordination"),
	}
}

// Assign records the primary assignment for a task, replacing any previous
// one. It returns the new assignment and the one it replaced, if any.
func (c *Coordinator) Assign(ctx context.Context, taskID, agentID, role string, responsibilities []string, assignedBy string, now time.Time) (*agent.Assignment, *agent.Assignment, error) {
	a, err := c.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, nil, fault.NotFound("agent", agentID)
		}
		return nil, nil, err
	}
	if a.Status == agent.StatusOffline {
		return nil, nil, fault.New(fault.CodeAgentUnavailable, "agent %s is offline", agentID).
			WithHint("pick an available agent via get_agent_workload or broadcast_status")
	}

	previous, err := c.agents.GetAssignment(ctx, taskID)
	if err != nil && !errors.Is(err, agent.ErrNotFound) {
		return nil, nil, err
	}

	asg := &agent.Assignment{
		ID:               id.NewAssignmentID(),
		TaskID:           taskID,
		AgentID:          agentID,
		Role:             role,
		Responsibilities: responsibilities,
		AssignedAt:       now,
		AssignedBy:       assignedBy,
	}
	if err := c.agents.SaveAssignment(ctx, asg); err != nil {
		return nil, nil, err
	}
	return asg, previous, nil
}

// Suitability scores how well an agent fits a task: idle capacity 0.4,
// expertise match 0.4, role match 0.2.
func Suitability(a *agent.Agent, expertise []string, role string) float64 {
	score := 0.4 * (1 - a.CurrentLoad)
	score += 0.4 * expertiseMatch(a.Expertise, expertise)
	if role != "" && strings.EqualFold(a.Role, role) {
		score += 0.2
	}
	return score
}

func expertiseMatch(have, want []string) float64 {
	if len(want) == 0 {
		return 0
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, e := range have {
		haveSet[strings.ToLower(e)] = struct{}{}
	}
	matched := 0
	for _, e := range want {
		if _, ok := haveSet[strings.ToLower(e)]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

// PickAgent chooses the most suitable available agent. Ties break on lower
// load, then lexicographic agent id.
func (c *Coordinator) PickAgent(ctx context.Context, expertise []string, role string) (*agent.Agent, error) {
	candidates, err := c.agents.FindAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fault.New(fault.CodeAgentUnavailable, "no agents are available").
			WithHint("register an agent or wait for one to broadcast an available status")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si := Suitability(candidates[i], expertise, role)
		sj := Suitability(candidates[j], expertise, role)
		if si != sj {
			return si > sj
		}
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// RequestHandoff opens a handoff in the requested state.
func (c *Coordinator) RequestHandoff(ctx context.Context, taskID, fromAgent, toAgent, workSummary string, completed, remaining []string, now time.Time) (*agent.Handoff, error) {
	if _, err := c.agents.Get(ctx, toAgent); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, fault.NotFound("agent", toAgent)
		}
		return nil, err
	}
	h := &agent.Handoff{
		ID:             id.NewHandoffID(),
		TaskID:         taskID,
		FromAgent:      fromAgent,
		ToAgent:        toAgent,
		State:          agent.HandoffRequested,
		WorkSummary:    workSummary,
		CompletedItems: completed,
		RemainingItems: remaining,
		RequestedAt:    now,
	}
	if err := c.agents.SaveHandoff(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Coordinator) loadHandoff(ctx context.Context, handoffID string) (*agent.Handoff, error) {
	h, err := c.agents.GetHandoff(ctx, handoffID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, fault.NotFound("handoff", handoffID)
		}
		return nil, err
	}
	return h, nil
}

// AcceptHandoff moves a handoff to accepted and transfers the primary
// assignment to the receiving agent atomically with the state change.
func (c *Coordinator) AcceptHandoff(ctx context.Context, handoffID string, now time.Time) (*agent.Handoff, error) {
	h, err := c.loadHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if err := h.Accept(now); err != nil {
		return nil, invalidHandoff(h, "accept")
	}

	asg := &agent.Assignment{
		ID:         id.NewAssignmentID(),
		TaskID:     h.TaskID,
		AgentID:    h.ToAgent,
		AssignedAt: now,
		AssignedBy: h.FromAgent,
	}
	if prev, err := c.agents.GetAssignment(ctx, h.TaskID); err == nil {
		asg.Role = prev.Role
		asg.Responsibilities = prev.Responsibilities
	} else if !errors.Is(err, agent.ErrNotFound) {
		return nil, err
	}
	if err := c.agents.SaveAssignment(ctx, asg); err != nil {
		return nil, err
	}
	if err := c.agents.SaveHandoff(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// RejectHandoff moves a handoff to rejected; the original assignment is
// retained and the reason recorded.
func (c *Coordinator) RejectHandoff(ctx context.Context, handoffID, reason string, now time.Time) (*agent.Handoff, error) {
	h, err := c.loadHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if err := h.Reject(reason, now); err != nil {
		return nil, invalidHandoff(h, "reject")
	}
	if err := c.agents.SaveHandoff(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// CompleteHandoff closes an accepted handoff and merges the work summary
// into the task context.
func (c *Coordinator) CompleteHandoff(ctx context.Context, handoffID string, now time.Time) (*agent.Handoff, error) {
	h, err := c.loadHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if err := h.Complete(now); err != nil {
		return nil, invalidHandoff(h, "complete")
	}

	taskCtx, err := c.contexts.GetByTask(ctx, h.TaskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		taskCtx = &task.Context{TaskID: h.TaskID}
	}
	taskCtx.AppendNote(task.ProgressNote{
		Timestamp: now,
		AgentID:   h.FromAgent,
		Text:      "Handoff to " + h.ToAgent + " completed: " + h.WorkSummary,
	})
	if err := c.contexts.Save(ctx, taskCtx); err != nil {
		return nil, err
	}
	if err := c.agents.SaveHandoff(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func invalidHandoff(h *agent.Handoff, attempted string) *fault.Error {
	return fault.New(fault.CodeInvalidHandoffState, "cannot %s handoff %s in state %s", attempted, h.ID, h.State).
		WithHint("handoffs move requested->accepted->completed, or requested->rejected").
		WithSubjects(h.ID)
}

// DetectConflict records a conflict between two simultaneous primary
// assignment writers. The responsibilities of both writers are snapshotted
// here; the first writer's assignment row no longer exists.
func (c *Coordinator) DetectConflict(ctx context.Context, taskID string, first, later *agent.Assignment, now time.Time) (*agent.Conflict, error) {
	conflict := &agent.Conflict{
		ID:                    id.NewConflictID(),
		TaskID:                taskID,
		FirstAgent:            first.AgentID,
		LaterAgent:            later.AgentID,
		FirstResponsibilities: first.Responsibilities,
		LaterResponsibilities: later.Responsibilities,
		DetectedAt:            now,
	}
	if err := c.agents.SaveConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

// ResolveConflict applies the selected strategy. The manual strategy keeps
// the conflict open for escalation; every other strategy settles the
// primary assignment and closes the conflict.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, strategy agent.ResolutionStrategy, resolvedBy, details string, now time.Time) (*agent.Conflict, error) {
	if !strategy.Valid() {
		return nil, fault.InvalidParameters("strategy").
			WithHint("strategy must be first_writer_wins, last_writer_wins, merge, or manual")
	}
	conflict, err := c.agents.GetConflict(ctx, conflictID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, fault.NotFound("conflict", conflictID)
		}
		return nil, err
	}
	if conflict.Resolved {
		return nil, fault.New(fault.CodeAssignmentConflict, "conflict %s is already resolved", conflictID)
	}

	conflict.Strategy = strategy
	conflict.ResolvedBy = resolvedBy
	conflict.Details = details

	switch strategy {
	case agent.ResolveManual:
		// Stays open; the hint enhancer surfaces it on later responses.
	case agent.ResolveFirstWriterWins:
		if err := c.settleAssignment(ctx, conflict.TaskID, conflict.FirstAgent, resolvedBy, nil, now); err != nil {
			return nil, err
		}
		conflict.Resolved = true
		conflict.ResolvedAt = &now
	case agent.ResolveLastWriterWins:
		if err := c.settleAssignment(ctx, conflict.TaskID, conflict.LaterAgent, resolvedBy, nil, now); err != nil {
			return nil, err
		}
		conflict.Resolved = true
		conflict.ResolvedAt = &now
	case agent.ResolveMerge:
		merged := unionResponsibilities(conflict.FirstResponsibilities, conflict.LaterResponsibilities)
		if err := c.settleAssignment(ctx, conflict.TaskID, conflict.FirstAgent, resolvedBy, merged, now); err != nil {
			return nil, err
		}
		conflict.Resolved = true
		conflict.ResolvedAt = &now
	}

	if err := c.agents.SaveConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

func (c *Coordinator) settleAssignment(ctx context.Context, taskID, agentID, assignedBy string, responsibilities []string, now time.Time) error {
	asg := &agent.Assignment{
		ID:               id.NewAssignmentID(),
		TaskID:           taskID,
		AgentID:          agentID,
		Responsibilities: responsibilities,
		AssignedAt:       now,
		AssignedBy:       assignedBy,
	}
	if prev, err := c.agents.GetAssignment(ctx, taskID); err == nil {
		asg.Role = prev.Role
		if responsibilities == nil {
			asg.Responsibilities = prev.Responsibilities
		}
	} else if !errors.Is(err, agent.ErrNotFound) {
		return err
	}
	return c.agents.SaveAssignment(ctx, asg)
}

// unionResponsibilities merges both writers' responsibility lists, deduped
// and sorted.
func unionResponsibilities(first, later []string) []string {
	seen := make(map[string]struct{}, len(first)+len(later))
	var merged []string
	for _, r := range append(append([]string{}, first...), later...) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.Strings(merged)
	return merged
}

// Workload summarises an agent's current load.
type Workload struct {
	AgentID         string         `json:"agent_id"`
	Status          agent.Status   `json:"status"`
	CurrentLoad     float64        `json:"current_load"`
	OpenAssignments int            `json:"open_assignments"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
}

// GetWorkload reports an agent's open assignments and task tallies.
func (c *Coordinator) GetWorkload(ctx context.Context, agentID string) (*Workload, error) {
	a, err := c.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, fault.NotFound("agent", agentID)
		}
		return nil, err
	}
	open, err := c.agents.CountAssignments(ctx, agentID)
	if err != nil {
		return nil, err
	}
	assigned, err := c.tasks.List(ctx, task.ListFilter{Assignee: agentID})
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int)
	for _, t := range assigned {
		byStatus[string(t.Status)]++
	}
	return &Workload{
		AgentID:         a.ID,
		Status:          a.Status,
		CurrentLoad:     a.CurrentLoad,
		OpenAssignments: open,
		TasksByStatus:   byStatus,
	}, nil
}

// BroadcastStatus updates an agent's availability, registering the agent
// on first contact.
func (c *Coordinator) BroadcastStatus(ctx context.Context, agentID string, status agent.Status, load *float64, now time.Time) (*agent.Agent, error) {
	if !status.Valid() {
		return nil, fault.InvalidParameters("status").
			WithHint("status must be available, busy, or offline")
	}
	a, err := c.agents.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, agent.ErrNotFound) {
			return nil, err
		}
		a = &agent.Agent{ID: agentID}
	}
	a.Status = status
	if load != nil {
		if *load < 0 || *load > 1 {
			return nil, fault.InvalidParameters("current_load").WithHint("current_load must be within [0,1]")
		}
		a.CurrentLoad = *load
	}
	a.UpdatedAt = now
	if err := c.agents.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
