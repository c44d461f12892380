package orchestrator

import (
	"context"
	"errors"
	"strings"

	"conductor/internal/domain/task"
	"conductor/internal/events"
	"conductor/internal/fault"
	"conductor/internal/progress"
	"conductor/internal/utils/id"
)

// ProgressParams carries the report_progress parameter surface.
type ProgressParams struct {
	TaskID       string   `json:"task_id"`
	ProgressType string   `json:"progress_type"`
	Percentage   *float64 `json:"percentage,omitempty"`
	Description  string   `json:"description"`
	Blockers     []string `json:"blockers,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Correction   bool     `json:"correction,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
}

// QuickUpdateParams carries the quick_task_update parameter surface: the
// low-ceremony path for a working agent.
type QuickUpdateParams struct {
	TaskID             string   `json:"task_id"`
	WhatIDid           string   `json:"what_i_did"`
	ProgressPercentage *float64 `json:"progress_percentage,omitempty"`
	NextSteps          []string `json:"next_steps,omitempty"`
	AgentID            string   `json:"agent_id,omitempty"`
}

// CheckpointParams carries the checkpoint_work parameter surface.
type CheckpointParams struct {
	TaskID       string   `json:"task_id"`
	CurrentState string   `json:"current_state"`
	NextSteps    []string `json:"next_steps,omitempty"`
	Blockers     []string `json:"blockers,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
}

// ReportProgress records a typed snapshot, recomputes the task's overall
// progress, and propagates to the parent when the task is a subtask.
func (e *Engine) ReportProgress(ctx context.Context, p ProgressParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	typ := task.ProgressType(p.ProgressType)
	if !typ.Valid() {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("progress_type").
			WithHint("one of analysis, design, implementation, testing, documentation, review, deployment, general"))
	}
	if strings.TrimSpace(p.Description) == "" {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("description"))
	}

	now := e.now()
	snap := &task.ProgressSnapshot{
		ID:          id.NewSnapshotID(),
		TaskID:      p.TaskID,
		Type:        typ,
		Percentage:  p.Percentage,
		Description: p.Description,
		Metadata: task.SnapshotMetadata{
			Blockers:     p.Blockers,
			Dependencies: p.Dependencies,
			Confidence:   p.Confidence,
			Notes:        p.Notes,
			Correction:   p.Correction,
		},
		Timestamp: now,
		AgentID:   p.AgentID,
	}
	if err := snap.Validate(); err != nil {
		return e.fail(ctx, p.TaskID, fault.Wrap(fault.CodeInvalidParameters, err, "invalid progress snapshot"))
	}

	release := e.locks.Acquire(p.TaskID)
	if _, err := e.tasks.Get(ctx, p.TaskID); err != nil {
		release()
		if errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
		}
		return e.fail(ctx, p.TaskID, err)
	}
	if err := e.aggregator.Record(ctx, snap); err != nil {
		release()
		return e.fail(ctx, p.TaskID, fault.Wrap(fault.CodeInvalidParameters, err, "progress rejected"))
	}

	var fired []task.Milestone
	t, err := e.mutateLocked(ctx, p.TaskID, func(t *task.Task) error {
		if !t.HasSubtasks() {
			snaps, err := e.tasks.Snapshots(ctx, t.ID)
			if err != nil {
				return err
			}
			if overall, ok := progress.LeafOverall(snaps, nil); ok {
				t.OverallProgress = overall
				t.ProgressKnown = true
			}
		}
		if t.Status == task.StatusTodo {
			t.Status = task.StatusInProgress
		}
		fired = progress.ApplyMilestones(t, now)
		return nil
	})
	release()
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}

	c, err := e.loadContextOrNew(ctx, t.ID)
	if err != nil {
		return e.fail(ctx, t.ID, err)
	}
	c.AppendNote(task.ProgressNote{
		Timestamp:    now,
		AgentID:      p.AgentID,
		Text:         p.Description,
		ProgressType: typ,
		Percentage:   p.Percentage,
	})
	if err := e.contexts.Save(ctx, c); err != nil {
		return e.fail(ctx, t.ID, fault.Wrap(fault.CodeStorageUnavailable, err, "save context for %s", t.ID))
	}

	bus := e.newBus()
	reported := &events.ProgressEvent{
		Envelope: events.NewEnvelope(t.ID, now),
		Name:     events.ProgressReported,
		Overall:  t.OverallProgress,
		Note:     p.Description,
		AgentID:  p.AgentID,
	}
	if err := bus.Emit(ctx, reported); err != nil {
		return e.fail(ctx, t.ID, err)
	}
	for _, m := range fired {
		ev := &events.MilestoneEvent{
			Envelope:      events.NewEnvelope(t.ID, now),
			MilestoneName: m.Name,
			Threshold:     m.Threshold,
			Overall:       t.OverallProgress,
		}
		if err := bus.Emit(ctx, ev); err != nil {
			return e.fail(ctx, t.ID, err)
		}
	}

	data := map[string]any{
		"task":     t,
		"snapshot": snap,
	}
	if t.ParentID != "" {
		releaseParent := e.locks.Acquire(t.ParentID)
		agg := &events.ProgressEvent{
			Envelope: events.NewEnvelope(t.ID, now),
			Name:     events.SubtaskProgressAggregated,
			ParentID: t.ParentID,
			Overall:  t.OverallProgress,
			Note:     p.Description,
			AgentID:  p.AgentID,
		}
		err := bus.Emit(ctx, agg)
		releaseParent()
		if err != nil {
			return e.fail(ctx, t.ID, err)
		}
		if parent, perr := e.tasks.Get(ctx, t.ParentID); perr == nil {
			data["parent"] = parent
		}
	}
	if len(fired) > 0 {
		names := make([]string, 0, len(fired))
		for _, m := range fired {
			names = append(names, m.Name)
		}
		data["milestones_reached"] = names
	}
	return e.succeed(ctx, t.ID, data)
}

// QuickTaskUpdate is report_progress with the ceremony stripped: a general
// note, an optional percentage, and optional next steps.
func (e *Engine) QuickTaskUpdate(ctx context.Context, p QuickUpdateParams) *Response {
	if strings.TrimSpace(p.WhatIDid) == "" {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("what_i_did"))
	}
	notes := ""
	if p.ProgressPercentage == nil {
		notes = "quick update without a percentage estimate"
	}
	resp := e.ReportProgress(ctx, ProgressParams{
		TaskID:       p.TaskID,
		ProgressType: string(task.ProgressGeneral),
		Percentage:   p.ProgressPercentage,
		Description:  p.WhatIDid,
		Notes:        notes,
		AgentID:      p.AgentID,
	})
	if !resp.Success || len(p.NextSteps) == 0 {
		return resp
	}

	c, err := e.loadContextOrNew(ctx, p.TaskID)
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}
	c.NextRecommendations = p.NextSteps
	if err := e.contexts.Save(ctx, c); err != nil {
		return e.fail(ctx, p.TaskID, fault.Wrap(fault.CodeStorageUnavailable, err, "save context for %s", p.TaskID))
	}
	resp.Data["next_steps"] = p.NextSteps
	return resp
}

// CheckpointWork persists the work state between conversations without
// moving the task. It never changes status or progress.
func (e *Engine) CheckpointWork(ctx context.Context, p CheckpointParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	if strings.TrimSpace(p.CurrentState) == "" {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("current_state"))
	}
	if _, err := e.tasks.Get(ctx, p.TaskID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
		}
		return e.fail(ctx, p.TaskID, err)
	}

	now := e.now()
	release := e.locks.Acquire(p.TaskID)
	defer release()

	c, err := e.loadContextOrNew(ctx, p.TaskID)
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}
	text := "Checkpoint: " + p.CurrentState
	if len(p.Blockers) > 0 {
		text += " (blocked on: " + strings.Join(p.Blockers, ", ") + ")"
	}
	c.AppendNote(task.ProgressNote{
		Timestamp: now,
		AgentID:   p.AgentID,
		Text:      text,
	})
	if len(p.NextSteps) > 0 {
		c.NextRecommendations = p.NextSteps
	}
	if err := e.contexts.Save(ctx, c); err != nil {
		return e.fail(ctx, p.TaskID, fault.Wrap(fault.CodeStorageUnavailable, err, "save context for %s", p.TaskID))
	}

	return e.succeed(ctx, p.TaskID, map[string]any{
		"context":      c,
		"checkpointed": true,
	})
}
