package orchestrator

import (
	"context"
	"errors"

	"conductor/internal/domain/hint"
	"conductor/internal/domain/task"
	"conductor/internal/fault"
)

// HintParams carries the get_workflow_hints parameter surface.
type HintParams struct {
	TaskID    string   `json:"task_id"`
	HintTypes []string `json:"hint_types,omitempty"`
	MaxHints  int      `json:"max_hints,omitempty"`
}

// FeedbackParams carries the provide_hint_feedback parameter surface.
type FeedbackParams struct {
	HintID     string `json:"hint_id"`
	TaskID     string `json:"task_id"`
	WasHelpful bool   `json:"was_helpful"`
	Comment    string `json:"comment,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// GetWorkflowHints serves hints on demand for a task. The result is a pure
// function of the task's state; repeated calls with unchanged state return
// the same hints.
func (e *Engine) GetWorkflowHints(ctx context.Context, p HintParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	if _, err := e.tasks.Get(ctx, p.TaskID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
		}
		return e.fail(ctx, p.TaskID, err)
	}

	types := make([]hint.Type, 0, len(p.HintTypes))
	for _, raw := range p.HintTypes {
		t := hint.Type(raw)
		if !t.Valid() {
			return e.fail(ctx, p.TaskID, fault.InvalidParameters("hint_types").
				WithHint("one of next_action, blocker_resolution, optimization, completion, collaboration"))
		}
		types = append(types, t)
	}

	state := e.guidanceState(ctx, p.TaskID, nil)
	served, err := e.enhancer.Generate(ctx, state, types, p.MaxHints)
	if err != nil {
		return e.fail(ctx, p.TaskID, fault.Wrap(fault.CodeStorageUnavailable, err, "persist served hints"))
	}
	if served == nil {
		served = []*hint.Hint{}
	}
	return e.succeed(ctx, p.TaskID, map[string]any{
		"hints": served,
		"count": len(served),
	})
}

// ProvideHintFeedback records whether a served hint helped. Without a hint
// repository every hint id resolves to NOT_FOUND.
func (e *Engine) ProvideHintFeedback(ctx context.Context, p FeedbackParams) *Response {
	var missing []string
	if p.HintID == "" {
		missing = append(missing, "hint_id")
	}
	if p.TaskID == "" {
		missing = append(missing, "task_id")
	}
	if len(missing) > 0 {
		return e.fail(ctx, p.TaskID, fault.InvalidParameters(missing...))
	}
	if e.hintRepo == nil {
		return e.fail(ctx, "", fault.NotFound("hint", p.HintID).
			WithHint("hint analytics are disabled on this deployment"))
	}
	h, err := e.hintRepo.Get(ctx, p.HintID)
	if err != nil {
		if errors.Is(err, hint.ErrNotFound) {
			return e.fail(ctx, "", fault.NotFound("hint", p.HintID))
		}
		return e.fail(ctx, "", err)
	}
	fb := &hint.Feedback{
		HintID:     p.HintID,
		TaskID:     h.TaskID,
		WasHelpful: p.WasHelpful,
		Comment:    p.Comment,
		AgentID:    p.AgentID,
		RecordedAt: e.now(),
	}
	if err := e.hintRepo.MarkFeedback(ctx, fb); err != nil {
		return e.fail(ctx, h.TaskID, fault.Wrap(fault.CodeStorageUnavailable, err, "record hint feedback"))
	}
	return e.succeed(ctx, h.TaskID, map[string]any{
		"feedback": fb,
	})
}
