package orchestrator

import (
	"context"
	"errors"

	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
	"conductor/internal/fault"
)

// VisionParams carries the get_vision_alignment parameter surface.
type VisionParams struct {
	TaskID  string `json:"task_id"`
	Refresh bool   `json:"refresh,omitempty"`
}

// GetVisionAlignment returns the alignment view for a task: scored
// objectives, contribution classes, and strategic insights.
func (e *Engine) GetVisionAlignment(ctx context.Context, p VisionParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	t, err := e.tasks.Get(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
		}
		return e.fail(ctx, p.TaskID, err)
	}

	if p.Refresh {
		e.enricher.Invalidate(ctx, t.ID)
	}
	vc, err := e.enricher.Enrich(ctx, t)
	if err != nil {
		return e.fail(ctx, t.ID, fault.Wrap(fault.CodeAlignmentUnavailable, err, "compute alignment for %s", t.ID).
			WithHint("the vision store is unreachable or inconsistent; retry or proceed without alignment"))
	}

	// Expand the scored rows with the objective records so callers need no
	// second round trip.
	objectives := make(map[string]*vision.Objective, len(vc.Alignments))
	for _, row := range vc.Alignments {
		o, err := e.visions.GetObjective(ctx, row.ObjectiveID)
		if err != nil {
			if errors.Is(err, vision.ErrNotFound) {
				return e.fail(ctx, t.ID, fault.New(fault.CodeVisionNodeMissing,
					"objective %s is referenced by an alignment but missing from the hierarchy", row.ObjectiveID).
					WithSubjects(row.ObjectiveID))
			}
			return e.fail(ctx, t.ID, err)
		}
		objectives[o.ID] = o
	}

	return e.succeed(ctx, t.ID, map[string]any{
		"task_id":    t.ID,
		"alignments": vc.Alignments,
		"insights":   vc.Insights,
		"objectives": objectives,
	})
}
