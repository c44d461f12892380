package orchestrator

import (
	"context"
	"errors"

	"conductor/internal/domain/task"
	"conductor/internal/fault"
)

// SubtaskParams carries the manage_subtask parameter surface.
type SubtaskParams struct {
	Action            string   `json:"action"`
	TaskID            string   `json:"task_id"`
	SubtaskID         string   `json:"subtask_id,omitempty"`
	Title             string   `json:"title,omitempty"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	Assignee          string   `json:"assignee,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	CompletionSummary string   `json:"completion_summary,omitempty"`
	TestingNotes      string   `json:"testing_notes,omitempty"`
}

// ManageSubtask operates on the children of one parent task. All actions
// verify the parent/child relationship before touching the child.
func (e *Engine) ManageSubtask(ctx context.Context, p SubtaskParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	switch p.Action {
	case "create":
		return e.createTask(ctx, TaskParams{
			Action:      "create",
			Title:       p.Title,
			Description: p.Description,
			Priority:    p.Priority,
			ParentID:    p.TaskID,
			Assignee:    p.Assignee,
			Tags:        p.Tags,
		})
	case "list":
		return e.listSubtasks(ctx, p)
	case "update":
		if err := e.checkParentage(ctx, p.TaskID, p.SubtaskID); err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
		return e.updateTask(ctx, TaskParams{
			Action:      "update",
			TaskID:      p.SubtaskID,
			Title:       p.Title,
			Description: p.Description,
			Status:      p.Status,
			Priority:    p.Priority,
			Assignee:    p.Assignee,
			Tags:        p.Tags,
		})
	case "complete":
		return e.CompleteSubtask(ctx, p.TaskID, p.SubtaskID, p.CompletionSummary, p.TestingNotes)
	case "delete":
		if err := e.checkParentage(ctx, p.TaskID, p.SubtaskID); err != nil {
			return e.fail(ctx, p.TaskID, err)
		}
		return e.deleteTask(ctx, TaskParams{Action: "delete", TaskID: p.SubtaskID})
	default:
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("action").
			WithHint("action must be one of create, list, update, complete, delete"))
	}
}

// CompleteSubtask completes one child and lets the aggregation event
// recompute the parent. The completion gate is the same as for any task.
func (e *Engine) CompleteSubtask(ctx context.Context, parentID, subtaskID, summary, testingNotes string) *Response {
	if err := e.checkParentage(ctx, parentID, subtaskID); err != nil {
		return e.fail(ctx, parentID, err)
	}
	resp := e.CompleteTask(ctx, subtaskID, summary, testingNotes)
	if !resp.Success {
		return resp
	}
	// Guidance and data should reflect the parent the caller addressed.
	if parent, err := e.tasks.Get(ctx, parentID); err == nil {
		resp.Data["parent"] = parent
		resp.WorkflowGuidance = e.enhancer.Enhance(e.guidanceState(ctx, parentID, nil))
	}
	return resp
}

func (e *Engine) listSubtasks(ctx context.Context, p SubtaskParams) *Response {
	if _, err := e.tasks.Get(ctx, p.TaskID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, p.TaskID, fault.NotFound("task", p.TaskID))
		}
		return e.fail(ctx, p.TaskID, err)
	}
	children, err := e.tasks.FindChildren(ctx, p.TaskID)
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}
	sortByCreation(children)
	done := 0
	for _, child := range children {
		if child.Status == task.StatusDone {
			done++
		}
	}
	return e.succeed(ctx, p.TaskID, map[string]any{
		"subtasks": children,
		"count":    len(children),
		"done":     done,
	})
}

// checkParentage verifies that subtaskID is a child of parentID.
func (e *Engine) checkParentage(ctx context.Context, parentID, subtaskID string) error {
	if subtaskID == "" {
		return fault.InvalidParameters("subtask_id")
	}
	sub, err := e.tasks.Get(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fault.NotFound("subtask", subtaskID)
		}
		return err
	}
	if sub.ParentID != parentID {
		return fault.InvalidParameters("subtask_id").
			WithHint("the subtask does not belong to the given task").
			WithSubjects(subtaskID)
	}
	return nil
}
