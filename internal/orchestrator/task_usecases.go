package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"

	"conductor/internal/domain/task"
	"conductor/internal/events"
	"conductor/internal/fault"
	"conductor/internal/progress"
	"conductor/internal/utils/id"
)

// TaskParams carries the manage_task parameter surface. Parameter names
// are the wire contract.
type TaskParams struct {
	Action            string   `json:"action"`
	TaskID            string   `json:"task_id,omitempty"`
	Title             string   `json:"title,omitempty"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	BranchID          string   `json:"branch_id,omitempty"`
	ParentID          string   `json:"parent_id,omitempty"`
	Assignee          string   `json:"assignee,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	CompletionSummary string   `json:"completion_summary,omitempty"`
	TestingNotes      string   `json:"testing_notes,omitempty"`
	Query             string   `json:"query,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	IncludeVision     *bool    `json:"include_vision,omitempty"`
}

// ManageTask is the primary CRUD use-case family.
func (e *Engine) ManageTask(ctx context.Context, p TaskParams) *Response {
	switch p.Action {
	case "create":
		return e.createTask(ctx, p)
	case "get":
		return e.getTask(ctx, p)
	case "update":
		return e.updateTask(ctx, p)
	case "complete":
		return e.CompleteTask(ctx, p.TaskID, p.CompletionSummary, p.TestingNotes)
	case "next":
		return e.nextTask(ctx, p)
	case "list":
		return e.listTasks(ctx, p)
	case "search":
		return e.searchTasks(ctx, p)
	case "delete":
		return e.deleteTask(ctx, p)
	default:
		return e.fail(ctx, p.TaskID, fault.InvalidParameters("action").
			WithHint("action must be one of create, get, update, complete, next, list, search, delete"))
	}
}

func (e *Engine) createTask(ctx context.Context, p TaskParams) *Response {
	if strings.TrimSpace(p.Title) == "" {
		return e.fail(ctx, "", fault.InvalidParameters("title").WithHint("provide a short task title"))
	}
	priority := task.PriorityMedium
	if p.Priority != "" {
		priority = task.Priority(p.Priority)
		if !priority.Valid() {
			return e.fail(ctx, "", fault.InvalidParameters("priority"))
		}
	}

	now := e.now()
	t := &task.Task{
		ID:          id.NewTaskID(),
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		Status:      task.StatusTodo,
		Priority:    priority,
		BranchID:    p.BranchID,
		ParentID:    p.ParentID,
		Assignee:    p.Assignee,
		Tags:        p.Tags,
		Milestones:  task.DefaultMilestones(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.BranchID == "" {
		t.BranchID = t.ID
	}

	if t.ParentID != "" {
		if _, err := e.mutate(ctx, t.ParentID, func(parent *task.Task) error {
			parent.SubtaskIDs = append(parent.SubtaskIDs, t.ID)
			t.BranchID = parent.BranchID
			// The new open child dilutes the aggregate immediately, even
			// when the parent was already at 100.
			children, err := e.tasks.FindChildren(ctx, parent.ID)
			if err != nil {
				return err
			}
			parent.OverallProgress = progress.ParentOverall(append(children, t))
			parent.ProgressKnown = true
			progress.ApplyMilestones(parent, now)
			return nil
		}); err != nil {
			return e.fail(ctx, t.ParentID, err)
		}
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return e.fail(ctx, "", fault.Wrap(fault.CodeStorageUnavailable, err, "create task"))
	}

	bus := e.newBus()
	ev := &events.TaskEvent{
		Envelope: events.NewEnvelope(t.ID, now),
		Name:     events.TaskCreated,
		BranchID: t.BranchID,
		ParentID: t.ParentID,
		Status:   string(t.Status),
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, t.ID, err)
	}

	data := map[string]any{"task": t}
	e.attachVision(ctx, t, data, p.IncludeVision)
	return e.succeed(ctx, t.ID, data)
}

func (e *Engine) getTask(ctx context.Context, p TaskParams) *Response {
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

	data := map[string]any{"task": t}
	if c, err := e.contexts.GetByTask(ctx, t.ID); err == nil {
		data["context"] = c
	}
	if t.HasSubtasks() {
		if children, err := e.tasks.FindChildren(ctx, t.ID); err == nil {
			data["subtasks"] = children
		}
	}
	e.attachVision(ctx, t, data, p.IncludeVision)
	return e.succeed(ctx, t.ID, data)
}

func (e *Engine) updateTask(ctx context.Context, p TaskParams) *Response {
	if p.TaskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	now := e.now()
	t, err := e.mutate(ctx, p.TaskID, func(t *task.Task) error {
		if p.Title != "" {
			t.Title = p.Title
		}
		if p.Description != "" {
			t.Description = p.Description
		}
		if p.Assignee != "" {
			t.Assignee = p.Assignee
		}
		if len(p.Tags) > 0 {
			t.Tags = p.Tags
		}
		if p.Priority != "" {
			priority := task.Priority(p.Priority)
			if !priority.Valid() {
				return fault.InvalidParameters("priority")
			}
			t.Priority = priority
		}
		if p.Status != "" {
			next := task.Status(p.Status)
			if !next.Valid() {
				return fault.InvalidParameters("status")
			}
			if next == task.StatusDone {
				// Completion must pass the gate; update cannot bypass it.
				return fault.New(fault.CodeMissingCompletionSummary,
					"use action=complete with a completion_summary to finish a task").
					WithHint("call manage_task(action=complete, task_id=..., completion_summary=...)")
			}
			if !t.Status.CanTransitionTo(next) {
				return fault.New(fault.CodeInvalidStateTransition,
					"cannot move task from %s to %s", t.Status, next).
					WithHint("terminal tasks cannot change status")
			}
			t.Status = next
		}
		return nil
	})
	if err != nil {
		return e.fail(ctx, p.TaskID, err)
	}

	bus := e.newBus()
	ev := &events.TaskEvent{
		Envelope: events.NewEnvelope(t.ID, now),
		Name:     events.TaskUpdated,
		BranchID: t.BranchID,
		ParentID: t.ParentID,
		Status:   string(t.Status),
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, t.ID, err)
	}

	data := map[string]any{"task": t}
	return e.succeed(ctx, t.ID, data)
}

// CompleteTask is the completion gate shared by manage_task(complete) and
// complete_task_with_update. The summary requirement and the subtask gate
// are enforced here and nowhere else.
func (e *Engine) CompleteTask(ctx context.Context, taskID, summary, testingNotes string) *Response {
	if taskID == "" {
		return e.fail(ctx, "", fault.InvalidParameters("task_id"))
	}
	if strings.TrimSpace(summary) == "" {
		return e.fail(ctx, taskID, fault.New(fault.CodeMissingCompletionSummary,
			"completion requires a non-empty completion_summary").
			WithHint("describe what was accomplished, how it was verified, and any follow-ups").
			WithFields("completion_summary"))
	}

	now := e.now()
	var parentID string
	var fired []task.Milestone
	t, err := e.mutate(ctx, taskID, func(t *task.Task) error {
		if t.Status == task.StatusDone {
			return fault.New(fault.CodeInvalidStateTransition, "task %s is already done", taskID)
		}
		if t.Status == task.StatusCancelled {
			return fault.New(fault.CodeInvalidStateTransition, "task %s is cancelled", taskID)
		}
		if t.HasSubtasks() {
			children, err := e.tasks.FindChildren(ctx, t.ID)
			if err != nil {
				return fault.Wrap(fault.CodeStorageUnavailable, err, "load subtasks of %s", t.ID)
			}
			var open []string
			for _, child := range children {
				if child.Status != task.StatusDone {
					open = append(open, child.ID)
				}
			}
			if len(open) > 0 {
				return fault.New(fault.CodeIncompleteSubtasks,
					"%d subtask(s) of %s are not done", len(open), t.ID).
					WithHint("complete every subtask, then retry").
					WithSubjects(open...)
			}
		}

		// Context write precedes the status flip so a failed write never
		// leaves a done task without its summary.
		c, err := e.loadContextOrNew(ctx, t.ID)
		if err != nil {
			return err
		}
		c.CompletionSummary = strings.TrimSpace(summary)
		if testingNotes != "" {
			c.TestingNotes = testingNotes
		}
		c.AppendNote(task.ProgressNote{
			Timestamp: now,
			AgentID:   t.Assignee,
			Text:      "Completed: " + c.CompletionSummary,
		})
		if c.LastUpdated.Before(now) {
			c.LastUpdated = now
		}
		if err := e.contexts.Save(ctx, c); err != nil {
			return fault.Wrap(fault.CodeStorageUnavailable, err, "save context for %s", t.ID)
		}

		t.Status = task.StatusDone
		t.OverallProgress = 100
		t.ProgressKnown = true
		fired = progress.ApplyMilestones(t, now)
		parentID = t.ParentID
		return nil
	})
	if err != nil {
		return e.fail(ctx, taskID, err)
	}

	bus := e.newBus()
	done := &events.TaskEvent{
		Envelope: events.NewEnvelope(t.ID, now),
		Name:     events.TaskCompleted,
		BranchID: t.BranchID,
		ParentID: t.ParentID,
		Status:   string(t.Status),
	}
	if err := bus.Emit(ctx, done); err != nil {
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

	data := map[string]any{"task": t}
	if parentID != "" {
		release := e.locks.Acquire(parentID)
		agg := &events.ProgressEvent{
			Envelope: events.NewEnvelope(t.ID, now),
			Name:     events.SubtaskProgressAggregated,
			ParentID: parentID,
			Overall:  t.OverallProgress,
			Note:     strings.TrimSpace(summary),
			AgentID:  t.Assignee,
		}
		err := bus.Emit(ctx, agg)
		release()
		if err != nil {
			return e.fail(ctx, t.ID, err)
		}
		if parent, perr := e.tasks.Get(ctx, parentID); perr == nil {
			data["parent"] = parent
		}
	}

	e.attachVision(ctx, t, data, nil)
	return e.succeed(ctx, t.ID, data)
}

func (e *Engine) nextTask(ctx context.Context, p TaskParams) *Response {
	candidates, err := e.tasks.List(ctx, task.ListFilter{BranchID: p.BranchID})
	if err != nil {
		return e.fail(ctx, "", err)
	}
	var best *task.Task
	for _, t := range candidates {
		if t.Status != task.StatusTodo && t.Status != task.StatusInProgress {
			continue
		}
		if best == nil ||
			t.Priority.Rank() > best.Priority.Rank() ||
			(t.Priority.Rank() == best.Priority.Rank() && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return e.succeed(ctx, "", map[string]any{"task": nil, "message": "no open tasks"})
	}
	data := map[string]any{"task": best}
	e.attachVision(ctx, best, data, p.IncludeVision)
	return e.succeed(ctx, best.ID, data)
}

func (e *Engine) listTasks(ctx context.Context, p TaskParams) *Response {
	filter := task.ListFilter{
		BranchID: p.BranchID,
		Assignee: p.Assignee,
		Limit:    p.Limit,
	}
	if p.Status != "" {
		filter.Status = task.Status(p.Status)
		if !filter.Status.Valid() {
			return e.fail(ctx, "", fault.InvalidParameters("status"))
		}
	}
	if p.Priority != "" {
		filter.Priority = task.Priority(p.Priority)
		if !filter.Priority.Valid() {
			return e.fail(ctx, "", fault.InvalidParameters("priority"))
		}
	}
	out, err := e.tasks.List(ctx, filter)
	if err != nil {
		return e.fail(ctx, "", err)
	}
	sortByCreation(out)
	return e.succeed(ctx, "", map[string]any{"tasks": out, "count": len(out)})
}

func (e *Engine) searchTasks(ctx context.Context, p TaskParams) *Response {
	if strings.TrimSpace(p.Query) == "" {
		return e.fail(ctx, "", fault.InvalidParameters("query"))
	}
	filter := task.ListFilter{
		BranchID: p.BranchID,
		Query:    p.Query,
		Limit:    p.Limit,
	}
	if p.Status != "" {
		filter.Status = task.Status(p.Status)
	}
	if p.Priority != "" {
		filter.Priority = task.Priority(p.Priority)
	}
	out, err := e.tasks.List(ctx, filter)
	if err != nil {
		return e.fail(ctx, "", err)
	}
	sortByCreation(out)
	return e.succeed(ctx, "", map[string]any{"tasks": out, "count": len(out)})
}

// deleteTask removes a task and cascades to its subtasks. Subtasks cannot
// outlive their parent.
func (e *Engine) deleteTask(ctx context.Context, p TaskParams) *Response {
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

	now := e.now()
	release := e.locks.Acquire(append([]string{t.ID, t.ParentID}, t.SubtaskIDs...)...)
	defer release()

	children, err := e.tasks.FindChildren(ctx, t.ID)
	if err != nil {
		return e.fail(ctx, t.ID, err)
	}
	removed := make([]string, 0, len(children)+1)
	for _, child := range children {
		if err := e.tasks.Delete(ctx, child.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
			return e.fail(ctx, t.ID, err)
		}
		_ = e.contexts.Delete(ctx, child.ID)
		_ = e.agents.DeleteAssignment(ctx, child.ID)
		removed = append(removed, child.ID)
	}
	if err := e.tasks.Delete(ctx, t.ID); err != nil {
		return e.fail(ctx, t.ID, err)
	}
	_ = e.contexts.Delete(ctx, t.ID)
	_ = e.agents.DeleteAssignment(ctx, t.ID)
	removed = append(removed, t.ID)

	bus := e.newBus()
	ev := &events.TaskEvent{
		Envelope: events.NewEnvelope(t.ID, now),
		Name:     events.TaskDeleted,
		BranchID: t.BranchID,
		ParentID: t.ParentID,
	}
	if err := bus.Emit(ctx, ev); err != nil {
		return e.fail(ctx, "", err)
	}

	// A deleted subtask changes its parent's aggregate.
	if t.ParentID != "" {
		if _, err := e.mutateLocked(ctx, t.ParentID, func(parent *task.Task) error {
			parent.SubtaskIDs = removeID(parent.SubtaskIDs, t.ID)
			children, err := e.tasks.FindChildren(ctx, parent.ID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				parent.OverallProgress = progress.ParentOverall(children)
				parent.ProgressKnown = true
			} else {
				// Last subtask gone: the parent reverts to its own timeline.
				snaps, err := e.tasks.Snapshots(ctx, parent.ID)
				if err != nil {
					return err
				}
				parent.OverallProgress, parent.ProgressKnown = progress.LeafOverall(snaps, nil)
			}
			progress.ApplyMilestones(parent, now)
			return nil
		}); err != nil {
			return e.fail(ctx, t.ParentID, err)
		}
	}

	return e.succeed(ctx, "", map[string]any{"deleted": removed})
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != target {
			out = append(out, existing)
		}
	}
	return out
}

// sortByCreation orders tasks oldest first; used where creation order is
// the presentation contract.
func sortByCreation(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}
