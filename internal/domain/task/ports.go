package task

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by UpdateWithVersion when the stored
// version no longer matches the caller's token.
var ErrVersionConflict = errors.New("task version conflict")

// ErrNotFound is returned when a task id resolves to nothing.
var ErrNotFound = errors.New("task not found")

// ListFilter narrows List and Search results.
type ListFilter struct {
	BranchID string
	Status   Status
	Priority Priority
	Assignee string
	// Query matches title and description, case-insensitive substring.
	Query string
	Limit int
}

// Repository is the task persistence port.
type Repository interface {
	// Create persists a new task.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// Save persists a mutated task unconditionally, advancing Version.
	Save(ctx context.Context, t *Task) error

	// UpdateWithVersion persists t only when the stored Version equals
	// expected; on mismatch it returns ErrVersionConflict.
	UpdateWithVersion(ctx context.Context, t *Task, expected int64) error

	// FindByBranch returns tasks on a branch, newest first.
	FindByBranch(ctx context.Context, branchID string) ([]*Task, error)

	// FindChildren returns the subtasks of a parent, creation order.
	FindChildren(ctx context.Context, parentID string) ([]*Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Delete removes a task and its owned records. Cascading to subtasks
	// is the orchestrator's responsibility so events fire per subtask.
	Delete(ctx context.Context, id string) error

	// AppendSnapshot appends to a task's progress timeline.
	AppendSnapshot(ctx context.Context, snap *ProgressSnapshot) error

	// Snapshots returns a task's timeline, oldest first.
	Snapshots(ctx context.Context, taskID string) ([]*ProgressSnapshot, error)
}

// ContextRepository is the context persistence port.
type ContextRepository interface {
	// GetByTask returns the task's context, or ErrNotFound when none
	// has been written yet.
	GetByTask(ctx context.Context, taskID string) (*Context, error)

	// Save upserts a context.
	Save(ctx context.Context, c *Context) error

	// Delete removes a task's context.
	Delete(ctx context.Context, taskID string) error
}
