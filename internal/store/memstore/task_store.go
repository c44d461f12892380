// Package memstore implements every repository port in memory. It is the
// default backend for stdio runs and the harness for tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/domain/task"
)

// TaskStore implements task.Repository with map storage. All reads and
// writes copy, so callers never alias stored state.
type TaskStore struct {
	mu        sync.RWMutex
	tasks     map[string]*task.Task
	snapshots map[string][]*task.ProgressSnapshot
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:     make(map[string]*task.Task),
		snapshots: make(map[string][]*task.ProgressSnapshot),
	}
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Milestones = make([]task.Milestone, len(t.Milestones))
	for i, m := range t.Milestones {
		cp.Milestones[i] = m
		if m.FiredAt != nil {
			at := *m.FiredAt
			cp.Milestones[i].FiredAt = &at
		}
	}
	return &cp
}

// Create persists a new task.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return cloneTask(t), nil
}

// Save persists a mutated task unconditionally, advancing Version.
func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return task.ErrNotFound
	}
	t.Version++
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// UpdateWithVersion persists t only when the stored version matches.
func (s *TaskStore) UpdateWithVersion(ctx context.Context, t *task.Task, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[t.ID]
	if !ok {
		return task.ErrNotFound
	}
	if stored.Version != expected {
		return task.ErrVersionConflict
	}
	t.Version = expected + 1
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// FindByBranch returns tasks on a branch, newest first.
func (s *TaskStore) FindByBranch(ctx context.Context, branchID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.BranchID == branchID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindChildren returns subtasks in creation order.
func (s *TaskStore) FindChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := strings.ToLower(filter.Query)
	var out []*task.Task
	for _, t := range s.tasks {
		if filter.BranchID != "" && t.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Assignee != "" && t.Assignee != filter.Assignee {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(t.Title), query) &&
			!strings.Contains(strings.ToLower(t.Description), query) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete removes a task and its timeline.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return task.ErrNotFound
	}
	delete(s.tasks, id)
	delete(s.snapshots, id)
	return nil
}

// AppendSnapshot appends to a task's progress timeline.
func (s *TaskStore) AppendSnapshot(ctx context.Context, snap *task.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[snap.TaskID]; !ok {
		return task.ErrNotFound
	}
	cp := *snap
	if snap.Percentage != nil {
		pct := *snap.Percentage
		cp.Percentage = &pct
	}
	s.snapshots[snap.TaskID] = append(s.snapshots[snap.TaskID], &cp)
	return nil
}

// Snapshots returns a task's timeline, oldest first.
func (s *TaskStore) Snapshots(ctx context.Context, taskID string) ([]*task.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.snapshots[taskID]
	out := make([]*task.ProgressSnapshot, len(stored))
	for i, snap := range stored {
		cp := *snap
		if snap.Percentage != nil {
			pct := *snap.Percentage
			cp.Percentage = &pct
		}
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ContextStore implements task.ContextRepository in memory.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*task.Context
}

// NewContextStore creates an empty context store.
func NewContextStore() *ContextStore {
	return &ContextStore{contexts: make(map[string]*task.Context)}
}

func cloneContext(c *task.Context) *task.Context {
	cp := *c
	cp.NextRecommendations = append([]string(nil), c.NextRecommendations...)
	cp.ProgressNotes = make([]task.ProgressNote, len(c.ProgressNotes))
	for i, note := range c.ProgressNotes {
		cp.ProgressNotes[i] = note
		if note.Percentage != nil {
			pct := *note.Percentage
			cp.ProgressNotes[i].Percentage = &pct
		}
	}
	return &cp
}

// GetByTask returns the context for a task.
func (s *ContextStore) GetByTask(ctx context.Context, taskID string) (*task.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return cloneContext(c), nil
}

// Save upserts a context.
func (s *ContextStore) Save(ctx context.Context, c *task.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now().UTC()
	}
	s.contexts[c.TaskID] = cloneContext(c)
	return nil
}

// Delete removes a task's context.
func (s *ContextStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, taskID)
	return nil
}
