package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/domain/task"
)

func TestTaskStoreVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	tk := &task.Task{ID: "task-1", Title: "first", Status: task.StatusTodo}
	require.NoError(t, s.Create(ctx, tk))

	loaded, err := s.Get(ctx, "task-1")
	require.NoError(t, err)

	loaded.Title = "renamed"
	require.NoError(t, s.UpdateWithVersion(ctx, loaded, loaded.Version))

	// A second writer holding the old version must observe a conflict.
	stale := &task.Task{ID: "task-1", Title: "stale write"}
	err = s.UpdateWithVersion(ctx, stale, 0)
	require.ErrorIs(t, err, task.ErrVersionConflict)

	current, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", current.Title)
	require.Equal(t, loaded.Version, current.Version)
}

func TestTaskStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	tk := &task.Task{ID: "task-1", SubtaskIDs: []string{"sub-1"}, Milestones: task.DefaultMilestones()}
	require.NoError(t, s.Create(ctx, tk))

	// Mutating the caller's copy after Create must not leak into the store.
	tk.SubtaskIDs[0] = "tampered"
	tk.Milestones[0].Threshold = 99

	stored, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", stored.SubtaskIDs[0])
	require.Equal(t, 25, stored.Milestones[0].Threshold)

	// And mutating a read copy must not write back.
	stored.SubtaskIDs[0] = "tampered"
	again, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", again.SubtaskIDs[0])
}

func TestTaskStoreListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seed := []*task.Task{
		{ID: "t1", Title: "Fix login flow", BranchID: "auth", Status: task.StatusInProgress, Priority: task.PriorityHigh, Assignee: "agent-a", CreatedAt: base},
		{ID: "t2", Title: "Add OAuth provider", BranchID: "auth", Status: task.StatusTodo, Priority: task.PriorityMedium, CreatedAt: base.Add(time.Minute)},
		{ID: "t3", Title: "Tune cache eviction", BranchID: "perf", Status: task.StatusInProgress, Priority: task.PriorityHigh, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, tk := range seed {
		require.NoError(t, s.Create(ctx, tk))
	}

	byBranch, err := s.List(ctx, task.ListFilter{BranchID: "auth"})
	require.NoError(t, err)
	require.Len(t, byBranch, 2)
	// Newest first.
	require.Equal(t, "t2", byBranch[0].ID)

	byStatus, err := s.List(ctx, task.ListFilter{Status: task.StatusInProgress, Priority: task.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	byQuery, err := s.List(ctx, task.ListFilter{Query: "oauth"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	require.Equal(t, "t2", byQuery[0].ID)

	byAssignee, err := s.List(ctx, task.ListFilter{Assignee: "agent-a"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	require.Equal(t, "t1", byAssignee[0].ID)

	limited, err := s.List(ctx, task.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSnapshotsOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	require.NoError(t, s.Create(ctx, &task.Task{ID: "task-1"}))

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	pct := func(v float64) *float64 { return &v }
	for i, at := range []time.Time{base.Add(time.Minute), base} {
		snap := &task.ProgressSnapshot{TaskID: "task-1", Type: task.ProgressGeneral,
			Percentage: pct(float64(i * 10)), Description: "step", Timestamp: at}
		require.NoError(t, s.AppendSnapshot(ctx, snap))
	}
	snaps, err := s.Snapshots(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.True(t, snaps[0].Timestamp.Equal(base), "snapshots out of order")

	err = s.AppendSnapshot(ctx, &task.ProgressSnapshot{TaskID: "ghost", Type: task.ProgressGeneral, Description: "x", Timestamp: base})
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestContextStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewContextStore()
	_, err := s.GetByTask(ctx, "task-1")
	require.ErrorIs(t, err, task.ErrNotFound)

	c := &task.Context{TaskID: "task-1", CompletionSummary: "done"}
	c.AppendNote(task.ProgressNote{Timestamp: time.Now().UTC(), Text: "note"})
	require.NoError(t, s.Save(ctx, c))

	loaded, err := s.GetByTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "done", loaded.CompletionSummary)
	require.Len(t, loaded.ProgressNotes, 1)

	require.NoError(t, s.Delete(ctx, "task-1"))
	_, err = s.GetByTask(ctx, "task-1")
	require.ErrorIs(t, err, task.ErrNotFound)
}
