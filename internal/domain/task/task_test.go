package task

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusTodo, StatusInProgress, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusReview, StatusDone, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusDone, StatusInProgress, false},
		{StatusCancelled, StatusTodo, false},
		{StatusTodo, StatusTodo, false},
		{StatusTodo, Status("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Priority("bogus").Rank() != -1 {
		t.Errorf("unknown priority should rank -1")
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tk := &Task{UpdatedAt: now}
	tk.Touch(now.Add(-time.Hour))
	if !tk.UpdatedAt.Equal(now) {
		t.Errorf("Touch moved UpdatedAt backwards to %v", tk.UpdatedAt)
	}
	tk.Touch(now.Add(time.Hour))
	if !tk.UpdatedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Touch did not advance UpdatedAt")
	}
}

func TestAppendNoteAdvancesLastUpdated(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Context{TaskID: "task-1", LastUpdated: base}

	c.AppendNote(ProgressNote{Timestamp: base.Add(time.Minute), Text: "progress"})
	if !c.LastUpdated.Equal(base.Add(time.Minute)) {
		t.Errorf("LastUpdated = %v, want %v", c.LastUpdated, base.Add(time.Minute))
	}

	// Older notes never move the clock backwards.
	c.AppendNote(ProgressNote{Timestamp: base.Add(-time.Hour), Text: "late arrival"})
	if !c.LastUpdated.Equal(base.Add(time.Minute)) {
		t.Errorf("LastUpdated moved backwards to %v", c.LastUpdated)
	}
	if len(c.ProgressNotes) != 2 {
		t.Fatalf("notes = %d, want 2", len(c.ProgressNotes))
	}
}

func TestSnapshotValidate(t *testing.T) {
	pct := func(v float64) *float64 { return &v }
	cases := []struct {
		name    string
		snap    ProgressSnapshot
		wantErr bool
	}{
		{"valid", ProgressSnapshot{Type: ProgressImplementation, Description: "wired the parser", Percentage: pct(40)}, false},
		{"no percentage with notes", ProgressSnapshot{Type: ProgressGeneral, Description: "exploring", Metadata: SnapshotMetadata{Notes: "cannot estimate yet"}}, false},
		{"no percentage no notes", ProgressSnapshot{Type: ProgressGeneral, Description: "exploring"}, true},
		{"percentage too high", ProgressSnapshot{Type: ProgressTesting, Description: "x", Percentage: pct(140)}, true},
		{"percentage negative", ProgressSnapshot{Type: ProgressTesting, Description: "x", Percentage: pct(-1)}, true},
		{"unknown type", ProgressSnapshot{Type: "guessing", Description: "x", Percentage: pct(10)}, true},
		{"missing description", ProgressSnapshot{Type: ProgressDesign, Percentage: pct(10)}, true},
		{"confidence out of range", ProgressSnapshot{Type: ProgressDesign, Description: "x", Percentage: pct(10), Metadata: SnapshotMetadata{Confidence: 1.5}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.snap.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDefaultMilestones(t *testing.T) {
	ms := DefaultMilestones()
	thresholds := []int{25, 50, 75, 100}
	if len(ms) != len(thresholds) {
		t.Fatalf("milestones = %d, want %d", len(ms), len(thresholds))
	}
	for i, m := range ms {
		if m.Threshold != thresholds[i] {
			t.Errorf("milestone %d threshold = %d, want %d", i, m.Threshold, thresholds[i])
		}
		if m.FiredAt != nil {
			t.Errorf("milestone %q should start unfired", m.Name)
		}
	}
}
