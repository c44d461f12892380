// Package progress implements the progress aggregator: per-type
// accumulation, overall recomputation, milestone detection, and
// subtask-to-parent propagation.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"conductor/internal/domain/task"
	"conductor/internal/logging"
)

// Aggregator records snapshots and recomputes derived progress state.
// It performs no locking of its own; the orchestrator serialises access
// per task id before calling in.
type Aggregator struct {
	tasks    task.Repository
	contexts task.ContextRepository
	log      *logging.Logger
}

// NewAggregator wires an aggregator to its repositories.
func NewAggregator(tasks task.Repository, contexts task.ContextRepository, log *logging.Logger) *Aggregator {
	return &Aggregator{tasks: tasks, contexts: contexts, log: logging.OrNop(log).Component("progress")}
}

// Record validates a snapshot against the task's timeline and appends it.
// For every type except general, percentages must be non-decreasing unless
// the snapshot is flagged as a correction.
func (a *Aggregator) Record(ctx context.Context, snap *task.ProgressSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.Percentage != nil && snap.Type != task.ProgressGeneral && !snap.Metadata.Correction {
		existing, err := a.tasks.Snapshots(ctx, snap.TaskID)
		if err != nil {
			return err
		}
		if last, ok := lastPercentage(existing, snap.Type); ok && *snap.Percentage < last {
			return fmt.Errorf("progress for type %s would regress from %.0f%% to %.0f%%; mark the snapshot as a correction",
				snap.Type, last, *snap.Percentage)
		}
	}
	return a.tasks.AppendSnapshot(ctx, snap)
}

func lastPercentage(snaps []*task.ProgressSnapshot, typ task.ProgressType) (float64, bool) {
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Type == typ && snaps[i].Percentage != nil {
			return *snaps[i].Percentage, true
		}
	}
	return 0, false
}

// PerType returns the current percentage per type: the last recorded
// percentage-bearing snapshot of each type.
func PerType(snaps []*task.ProgressSnapshot) map[task.ProgressType]float64 {
	current := make(map[task.ProgressType]float64)
	for _, snap := range snaps {
		if snap.Percentage != nil {
			current[snap.Type] = *snap.Percentage
		}
	}
	return current
}

// LeafOverall computes overall progress for a task without subtasks. A
// general report wins outright; otherwise the result is the weighted mean
// over types that have any snapshot, with equal weights when the caller
// supplies none.
func LeafOverall(snaps []*task.ProgressSnapshot, weights map[task.ProgressType]float64) (int, bool) {
	if general, ok := lastPercentage(snaps, task.ProgressGeneral); ok {
		return clampRound(general), true
	}
	current := PerType(snaps)
	delete(current, task.ProgressGeneral)
	if len(current) == 0 {
		return 0, false
	}

	var weighted, totalWeight float64
	for typ, pct := range current {
		w := 1.0
		if weights != nil {
			if custom, ok := weights[typ]; ok && custom > 0 {
				w = custom
			}
		}
		weighted += pct * w
		totalWeight += w
	}
	return clampRound(weighted / totalWeight), true
}

// ParentOverall computes a parent's overall progress from its subtasks:
// a done subtask counts 100, an in-progress subtask with no reported
// percentage counts 50, everything else contributes its own overall.
func ParentOverall(children []*task.Task) int {
	if len(children) == 0 {
		return 0
	}
	var sum float64
	for _, child := range children {
		sum += childContribution(child)
	}
	return clampRound(sum / float64(len(children)))
}

func childContribution(child *task.Task) float64 {
	switch {
	case child.Status == task.StatusDone:
		return 100
	case child.Status == task.StatusInProgress && !child.ProgressKnown:
		return 50
	default:
		return float64(child.OverallProgress)
	}
}

// clampRound clamps to [0,100] with half-to-even rounding.
func clampRound(v float64) int {
	rounded := int(math.RoundToEven(v))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// ApplyMilestones updates milestone firing state for the task's current
// overall progress and returns the milestones that fired on this call.
// A milestone re-arms when progress drops back under its threshold; no
// retraction is reported.
func ApplyMilestones(t *task.Task, now time.Time) []task.Milestone {
	var fired []task.Milestone
	for i := range t.Milestones {
		m := &t.Milestones[i]
		switch {
		case t.OverallProgress >= m.Threshold && m.FiredAt == nil:
			at := now
			m.FiredAt = &at
			fired = append(fired, *m)
		case t.OverallProgress < m.Threshold && m.FiredAt != nil:
			m.FiredAt = nil
		}
	}
	return fired
}

// PropagationNote formats the automatic context note written to a parent
// when one of its subtasks reports progress. This is the only implicit
// write to a parent's context.
func PropagationNote(sub *task.Task, note string) string {
	label := sub.Title
	if label == "" {
		label = sub.ID
	}
	text := fmt.Sprintf("Subtask %s: %d%%", label, sub.OverallProgress)
	if note != "" {
		text += " — " + note
	}
	return text
}

// Propagate recomputes a parent's overall progress after a subtask change,
// appends the automatic context note, and persists both. It returns the
// parent's new overall value and the milestones that fired.
//
// The caller holds the parent's per-task serialisation and owns event
// emission; canonical lock ordering (parent before subtask) avoids
// deadlocks when both must be held.
func (a *Aggregator) Propagate(ctx context.Context, parent, sub *task.Task, note string, now time.Time) (int, []task.Milestone, error) {
	children, err := a.tasks.FindChildren(ctx, parent.ID)
	if err != nil {
		return 0, nil, err
	}
	parent.OverallProgress = ParentOverall(children)
	parent.ProgressKnown = true
	fired := ApplyMilestones(parent, now)
	parent.Touch(now)
	if err := a.tasks.Save(ctx, parent); err != nil {
		return 0, nil, err
	}

	parentCtx, err := a.contexts.GetByTask(ctx, parent.ID)
	if err != nil {
		if err != task.ErrNotFound {
			return 0, nil, err
		}
		parentCtx = &task.Context{TaskID: parent.ID}
	}
	parentCtx.AppendNote(task.ProgressNote{
		Timestamp: now,
		AgentID:   sub.Assignee,
		Text:      PropagationNote(sub, note),
	})
	if err := a.contexts.Save(ctx, parentCtx); err != nil {
		return 0, nil, err
	}

	a.log.Debug("propagated subtask progress", "parent", parent.ID, "subtask", sub.ID, "overall", parent.OverallProgress)
	return parent.OverallProgress, fired, nil
}
