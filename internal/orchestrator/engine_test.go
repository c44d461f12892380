package orchestrator

import (
	"context"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/domain/agent"
	"conductor/internal/domain/hint"
	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
	"conductor/internal/fault"
	"conductor/internal/store/memstore"
)

type testDeps struct {
	tasks    *memstore.TaskStore
	contexts *memstore.ContextStore
	visions  *memstore.VisionStore
	agents   *memstore.AgentStore
	hints    *memstore.HintStore
}

func newTestEngine(t *testing.T) (*Engine, testDeps) {
	t.Helper()
	d := testDeps{
		tasks:    memstore.NewTaskStore(),
		contexts: memstore.NewContextStore(),
		visions:  memstore.NewVisionStore(),
		agents:   memstore.NewAgentStore(),
		hints:    memstore.NewHintStore(),
	}
	cfg := config.Default()
	e := NewEngine(cfg, Deps{
		Tasks:    d.tasks,
		Contexts: d.contexts,
		Visions:  d.visions,
		Agents:   d.agents,
		Hints:    d.hints,
	})
	return e, d
}

func mustCreate(t *testing.T, e *Engine, p TaskParams) *task.Task {
	t.Helper()
	p.Action = "create"
	resp := e.ManageTask(context.Background(), p)
	if !resp.Success {
		t.Fatalf("create %q failed: %+v", p.Title, resp.Error)
	}
	created, ok := resp.Data["task"].(*task.Task)
	if !ok {
		t.Fatalf("create response carries no task: %v", resp.Data)
	}
	return created
}

func seedTestAgent(t *testing.T, d testDeps, id string) {
	t.Helper()
	err := d.agents.Save(context.Background(), &agent.Agent{ID: id, Status: agent.StatusAvailable})
	if err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
}

func TestCompleteWithoutSummaryThenRetry(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Ship the importer"})

	resp := e.ManageTask(ctx, TaskParams{Action: "complete", TaskID: created.ID})
	if resp.Success {
		t.Fatalf("completion without a summary succeeded")
	}
	if resp.Error.Code != fault.CodeMissingCompletionSummary {
		t.Fatalf("error code = %s", resp.Error.Code)
	}
	// The corrective action arrives with the error, ready to paste.
	g := resp.WorkflowGuidance
	if g == nil || len(g.NextActions) == 0 {
		t.Fatalf("no corrective guidance on failure")
	}
	first := g.NextActions[0]
	if first.Tool != "manage_task" || first.Params["task_id"] != created.ID {
		t.Errorf("corrective action = %+v", first)
	}
	if _, ok := first.Params["completion_summary"]; !ok {
		t.Errorf("corrective action lacks a completion_summary placeholder")
	}

	// Retrying with the summary succeeds and stores the context write.
	resp = e.ManageTask(ctx, TaskParams{
		Action:            "complete",
		TaskID:            created.ID,
		CompletionSummary: "Imported the legacy records and verified the row counts",
		TestingNotes:      "ran the migration suite",
	})
	if !resp.Success {
		t.Fatalf("retry failed: %+v", resp.Error)
	}
	done := resp.Data["task"].(*task.Task)
	if done.Status != task.StatusDone || done.OverallProgress != 100 {
		t.Errorf("task after completion = %+v", done)
	}

	getResp := e.ManageTask(ctx, TaskParams{Action: "get", TaskID: created.ID})
	c, ok := getResp.Data["context"].(*task.Context)
	if !ok {
		t.Fatalf("no context on get: %v", getResp.Data)
	}
	if c.CompletionSummary == "" || c.TestingNotes != "ran the migration suite" {
		t.Errorf("context = %+v", c)
	}
}

func TestUpdateCannotBypassCompletionGate(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Harden the gate"})

	resp := e.ManageTask(ctx, TaskParams{Action: "update", TaskID: created.ID, Status: "done"})
	if resp.Success || resp.Error.Code != fault.CodeMissingCompletionSummary {
		t.Fatalf("update to done: success=%v code=%v", resp.Success, resp.Error)
	}
}

func TestTerminalTasksRejectTransitions(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "One way door"})

	if resp := e.ManageTask(ctx, TaskParams{Action: "update", TaskID: created.ID, Status: "cancelled"}); !resp.Success {
		t.Fatalf("cancel failed: %+v", resp.Error)
	}
	resp := e.ManageTask(ctx, TaskParams{Action: "update", TaskID: created.ID, Status: "in_progress"})
	if resp.Success || resp.Error.Code != fault.CodeInvalidStateTransition {
		t.Fatalf("reopening cancelled task: success=%v code=%v", resp.Success, resp.Error)
	}
	// Completing a cancelled task is equally final.
	resp = e.ManageTask(ctx, TaskParams{Action: "complete", TaskID: created.ID, CompletionSummary: "late"})
	if resp.Success || resp.Error.Code != fault.CodeInvalidStateTransition {
		t.Fatalf("completing cancelled task: success=%v code=%v", resp.Success, resp.Error)
	}
}

func TestParentCompletionGateListsOpenSubtasks(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	parent := mustCreate(t, e, TaskParams{Title: "Parent epic"})
	subA := mustCreate(t, e, TaskParams{Title: "Design", ParentID: parent.ID})
	subB := mustCreate(t, e, TaskParams{Title: "Implement", ParentID: parent.ID})

	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parent.ID, SubtaskID: subA.ID,
		CompletionSummary: "Design agreed in review"}); !resp.Success {
		t.Fatalf("complete subA: %+v", resp.Error)
	}

	resp := e.ManageTask(ctx, TaskParams{Action: "complete", TaskID: parent.ID, CompletionSummary: "all done"})
	if resp.Success || resp.Error.Code != fault.CodeIncompleteSubtasks {
		t.Fatalf("parent completion: success=%v code=%v", resp.Success, resp.Error)
	}
	if len(resp.Error.Subjects) != 1 || resp.Error.Subjects[0] != subB.ID {
		t.Errorf("subjects = %v, want the open subtask id", resp.Error.Subjects)
	}
	g := resp.WorkflowGuidance
	if len(g.NextActions) == 0 || g.NextActions[0].Tool != "complete_subtask_with_update" {
		t.Fatalf("corrective actions = %+v", g.NextActions)
	}
	if g.NextActions[0].Params["subtask_id"] != subB.ID {
		t.Errorf("corrective action targets %v", g.NextActions[0].Params)
	}

	// Finish the last subtask; the parent then completes.
	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parent.ID, SubtaskID: subB.ID,
		CompletionSummary: "Implemented and tested"}); !resp.Success {
		t.Fatalf("complete subB: %+v", resp.Error)
	}
	if resp := e.ManageTask(ctx, TaskParams{Action: "complete", TaskID: parent.ID,
		CompletionSummary: "Epic delivered"}); !resp.Success {
		t.Fatalf("parent completion after subtasks: %+v", resp.Error)
	}
}

func TestSubtaskProgressPropagatesToParent(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	parent := mustCreate(t, e, TaskParams{Title: "Aggregate me"})
	subA := mustCreate(t, e, TaskParams{Title: "Half one", ParentID: parent.ID})
	subB := mustCreate(t, e, TaskParams{Title: "Half two", ParentID: parent.ID})

	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parent.ID, SubtaskID: subA.ID,
		CompletionSummary: "first half shipped"}); !resp.Success {
		t.Fatalf("complete subA: %+v", resp.Error)
	}

	pct := 60.0
	resp := e.ReportProgress(ctx, ProgressParams{
		TaskID:       subB.ID,
		ProgressType: "implementation",
		Percentage:   &pct,
		Description:  "second half underway",
	})
	if !resp.Success {
		t.Fatalf("ReportProgress: %+v", resp.Error)
	}

	// (100 + 60) / 2 = 80.
	parentNow, ok := resp.Data["parent"].(*task.Task)
	if !ok {
		t.Fatalf("no parent in response data: %v", resp.Data)
	}
	if parentNow.OverallProgress != 80 {
		t.Errorf("parent overall = %d, want 80", parentNow.OverallProgress)
	}

	// The aggregation handler wrote the automatic note to the parent.
	pc, err := d.contexts.GetByTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("parent context: %v", err)
	}
	var sawNote bool
	for _, note := range pc.ProgressNotes {
		if note.Text == "Subtask Half two: 60% — second half underway" {
			sawNote = true
		}
	}
	if !sawNote {
		t.Errorf("parent notes = %+v", pc.ProgressNotes)
	}

	// Milestones 25/50/75 fired on the parent during propagation.
	stored, err := d.tasks.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	for _, m := range stored.Milestones {
		fired := m.FiredAt != nil
		if m.Threshold <= 75 && !fired {
			t.Errorf("milestone %q (%d) not fired at 80%%", m.Name, m.Threshold)
		}
		if m.Threshold == 100 && fired {
			t.Errorf("milestone %q fired early", m.Name)
		}
	}
}

func TestReportProgressAutoStartsAndRecordsMilestones(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Self starter"})

	pct := 55.0
	resp := e.ReportProgress(ctx, ProgressParams{
		TaskID:       created.ID,
		ProgressType: "general",
		Percentage:   &pct,
		Description:  "halfway there",
	})
	if !resp.Success {
		t.Fatalf("ReportProgress: %+v", resp.Error)
	}
	updated := resp.Data["task"].(*task.Task)
	if updated.Status != task.StatusInProgress {
		t.Errorf("status = %s, want auto-start to in_progress", updated.Status)
	}
	if updated.OverallProgress != 55 || !updated.ProgressKnown {
		t.Errorf("overall = %d known=%v", updated.OverallProgress, updated.ProgressKnown)
	}
	reached, ok := resp.Data["milestones_reached"].([]string)
	if !ok || len(reached) != 2 {
		t.Errorf("milestones_reached = %v, want quarter and half", resp.Data["milestones_reached"])
	}
}

func TestReportProgressRegressionNeedsCorrection(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "No silent rollback"})

	report := func(pct float64, correction bool) *Response {
		return e.ReportProgress(ctx, ProgressParams{
			TaskID:       created.ID,
			ProgressType: "implementation",
			Percentage:   &pct,
			Description:  "checkpoint",
			Correction:   correction,
		})
	}
	if resp := report(70, false); !resp.Success {
		t.Fatalf("first report: %+v", resp.Error)
	}
	resp := report(40, false)
	if resp.Success || resp.Error.Code != fault.CodeInvalidParameters {
		t.Fatalf("regression: success=%v code=%v", resp.Success, resp.Error)
	}
	if resp := report(40, true); !resp.Success {
		t.Fatalf("correction rejected: %+v", resp.Error)
	}
}

func TestQuickUpdateAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Ergonomics"})

	// No percentage: accepted, with the explanatory metadata filled in.
	resp := e.QuickTaskUpdate(ctx, QuickUpdateParams{
		TaskID:    created.ID,
		WhatIDid:  "spiked two approaches to the sync engine",
		NextSteps: []string{"pick an approach", "write the ADR"},
	})
	if !resp.Success {
		t.Fatalf("QuickTaskUpdate: %+v", resp.Error)
	}
	c, err := d.contexts.GetByTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(c.NextRecommendations) != 2 {
		t.Errorf("next recommendations = %v", c.NextRecommendations)
	}

	before, _ := d.tasks.Get(ctx, created.ID)
	cp := e.CheckpointWork(ctx, CheckpointParams{
		TaskID:       created.ID,
		CurrentState: "sync engine spike branch pushed",
		Blockers:     []string{"waiting on schema review"},
		NextSteps:    []string{"rebase after review"},
	})
	if !cp.Success {
		t.Fatalf("CheckpointWork: %+v", cp.Error)
	}
	after, _ := d.tasks.Get(ctx, created.ID)
	if after.Status != before.Status || after.OverallProgress != before.OverallProgress {
		t.Errorf("checkpoint changed the task: %+v -> %+v", before, after)
	}
	c, _ = d.contexts.GetByTask(ctx, created.ID)
	last := c.ProgressNotes[len(c.ProgressNotes)-1]
	if last.Text != "Checkpoint: sync engine spike branch pushed (blocked on: waiting on schema review)" {
		t.Errorf("checkpoint note = %q", last.Text)
	}
}

func TestStaleContextGuidance(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Left to rot"})
	if resp := e.ManageTask(ctx, TaskParams{Action: "update", TaskID: created.ID, Status: "in_progress"}); !resp.Success {
		t.Fatalf("start: %+v", resp.Error)
	}

	// Backdate the context past the staleness threshold.
	old := &task.Context{TaskID: created.ID, LastUpdated: time.Now().UTC().Add(-2 * time.Hour)}
	if err := d.contexts.Save(ctx, old); err != nil {
		t.Fatalf("backdate context: %v", err)
	}

	resp := e.ManageTask(ctx, TaskParams{Action: "get", TaskID: created.ID})
	if !resp.Success {
		t.Fatalf("get: %+v", resp.Error)
	}
	g := resp.WorkflowGuidance
	if len(g.Warnings) == 0 {
		t.Fatalf("no staleness warning: %+v", g)
	}
	if len(g.NextActions) == 0 || g.NextActions[0].Tool != "quick_task_update" {
		t.Errorf("stale guidance should lead with quick_task_update: %+v", g.NextActions)
	}
}

func TestAssignmentConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	seedTestAgent(t, d, "agent-a")
	seedTestAgent(t, d, "agent-b")
	created := mustCreate(t, e, TaskParams{Title: "Contested"})

	if resp := e.AssignAgent(ctx, AssignParams{TaskID: created.ID, AgentID: "agent-a", AssignedBy: "planner"}); !resp.Success {
		t.Fatalf("first assign: %+v", resp.Error)
	}

	// A different writer replacing a live assignment records a conflict;
	// the later writer holds the task meanwhile.
	resp := e.AssignAgent(ctx, AssignParams{TaskID: created.ID, AgentID: "agent-b", AssignedBy: "reviewer"})
	if !resp.Success {
		t.Fatalf("second assign: %+v", resp.Error)
	}
	conflict, ok := resp.Data["conflict"].(*agent.Conflict)
	if !ok {
		t.Fatalf("no conflict recorded: %v", resp.Data)
	}
	tk, _ := d.tasks.Get(ctx, created.ID)
	if tk.Assignee != "agent-b" {
		t.Errorf("assignee = %s, want the later writer", tk.Assignee)
	}

	// Open conflicts surface in guidance until resolved.
	warn := e.ManageTask(ctx, TaskParams{Action: "get", TaskID: created.ID}).WorkflowGuidance
	var sawConflictWarning bool
	for _, w := range warn.Warnings {
		if w != "" {
			sawConflictWarning = true
		}
	}
	if !sawConflictWarning {
		t.Errorf("guidance carries no conflict warning: %+v", warn)
	}

	res := e.ResolveConflict(ctx, ConflictParams{ConflictID: conflict.ID, Strategy: "first_writer_wins", ResolvedBy: "lead"})
	if !res.Success {
		t.Fatalf("ResolveConflict: %+v", res.Error)
	}
	resolved := res.Data["conflict"].(*agent.Conflict)
	if !resolved.Resolved {
		t.Errorf("conflict still open: %+v", resolved)
	}
	tk, _ = d.tasks.Get(ctx, created.ID)
	if tk.Assignee != "agent-a" {
		t.Errorf("assignee after first_writer_wins = %s", tk.Assignee)
	}
}

func TestHandoffToolFlow(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	seedTestAgent(t, d, "agent-a")
	seedTestAgent(t, d, "agent-b")
	created := mustCreate(t, e, TaskParams{Title: "Pass the baton"})
	if resp := e.AssignAgent(ctx, AssignParams{TaskID: created.ID, AgentID: "agent-a"}); !resp.Success {
		t.Fatalf("assign: %+v", resp.Error)
	}

	req := e.RequestHandoff(ctx, HandoffParams{
		TaskID:      created.ID,
		FromAgentID: "agent-a",
		ToAgentID:   "agent-b",
		WorkSummary: "auth flow done, payments remain",
	})
	if !req.Success {
		t.Fatalf("RequestHandoff: %+v", req.Error)
	}
	h := req.Data["handoff"].(*agent.Handoff)

	acc := e.AcceptHandoff(ctx, HandoffParams{HandoffID: h.ID})
	if !acc.Success {
		t.Fatalf("AcceptHandoff: %+v", acc.Error)
	}
	tk, _ := d.tasks.Get(ctx, created.ID)
	if tk.Assignee != "agent-b" {
		t.Errorf("assignee after accept = %s", tk.Assignee)
	}

	// Accepting twice is an invalid handoff state.
	again := e.AcceptHandoff(ctx, HandoffParams{HandoffID: h.ID})
	if again.Success || again.Error.Code != fault.CodeInvalidHandoffState {
		t.Fatalf("double accept: success=%v code=%v", again.Success, again.Error)
	}

	done := e.CompleteHandoff(ctx, HandoffParams{HandoffID: h.ID})
	if !done.Success {
		t.Fatalf("CompleteHandoff: %+v", done.Error)
	}
	c, err := d.contexts.GetByTask(ctx, created.ID)
	if err != nil || len(c.ProgressNotes) == 0 {
		t.Fatalf("no handoff note on context: %v", err)
	}
}

func TestRejectHandoffAnnotatesContext(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	seedTestAgent(t, d, "agent-a")
	seedTestAgent(t, d, "agent-b")
	created := mustCreate(t, e, TaskParams{Title: "Declined"})

	req := e.RequestHandoff(ctx, HandoffParams{
		TaskID:      created.ID,
		FromAgentID: "agent-a",
		ToAgentID:   "agent-b",
		WorkSummary: "summary",
	})
	if !req.Success {
		t.Fatalf("RequestHandoff: %+v", req.Error)
	}
	h := req.Data["handoff"].(*agent.Handoff)

	rej := e.RejectHandoff(ctx, HandoffParams{HandoffID: h.ID, Reason: "wrong expertise"})
	if !rej.Success {
		t.Fatalf("RejectHandoff: %+v", rej.Error)
	}
	c, err := d.contexts.GetByTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	last := c.ProgressNotes[len(c.ProgressNotes)-1]
	if last.Text != "Handoff to agent-b rejected: wrong expertise" {
		t.Errorf("rejection note = %q", last.Text)
	}
}

func TestVisionAlignmentTool(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	for _, o := range []*vision.Objective{
		{ID: "org", Level: vision.LevelOrganization, Title: "Grow the platform", Status: vision.ObjectiveActive},
		{ID: "proj-search", Level: vision.LevelProject, ParentID: "org", Title: "Faster search experience", Status: vision.ObjectiveActive,
			Metrics: []vision.Metric{{Name: "p99 search latency", Current: 800, Target: 200, Unit: "ms"}}},
	} {
		if err := d.visions.SaveObjective(ctx, o); err != nil {
			t.Fatalf("seed objective: %v", err)
		}
	}
	created := mustCreate(t, e, TaskParams{Title: "Cut search latency with a hot cache", Priority: "high"})

	resp := e.GetVisionAlignment(ctx, VisionParams{TaskID: created.ID})
	if !resp.Success {
		t.Fatalf("GetVisionAlignment: %+v", resp.Error)
	}
	rows, ok := resp.Data["alignments"].([]vision.Alignment)
	if !ok || len(rows) == 0 {
		t.Fatalf("alignments = %v", resp.Data["alignments"])
	}
	objectives, ok := resp.Data["objectives"].(map[string]*vision.Objective)
	if !ok {
		t.Fatalf("objectives = %v", resp.Data["objectives"])
	}
	for _, row := range rows {
		if _, ok := objectives[row.ObjectiveID]; !ok {
			t.Errorf("objective %s not expanded", row.ObjectiveID)
		}
	}

	// Unknown task.
	missing := e.GetVisionAlignment(ctx, VisionParams{TaskID: "ghost"})
	if missing.Success || missing.Error.Code != fault.CodeNotFound {
		t.Fatalf("missing task: success=%v code=%v", missing.Success, missing.Error)
	}
}

func TestWorkflowHintsAndFeedback(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	created := mustCreate(t, e, TaskParams{Title: "Hint me"})

	resp := e.GetWorkflowHints(ctx, HintParams{TaskID: created.ID})
	if !resp.Success {
		t.Fatalf("GetWorkflowHints: %+v", resp.Error)
	}
	served, ok := resp.Data["hints"].([]*hint.Hint)
	if !ok || len(served) == 0 {
		t.Fatalf("hints = %v", resp.Data["hints"])
	}

	// Served hints are persisted; feedback on one of them round-trips.
	fb := e.ProvideHintFeedback(ctx, FeedbackParams{HintID: served[0].ID, TaskID: created.ID, WasHelpful: true,
		Comment: "pointed at the right tool"})
	if !fb.Success {
		t.Fatalf("ProvideHintFeedback: %+v", fb.Error)
	}
	stored, err := d.hints.Get(ctx, served[0].ID)
	if err != nil {
		t.Fatalf("served hint not stored: %v", err)
	}
	if stored.TaskID != created.ID {
		t.Errorf("stored hint = %+v", stored)
	}

	// Feedback on an unknown hint id is NOT_FOUND.
	ghost := e.ProvideHintFeedback(ctx, FeedbackParams{HintID: "ghost", TaskID: created.ID, WasHelpful: true})
	if ghost.Success || ghost.Error.Code != fault.CodeNotFound {
		t.Fatalf("feedback on ghost: success=%v code=%v", ghost.Success, ghost.Error)
	}

	// Unknown hint types are rejected.
	bad := e.GetWorkflowHints(ctx, HintParams{TaskID: created.ID, HintTypes: []string{"astrology"}})
	if bad.Success || bad.Error.Code != fault.CodeInvalidParameters {
		t.Fatalf("bad hint type: success=%v code=%v", bad.Success, bad.Error)
	}
}

func TestNextTaskPicksByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustCreate(t, e, TaskParams{Title: "old low", Priority: "low", BranchID: "b"})
	urgent := mustCreate(t, e, TaskParams{Title: "urgent", Priority: "urgent", BranchID: "b"})
	mustCreate(t, e, TaskParams{Title: "medium", Priority: "medium", BranchID: "b"})

	resp := e.ManageTask(ctx, TaskParams{Action: "next", BranchID: "b"})
	if !resp.Success {
		t.Fatalf("next: %+v", resp.Error)
	}
	best := resp.Data["task"].(*task.Task)
	if best.ID != urgent.ID {
		t.Errorf("next = %s, want the urgent task", best.Title)
	}
}

func TestDeleteCascadesToSubtasks(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	parent := mustCreate(t, e, TaskParams{Title: "Doomed"})
	sub := mustCreate(t, e, TaskParams{Title: "Goes with it", ParentID: parent.ID})

	resp := e.ManageTask(ctx, TaskParams{Action: "delete", TaskID: parent.ID})
	if !resp.Success {
		t.Fatalf("delete: %+v", resp.Error)
	}
	deleted := resp.Data["deleted"].([]string)
	if len(deleted) != 2 {
		t.Errorf("deleted = %v, want parent and subtask", deleted)
	}
	if _, err := d.tasks.Get(ctx, sub.ID); err == nil {
		t.Errorf("subtask survived parent deletion")
	}
	if _, err := d.contexts.GetByTask(ctx, parent.ID); err == nil {
		t.Errorf("context survived deletion")
	}
}

func TestSubtaskParentageEnforced(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	parentA := mustCreate(t, e, TaskParams{Title: "A"})
	parentB := mustCreate(t, e, TaskParams{Title: "B"})
	sub := mustCreate(t, e, TaskParams{Title: "child of A", ParentID: parentA.ID})

	resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parentB.ID, SubtaskID: sub.ID,
		CompletionSummary: "done"})
	if resp.Success || resp.Error.Code != fault.CodeInvalidParameters {
		t.Fatalf("cross-parent complete: success=%v code=%v", resp.Success, resp.Error)
	}
}

func TestAddingSubtaskRecomputesCompletedParent(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	parent := mustCreate(t, e, TaskParams{Title: "Rolling epic"})
	subA := mustCreate(t, e, TaskParams{Title: "First slice", ParentID: parent.ID})

	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parent.ID, SubtaskID: subA.ID,
		CompletionSummary: "first slice shipped"}); !resp.Success {
		t.Fatalf("complete subA: %+v", resp.Error)
	}
	atFull, err := d.tasks.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if atFull.OverallProgress != 100 {
		t.Fatalf("parent overall = %d, want 100 with the only child done", atFull.OverallProgress)
	}

	// A new open subtask dilutes the aggregate immediately: (100 + 0) / 2.
	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "create", TaskID: parent.ID, Title: "Second slice"}); !resp.Success {
		t.Fatalf("create subB: %+v", resp.Error)
	}
	diluted, err := d.tasks.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if diluted.OverallProgress != 50 {
		t.Errorf("parent overall after adding open subtask = %d, want 50", diluted.OverallProgress)
	}
	for _, m := range diluted.Milestones {
		fired := m.FiredAt != nil
		if m.Threshold <= 50 && !fired {
			t.Errorf("milestone %q (%d) lost its firing at 50%%", m.Name, m.Threshold)
		}
		if m.Threshold > 50 && fired {
			t.Errorf("milestone %q (%d) did not re-arm after the drop", m.Name, m.Threshold)
		}
	}
}

func TestDeletingLastSubtaskRevertsParentToOwnTimeline(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	parent := mustCreate(t, e, TaskParams{Title: "Shrinking epic"})
	sub := mustCreate(t, e, TaskParams{Title: "Only child", ParentID: parent.ID})

	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "complete", TaskID: parent.ID, SubtaskID: sub.ID,
		CompletionSummary: "done and dusted"}); !resp.Success {
		t.Fatalf("complete sub: %+v", resp.Error)
	}
	if resp := e.ManageSubtask(ctx, SubtaskParams{Action: "delete", TaskID: parent.ID, SubtaskID: sub.ID}); !resp.Success {
		t.Fatalf("delete sub: %+v", resp.Error)
	}

	// No children and no snapshots of its own: the aggregate is gone, not
	// frozen at 100.
	reverted, err := d.tasks.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if reverted.OverallProgress != 0 || reverted.ProgressKnown {
		t.Errorf("parent after last subtask removal = overall %d known %v, want 0 and unknown",
			reverted.OverallProgress, reverted.ProgressKnown)
	}
}

func TestMergeResolutionUnionsResponsibilities(t *testing.T) {
	ctx := context.Background()
	e, d := newTestEngine(t)
	seedTestAgent(t, d, "agent-a")
	seedTestAgent(t, d, "agent-b")
	created := mustCreate(t, e, TaskParams{Title: "Contested ownership"})

	if resp := e.AssignAgent(ctx, AssignParams{TaskID: created.ID, AgentID: "agent-a",
		Responsibilities: []string{"api"}, AssignedBy: "planner"}); !resp.Success {
		t.Fatalf("first assign: %+v", resp.Error)
	}
	resp := e.AssignAgent(ctx, AssignParams{TaskID: created.ID, AgentID: "agent-b",
		Responsibilities: []string{"db"}, AssignedBy: "reviewer"})
	if !resp.Success {
		t.Fatalf("second assign: %+v", resp.Error)
	}
	conflict, ok := resp.Data["conflict"].(*agent.Conflict)
	if !ok {
		t.Fatalf("replacement by another writer recorded no conflict: %v", resp.Data)
	}

	if rr := e.ResolveConflict(ctx, ConflictParams{ConflictID: conflict.ID, Strategy: "merge",
		ResolvedBy: "lead"}); !rr.Success {
		t.Fatalf("resolve merge: %+v", rr.Error)
	}

	asg, err := d.agents.GetAssignment(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	// The first writer's list was overwritten at replacement time; merge
	// must recover it from the conflict record.
	if asg.AgentID != "agent-a" {
		t.Errorf("merge settled on %s, want the first writer", asg.AgentID)
	}
	if len(asg.Responsibilities) != 2 || asg.Responsibilities[0] != "api" || asg.Responsibilities[1] != "db" {
		t.Errorf("merged responsibilities = %v, want [api db]", asg.Responsibilities)
	}
	settled, err := d.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if settled.Assignee != "agent-a" {
		t.Errorf("task assignee = %s after merge", settled.Assignee)
	}
}

// contendedTaskStore fails every versioned write, as if another writer
// always slips in between read and persist.
type contendedTaskStore struct {
	task.Repository
}

func (s contendedTaskStore) UpdateWithVersion(ctx context.Context, t *task.Task, expected int64) error {
	return task.ErrVersionConflict
}

func TestConcurrentModificationAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	tasks := memstore.NewTaskStore()
	e := NewEngine(config.Default(), Deps{
		Tasks:    contendedTaskStore{tasks},
		Contexts: memstore.NewContextStore(),
		Visions:  memstore.NewVisionStore(),
		Agents:   memstore.NewAgentStore(),
		Hints:    memstore.NewHintStore(),
	})
	if err := tasks.Create(ctx, &task.Task{ID: "task-1", Title: "contended", Status: task.StatusTodo}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	resp := e.ManageTask(ctx, TaskParams{Action: "update", TaskID: "task-1", Title: "renamed"})
	if resp.Success {
		t.Fatalf("update succeeded against a store that never accepts writes")
	}
	if resp.Error.Code != fault.CodeConcurrentModification {
		t.Fatalf("error code = %s, want CONCURRENT_MODIFICATION", resp.Error.Code)
	}
	if len(resp.Error.Subjects) != 1 || resp.Error.Subjects[0] != "task-1" {
		t.Errorf("subjects = %v, want the contended task id", resp.Error.Subjects)
	}
}
