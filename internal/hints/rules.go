package hints

import (
	"fmt"
	"strings"

	"conductor/internal/domain/hint"
	"conductor/internal/domain/task"
	"conductor/internal/fault"
)

// ruleOutput is what a single rule contributes to the guidance.
type ruleOutput struct {
	rules    []string
	actions  []NextAction
	hints    []string
	warnings []string
	examples map[string]string
}

// rule is one deterministic guidance rule. Priority orders the merged
// next_actions; within equal priority, insertion order wins.
type rule struct {
	name     string
	priority hint.Priority
	hintType hint.Type
	eval     func(s *State) *ruleOutput
}

// ruleSet is the fixed, ordered rule list. Order is part of the contract:
// it decides insertion order for equal-priority outputs.
var ruleSet = []rule{
	{name: "COMPLETION_BLOCKED_NO_SUMMARY", priority: hint.PriorityCritical, hintType: hint.TypeCompletion, eval: ruleCompletionNoSummary},
	{name: "COMPLETION_BLOCKED_SUBTASKS", priority: hint.PriorityCritical, hintType: hint.TypeCompletion, eval: ruleCompletionOpenSubtasks},
	{name: "STALE", priority: hint.PriorityCritical, hintType: hint.TypeNextAction, eval: ruleStale},
	{name: "UNRESOLVED_CONFLICT", priority: hint.PriorityHigh, hintType: hint.TypeCollaboration, eval: ruleUnresolvedConflict},
	{name: "BLOCKED", priority: hint.PriorityHigh, hintType: hint.TypeBlockerResolution, eval: ruleBlocked},
	{name: "NOT_STARTED", priority: hint.PriorityMedium, hintType: hint.TypeNextAction, eval: ruleNotStarted},
	{name: "NEAR_COMPLETION", priority: hint.PriorityMedium, hintType: hint.TypeCompletion, eval: ruleNearCompletion},
	{name: "NO_CONTEXT", priority: hint.PriorityMedium, hintType: hint.TypeNextAction, eval: ruleNoContext},
	{name: "UNASSIGNED", priority: hint.PriorityLow, hintType: hint.TypeCollaboration, eval: ruleUnassigned},
	{name: "HIGH_STRATEGIC_IMPORTANCE", priority: hint.PriorityLow, hintType: hint.TypeOptimization, eval: ruleHighStrategicImportance},
}

func ruleCompletionNoSummary(s *State) *ruleOutput {
	if s.Failure == nil || s.Failure.Code != fault.CodeMissingCompletionSummary || s.Task == nil {
		return nil
	}
	return &ruleOutput{
		rules: []string{"completion requires a non-empty completion_summary"},
		actions: []NextAction{{
			Priority: string(hint.PriorityCritical),
			Action:   "retry completion with a summary of what was accomplished",
			Tool:     "manage_task",
			Params: map[string]any{
				"action":             "complete",
				"task_id":            s.Task.ID,
				"completion_summary": "<describe what was done, how it was tested, and any follow-ups>",
			},
			Reason: "the task cannot be marked done without a completion summary",
		}},
		examples: map[string]string{
			"complete_with_summary": fmt.Sprintf(`manage_task(action="complete", task_id=%q, completion_summary="Implemented X, verified with Y")`, s.Task.ID),
		},
	}
}

func ruleCompletionOpenSubtasks(s *State) *ruleOutput {
	if s.Failure == nil || s.Failure.Code != fault.CodeIncompleteSubtasks || s.Task == nil {
		return nil
	}
	open := s.openChildren()
	if len(open) == 0 {
		return nil
	}
	out := &ruleOutput{
		rules: []string{"a parent task completes only after every subtask is done"},
	}
	ids := make([]string, 0, len(open))
	for _, child := range open {
		ids = append(ids, child.ID)
		out.actions = append(out.actions, NextAction{
			Priority: string(hint.PriorityCritical),
			Action:   fmt.Sprintf("complete subtask %q", child.Title),
			Tool:     "complete_subtask_with_update",
			Params: map[string]any{
				"task_id":            s.Task.ID,
				"subtask_id":         child.ID,
				"completion_summary": "<what was done on this subtask>",
			},
			Reason: fmt.Sprintf("subtask %s is %s", child.ID, child.Status),
		})
	}
	out.warnings = append(out.warnings, fmt.Sprintf("open subtasks: %s", strings.Join(ids, ", ")))
	return out
}

func ruleStale(s *State) *ruleOutput {
	if !s.stale() {
		return nil
	}
	age := "unknown"
	if d, ok := s.sinceUpdate(); ok {
		age = d.Truncate(timeTruncation).String()
	}
	return &ruleOutput{
		rules: []string{fmt.Sprintf("in-progress tasks should report progress at least every %s", s.StalenessThreshold)},
		actions: []NextAction{{
			Priority: string(hint.PriorityCritical),
			Action:   "report what has happened since the last update",
			Tool:     "quick_task_update",
			Params: map[string]any{
				"task_id":             s.Task.ID,
				"what_i_did":          "<one or two sentences on current progress>",
				"progress_percentage": s.Task.OverallProgress,
			},
			Reason: "the task context has gone stale",
		}},
		warnings: []string{fmt.Sprintf("context is stale: last update %s ago", age)},
		examples: map[string]string{
			"quick_update": fmt.Sprintf(`quick_task_update(task_id=%q, what_i_did="Finished the parser rework", progress_percentage=60)`, s.Task.ID),
		},
	}
}

func ruleUnresolvedConflict(s *State) *ruleOutput {
	if s.Task == nil || s.OpenConflicts == 0 {
		return nil
	}
	return &ruleOutput{
		rules:    []string{"unresolved assignment conflicts must be settled before ownership changes"},
		warnings: []string{fmt.Sprintf("%d unresolved assignment conflict(s) on this task", s.OpenConflicts)},
		hints:    []string{"use resolve_conflict with first_writer_wins, last_writer_wins, or merge to settle ownership"},
	}
}

func ruleBlocked(s *State) *ruleOutput {
	if s.Task == nil || s.Task.Status != task.StatusBlocked {
		return nil
	}
	return &ruleOutput{
		actions: []NextAction{{
			Priority: string(hint.PriorityHigh),
			Action:   "record the blocker so another agent can pick it up",
			Tool:     "report_progress",
			Params: map[string]any{
				"task_id":       s.Task.ID,
				"progress_type": string(task.ProgressGeneral),
				"description":   "<what is blocking and what would unblock it>",
			},
			Reason: "the task is blocked",
		}},
		hints: []string{"consider request_work_handoff if another agent is better placed to unblock this"},
	}
}

func ruleNotStarted(s *State) *ruleOutput {
	if s.Task == nil || s.Task.Status != task.StatusTodo {
		return nil
	}
	return &ruleOutput{
		actions: []NextAction{{
			Priority: string(hint.PriorityMedium),
			Action:   "move the task to in_progress before working on it",
			Tool:     "manage_task",
			Params: map[string]any{
				"action":  "update",
				"task_id": s.Task.ID,
				"status":  string(task.StatusInProgress),
			},
			Reason: "the task has not been started",
		}},
	}
}

func ruleNearCompletion(s *State) *ruleOutput {
	if s.Task == nil || s.Task.Status.IsTerminal() || s.Task.OverallProgress < 80 {
		return nil
	}
	if s.Failure != nil {
		return nil
	}
	out := &ruleOutput{
		hints: []string{fmt.Sprintf("task is at %d%%: prepare a completion_summary and next recommendations", s.Task.OverallProgress)},
	}
	if len(s.openChildren()) == 0 {
		out.actions = append(out.actions, NextAction{
			Priority: string(hint.PriorityMedium),
			Action:   "complete the task once remaining work is verified",
			Tool:     "complete_task_with_update",
			Params: map[string]any{
				"task_id":            s.Task.ID,
				"completion_summary": "<summary of the delivered work>",
			},
			Reason: "overall progress is at or above 80%",
		})
	}
	return out
}

func ruleNoContext(s *State) *ruleOutput {
	if s.Task == nil || s.Task.Status != task.StatusInProgress || s.Context != nil {
		return nil
	}
	return &ruleOutput{
		hints: []string{"no context has been recorded yet; checkpoint_work preserves state between conversations"},
		actions: []NextAction{{
			Priority: string(hint.PriorityMedium),
			Action:   "checkpoint the current state of the work",
			Tool:     "checkpoint_work",
			Params: map[string]any{
				"task_id":       s.Task.ID,
				"current_state": "<where the work stands right now>",
				"next_steps":    []string{"<next concrete step>"},
			},
			Reason: "task context is empty",
		}},
	}
}

func ruleUnassigned(s *State) *ruleOutput {
	if s.Task == nil || s.Task.Assignee != "" || s.Task.Status.IsTerminal() {
		return nil
	}
	return &ruleOutput{
		hints: []string{"the task has no assigned agent; assign_agent_to_task records ownership"},
	}
}

func ruleHighStrategicImportance(s *State) *ruleOutput {
	if s.Task == nil || s.TopAlignmentScore < 0.8 {
		return nil
	}
	return &ruleOutput{
		hints: []string{fmt.Sprintf("★ this task is strategically important (alignment %.2f); keep progress visible", s.TopAlignmentScore)},
	}
}
