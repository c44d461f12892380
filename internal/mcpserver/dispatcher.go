// Package mcpserver exposes the engine's use-cases as MCP tools. The
// dispatcher owns the wire contract: tool names, parameter decoding, the
// uniform response envelope, and per-call deadlines.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/fault"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
)

// toolHandler executes one tool against already-decoded arguments.
type toolHandler func(ctx context.Context, args map[string]any) *orchestrator.Response

// toolDef describes one registered tool.
type toolDef struct {
	name        string
	description string
	readOnly    bool
	// batch marks tools that may touch many aggregates and therefore get
	// the longer deadline.
	batch   bool
	handler toolHandler
}

// Dispatcher routes tool invocations to use-cases. It is stateless between
// calls; every invocation carries its own deadline.
type Dispatcher struct {
	engine  *orchestrator.Engine
	cfg     config.Config
	tools   map[string]toolDef
	ordered []toolDef
	log     *logging.Logger
	metrics *metrics.Collector
}

// NewDispatcher builds the dispatcher with the full tool table registered.
func NewDispatcher(engine *orchestrator.Engine, cfg config.Config, col *metrics.Collector, log *logging.Logger) *Dispatcher {
	d := &Dispatcher{
		engine:  engine,
		cfg:     cfg,
		tools:   make(map[string]toolDef),
		log:     logging.OrNop(log).Component("dispatcher"),
		metrics: col,
	}
	d.registerAll()
	return d
}

// Tools returns the registered tool definitions in registration order.
func (d *Dispatcher) Tools() []toolDef { return d.ordered }

func (d *Dispatcher) register(t toolDef) {
	d.tools[t.name] = t
	d.ordered = append(d.ordered, t)
}

// Dispatch runs one tool invocation: deadline, panic containment, routing.
// It always returns an envelope; transport-level errors do not exist below
// this point.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (resp *orchestrator.Response) {
	start := time.Now()
	tool, ok := d.tools[name]
	if !ok {
		return d.engine.Fail(ctx, "", fault.New(fault.CodeUnknownTool, "unknown tool %q", name).
			WithHint("call tools/list for the supported tool names"))
	}

	deadline := d.cfg.ToolDeadline
	if tool.batch {
		deadline = d.cfg.BatchDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", "tool", name, "panic", r)
			resp = d.engine.Fail(ctx, "", fault.New(fault.CodeStorageUnavailable, "internal failure in %s", name).
				WithHint("retry the call; report the tool name if the failure persists"))
		}
		d.observe(ctx, name, resp, time.Since(start))
	}()

	return tool.handler(ctx, args)
}

func (d *Dispatcher) observe(ctx context.Context, name string, resp *orchestrator.Response, elapsed time.Duration) {
	if d.metrics == nil || resp == nil {
		return
	}
	code := ""
	if resp.Error != nil {
		code = string(resp.Error.Code)
	}
	d.metrics.ToolCall(ctx, name, resp.Success, code, elapsed)
}

// decode unmarshals a parameter map into a typed parameter struct. Unknown
// or mistyped fields yield INVALID_PARAMETERS naming the offender.
func decode[T any](args map[string]any, out *T) *fault.Error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fault.InvalidParameters().WithHint(err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fault.InvalidParameters(offendingField(err)...).
			WithHint("check parameter names and types against the tool description")
	}
	return nil
}

func offendingField(err error) []string {
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok && typeErr.Field != "" {
		return []string{typeErr.Field}
	}
	msg := err.Error()
	if i := strings.Index(msg, `unknown field "`); i >= 0 {
		rest := msg[i+len(`unknown field "`):]
		if j := strings.Index(rest, `"`); j >= 0 {
			return []string{rest[:j]}
		}
	}
	return nil
}

// handle adapts a typed use-case to the toolHandler shape.
func handle[T any](d *Dispatcher, fn func(ctx context.Context, p T) *orchestrator.Response) toolHandler {
	return func(ctx context.Context, args map[string]any) *orchestrator.Response {
		var p T
		if ferr := decode(args, &p); ferr != nil {
			return d.engine.Fail(ctx, "", ferr)
		}
		return fn(ctx, p)
	}
}

func (d *Dispatcher) registerAll() {
	e := d.engine

	d.register(toolDef{
		name: "manage_task",
		description: "Primary task CRUD. action is one of create, get, update, complete, next, list, search, delete. " +
			"action=complete requires completion_summary; a parent completes only after every subtask is done.",
		batch:   true,
		handler: handle(d, e.ManageTask),
	})
	d.register(toolDef{
		name: "manage_subtask",
		description: "Subtask CRUD under a parent task. action is one of create, list, update, complete, delete; " +
			"task_id addresses the parent, subtask_id the child. Parent progress updates automatically.",
		handler: handle(d, e.ManageSubtask),
	})
	d.register(toolDef{
		name: "complete_task_with_update",
		description: "Atomically writes the completion summary into the task context and marks the task done. " +
			"Fails with MISSING_COMPLETION_SUMMARY or INCOMPLETE_SUBTASKS when the gate is not met.",
		handler: handle(d, func(ctx context.Context, p orchestrator.TaskParams) *orchestrator.Response {
			return e.CompleteTask(ctx, p.TaskID, p.CompletionSummary, p.TestingNotes)
		}),
	})
	d.register(toolDef{
		name: "complete_subtask_with_update",
		description: "Completes one subtask with its summary and propagates the new aggregate to the parent, " +
			"including the automatic parent context note.",
		handler: handle(d, func(ctx context.Context, p orchestrator.SubtaskParams) *orchestrator.Response {
			return e.CompleteSubtask(ctx, p.TaskID, p.SubtaskID, p.CompletionSummary, p.TestingNotes)
		}),
	})
	d.register(toolDef{
		name: "report_progress",
		description: "Appends a typed progress snapshot (analysis, design, implementation, testing, documentation, " +
			"review, deployment, general) and recomputes overall progress and milestones.",
		handler: handle(d, e.ReportProgress),
	})
	d.register(toolDef{
		name:        "quick_task_update",
		description: "Shorthand progress report: what_i_did plus an optional progress_percentage and next_steps.",
		handler:     handle(d, e.QuickTaskUpdate),
	})
	d.register(toolDef{
		name:        "checkpoint_work",
		description: "Persists current_state and next_steps into the task context so work survives between conversations.",
		handler:     handle(d, e.CheckpointWork),
	})
	d.register(toolDef{
		name:        "get_workflow_hints",
		description: "Returns on-demand workflow hints for a task, optionally filtered by hint_types and capped by max_hints.",
		readOnly:    true,
		handler:     handle(d, e.GetWorkflowHints),
	})
	d.register(toolDef{
		name:        "provide_hint_feedback",
		description: "Records whether a served hint was helpful.",
		handler:     handle(d, e.ProvideHintFeedback),
	})
	d.register(toolDef{
		name: "assign_agent_to_task",
		description: "Creates or replaces the primary assignment for a task. With an empty agent_id the most " +
			"suitable available agent is picked by load, expertise, and role.",
		handler: handle(d, e.AssignAgent),
	})
	d.register(toolDef{
		name:        "request_work_handoff",
		description: "Opens a work handoff from one agent to another with a work summary and item lists.",
		handler:     handle(d, e.RequestHandoff),
	})
	d.register(toolDef{
		name:        "accept_handoff",
		description: "Accepts a requested handoff; the primary assignment transfers with the state change.",
		handler:     handle(d, e.AcceptHandoff),
	})
	d.register(toolDef{
		name:        "reject_handoff",
		description: "Rejects a requested handoff; the original assignment is retained and the reason recorded.",
		handler:     handle(d, e.RejectHandoff),
	})
	d.register(toolDef{
		name:        "complete_handoff",
		description: "Closes an accepted handoff and merges its work summary into the task context.",
		handler:     handle(d, e.CompleteHandoff),
	})
	d.register(toolDef{
		name:        "get_agent_workload",
		description: "Reports an agent's status, load, open assignments, and per-status task tally.",
		readOnly:    true,
		handler:     handle(d, e.GetAgentWorkload),
	})
	d.register(toolDef{
		name:        "resolve_conflict",
		description: "Applies a resolution strategy (first_writer_wins, last_writer_wins, merge, manual) to an assignment conflict.",
		handler:     handle(d, e.ResolveConflict),
	})
	d.register(toolDef{
		name:        "broadcast_status",
		description: "Updates an agent's availability and load; unknown agents are registered on first contact.",
		handler:     handle(d, e.BroadcastStatus),
	})
	d.register(toolDef{
		name:        "get_vision_alignment",
		description: "Returns the scored objective alignments, contribution classes, and strategic insights for a task.",
		readOnly:    true,
		handler:     handle(d, e.GetVisionAlignment),
	})
}
