// Package orchestrator hosts the per-tool use-cases: each one loads
// aggregates, enforces invariants, mutates, persists, emits events, and
// hands the outcome to the hint enhancer. Use-cases are the transaction
// unit; nothing below this package enforces workflow rules.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/coordination"
	"conductor/internal/domain/agent"
	"conductor/internal/domain/hint"
	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
	"conductor/internal/events"
	"conductor/internal/fault"
	"conductor/internal/hints"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/progress"
	visionenrich "conductor/internal/vision"
)

// Engine executes use-cases. It is safe for concurrent use; mutations on a
// single task id are serialised through keyed locks plus optimistic
// versioning.
type Engine struct {
	cfg config.Config

	tasks    task.Repository
	contexts task.ContextRepository
	visions  vision.Repository
	agents   agent.Repository
	hintRepo hint.Repository

	aggregator  *progress.Aggregator
	enricher    *visionenrich.Enricher
	coordinator *coordination.Coordinator
	enhancer    *hints.Enhancer

	locks   *keyedLocks
	metrics *metrics.Collector
	log     *logging.Logger
	now     func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Tasks    task.Repository
	Contexts task.ContextRepository
	Visions  vision.Repository
	Agents   agent.Repository
	Hints    hint.Repository // optional
	Cache    visionenrich.AlignmentCache
	Metrics  *metrics.Collector // optional
	Logger   *logging.Logger
}

// NewEngine wires an engine from configuration and repositories.
func NewEngine(cfg config.Config, deps Deps) *Engine {
	log := logging.OrNop(deps.Logger)
	return &Engine{
		cfg:         cfg,
		tasks:       deps.Tasks,
		contexts:    deps.Contexts,
		visions:     deps.Visions,
		agents:      deps.Agents,
		hintRepo:    deps.Hints,
		aggregator:  progress.NewAggregator(deps.Tasks, deps.Contexts, log),
		enricher:    visionenrich.NewEnricher(deps.Visions, deps.Cache, visionenrich.DefaultMaxAlignments, deps.Metrics, log),
		coordinator: coordination.NewCoordinator(deps.Agents, deps.Tasks, deps.Contexts, log),
		enhancer:    hints.NewEnhancer(cfg.MaxHints, deps.Hints, log),
		locks:       newKeyedLocks(),
		metrics:     deps.Metrics,
		log:         log.Component("orchestrator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Response is the uniform reply envelope of every use-case.
type Response struct {
	Success          bool            `json:"success"`
	Data             map[string]any  `json:"data,omitempty"`
	Error            *ErrorBody      `json:"error,omitempty"`
	WorkflowGuidance *hints.Guidance `json:"workflow_guidance"`
}

// ErrorBody mirrors the fault taxonomy on the wire.
type ErrorBody struct {
	Code           fault.Code `json:"code"`
	Message        string     `json:"message"`
	ResolutionHint string     `json:"resolution_hint,omitempty"`
	Fields         []string   `json:"fields,omitempty"`
	Subjects       []string   `json:"subjects,omitempty"`
}

// keyedLocks serialises mutations per task id. Multi-task holds (parent +
// subtask) always acquire in canonical id order to avoid deadlock.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Acquire locks the given ids in canonical order and returns the release
// function.
func (k *keyedLocks) Acquire(ids ...string) func() {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, taskID := range ids {
		if taskID == "" {
			continue
		}
		if _, ok := seen[taskID]; !ok {
			seen[taskID] = struct{}{}
			unique = append(unique, taskID)
		}
	}
	sort.Strings(unique)

	entries := make([]*lockEntry, 0, len(unique))
	for _, taskID := range unique {
		k.mu.Lock()
		entry, ok := k.locks[taskID]
		if !ok {
			entry = &lockEntry{}
			k.locks[taskID] = entry
		}
		entry.refs++
		k.mu.Unlock()
		entry.mu.Lock()
		entries = append(entries, entry)
	}

	keys := unique
	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			k.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, keys[i])
			}
			k.mu.Unlock()
		}
	}
}

// newBus builds the per-request event bus with the standard handlers: the
// subtask aggregation handler (the only implicit parent write) and cache
// invalidation on mutation.
func (e *Engine) newBus() *events.Bus {
	bus := events.NewBus(e.cfg.EventDepthLimit)
	bus.OnDispatch(func(ctx context.Context, name events.Name) {
		e.metrics.EventDispatched(ctx, string(name))
	})

	bus.Subscribe(events.SubtaskProgressAggregated, func(ctx context.Context, ev events.Event) error {
		pe, ok := ev.(*events.ProgressEvent)
		if !ok || pe.ParentID == "" {
			return nil
		}
		parent, err := e.tasks.Get(ctx, pe.ParentID)
		if err != nil {
			return err
		}
		sub, err := e.tasks.Get(ctx, pe.TaskID)
		if err != nil {
			return err
		}
		overall, fired, err := e.aggregator.Propagate(ctx, parent, sub, pe.Note, pe.Timestamp)
		if err != nil {
			return err
		}
		e.enricher.Invalidate(ctx, parent.ID)
		for _, m := range fired {
			milestone := &events.MilestoneEvent{
				Envelope:      events.NewEnvelope(parent.ID, pe.Timestamp),
				MilestoneName: m.Name,
				Threshold:     m.Threshold,
				Overall:       overall,
			}
			if err := bus.Emit(ctx, milestone); err != nil {
				return err
			}
		}
		return nil
	})

	bus.Subscribe(events.ProgressMilestoneReached, func(ctx context.Context, ev events.Event) error {
		me := ev.(*events.MilestoneEvent)
		e.log.Info("milestone reached", "task", me.TaskID, "milestone", me.MilestoneName, "overall", me.Overall)
		return nil
	})

	invalidate := func(ctx context.Context, ev events.Event) error {
		e.enricher.Invalidate(ctx, ev.Meta().TaskID)
		return nil
	}
	bus.Subscribe(events.TaskUpdated, invalidate)
	bus.Subscribe(events.TaskCompleted, invalidate)
	bus.Subscribe(events.TaskDeleted, invalidate)
	bus.Subscribe(events.ProgressReported, invalidate)

	return bus
}

// mutate runs fn against a freshly loaded copy of the task under the
// task's keyed lock, persisting with the version token. Version conflicts
// retry up to the configured count before CONCURRENT_MODIFICATION.
func (e *Engine) mutate(ctx context.Context, taskID string, fn func(t *task.Task) error) (*task.Task, error) {
	release := e.locks.Acquire(taskID)
	defer release()
	return e.mutateLocked(ctx, taskID, fn)
}

// mutateLocked is mutate without lock acquisition, for callers that
// already hold a multi-task lock.
func (e *Engine) mutateLocked(ctx context.Context, taskID string, fn func(t *task.Task) error) (*task.Task, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.LockRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, deadlineFault(err)
		}
		t, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				return nil, fault.NotFound("task", taskID)
			}
			return nil, fault.Wrap(fault.CodeStorageUnavailable, err, "load task %s", taskID)
		}
		expected := t.Version
		if err := fn(t); err != nil {
			return nil, err
		}
		t.Touch(e.now())
		err = e.tasks.UpdateWithVersion(ctx, t, expected)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, task.ErrVersionConflict) {
			return nil, fault.Wrap(fault.CodeStorageUnavailable, err, "persist task %s", taskID)
		}
		lastErr = err
	}
	return nil, fault.Wrap(fault.CodeConcurrentModification, lastErr, "task %s was modified concurrently", taskID).
		WithHint("re-read the task and retry the mutation").
		WithSubjects(taskID)
}

// deadlineFault maps context errors to the TIMEOUT taxonomy code.
func deadlineFault(err error) *fault.Error {
	return fault.Wrap(fault.CodeTimeout, err, "operation deadline exceeded").
		WithHint("retry the call; persisted work from this attempt was rolled back")
}

// guidanceState assembles everything the hint rules read for a task.
// Loads are best-effort: guidance must exist even when the task does not.
func (e *Engine) guidanceState(ctx context.Context, taskID string, failure *fault.Error) *hints.State {
	s := &hints.State{
		Failure:            failure,
		Now:                e.now(),
		StalenessThreshold: e.cfg.StalenessThreshold,
	}
	if taskID == "" {
		return s
	}
	if t, err := e.tasks.Get(ctx, taskID); err == nil {
		s.Task = t
		if t.HasSubtasks() {
			if children, err := e.tasks.FindChildren(ctx, t.ID); err == nil {
				s.Children = children
			}
		}
	}
	if c, err := e.contexts.GetByTask(ctx, taskID); err == nil {
		s.Context = c
	}
	if conflicts, err := e.agents.OpenConflicts(ctx, taskID); err == nil {
		s.OpenConflicts = len(conflicts)
	}
	if rows, err := e.visions.GetAlignment(ctx, taskID); err == nil && len(rows) > 0 {
		s.TopAlignmentScore = rows[0].Score
	}
	return s
}

// succeed builds a success envelope with guidance attached.
func (e *Engine) succeed(ctx context.Context, taskID string, data map[string]any) *Response {
	return &Response{
		Success:          true,
		Data:             data,
		WorkflowGuidance: e.enhancer.Enhance(e.guidanceState(ctx, taskID, nil)),
	}
}

// fail builds a failure envelope. Unrecognised errors surface as
// STORAGE_UNAVAILABLE; context expiry surfaces as TIMEOUT.
func (e *Engine) fail(ctx context.Context, taskID string, err error) *Response {
	fe, ok := fault.As(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			fe = deadlineFault(err)
		} else {
			fe = fault.Wrap(fault.CodeStorageUnavailable, err, "internal storage failure").
				WithHint("retry the call")
		}
	}
	e.log.Warn("use-case failed", "task", taskID, "code", fe.Code, "error", fe.Message)
	return &Response{
		Success: false,
		Error: &ErrorBody{
			Code:           fe.Code,
			Message:        fe.Message,
			ResolutionHint: fe.ResolutionHint,
			Fields:         fe.Fields,
			Subjects:       fe.Subjects,
		},
		WorkflowGuidance: e.enhancer.Enhance(e.guidanceState(ctx, taskID, fe)),
	}
}

// Fail builds a failure envelope for errors raised outside any use-case,
// such as unknown tool names or undecodable parameters.
func (e *Engine) Fail(ctx context.Context, taskID string, err error) *Response {
	return e.fail(ctx, taskID, err)
}

// loadContextOrNew returns the task's context, or a fresh one when none
// has been written yet.
func (e *Engine) loadContextOrNew(ctx context.Context, taskID string) (*task.Context, error) {
	c, err := e.contexts.GetByTask(ctx, taskID)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, task.ErrNotFound) {
		return &task.Context{TaskID: taskID}, nil
	}
	return nil, fault.Wrap(fault.CodeStorageUnavailable, err, "load context for %s", taskID)
}

// attachVision adds vision_context to a data map when enrichment is on.
func (e *Engine) attachVision(ctx context.Context, t *task.Task, data map[string]any, include *bool) {
	enabled := e.cfg.EnrichVision
	if include != nil {
		enabled = *include
	}
	if !enabled {
		return
	}
	vc, err := e.enricher.Enrich(ctx, t)
	if err != nil {
		// Enrichment is additive; a cold vision store must not fail reads.
		e.log.Warn("vision enrichment skipped", "task", t.ID, "error", err)
		return
	}
	data["vision_context"] = vc
}
