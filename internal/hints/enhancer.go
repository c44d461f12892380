package hints

import (
	"context"
	"sort"
	"time"

	"conductor/internal/domain/hint"
	"conductor/internal/logging"
	"conductor/internal/utils/id"
)

// timeTruncation keeps durations in guidance output readable.
const timeTruncation = time.Minute

// Enhancer attaches workflow guidance to every response. It is stateless;
// all variability comes in through State.
type Enhancer struct {
	maxHints int
	repo     hint.Repository // optional, nil disables analytics
	log      *logging.Logger
}

// NewEnhancer builds an enhancer. repo may be nil.
func NewEnhancer(maxHints int, repo hint.Repository, log *logging.Logger) *Enhancer {
	if maxHints <= 0 {
		maxHints = 6
	}
	return &Enhancer{maxHints: maxHints, repo: repo, log: logging.OrNop(log).Component("hints")}
}

// Enhance evaluates the rule set against the state and assembles the
// guidance object. The result is a pure function of the state.
func (e *Enhancer) Enhance(s *State) *Guidance {
	g := &Guidance{
		CurrentState: e.currentState(s),
		Rules:        []string{},
		NextActions:  []NextAction{},
		Hints:        []string{},
		Warnings:     []string{},
	}

	type ranked struct {
		action NextAction
		rank   int
		order  int
	}
	var actions []ranked
	order := 0

	for _, r := range ruleSet {
		out := r.eval(s)
		if out == nil {
			continue
		}
		g.Rules = append(g.Rules, out.rules...)
		g.Hints = append(g.Hints, out.hints...)
		g.Warnings = append(g.Warnings, out.warnings...)
		for _, a := range out.actions {
			actions = append(actions, ranked{action: a, rank: r.priority.Rank(), order: order})
			order++
		}
		for name, example := range out.examples {
			if g.Examples == nil {
				g.Examples = make(map[string]string)
			}
			g.Examples[name] = example
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].rank != actions[j].rank {
			return actions[i].rank > actions[j].rank
		}
		return actions[i].order < actions[j].order
	})
	for _, ra := range actions {
		g.NextActions = append(g.NextActions, ra.action)
	}

	if len(g.Hints) > e.maxHints {
		g.Hints = g.Hints[:e.maxHints]
	}
	return g
}

func (e *Enhancer) currentState(s *State) CurrentState {
	cs := CurrentState{Phase: phaseOf(s.Task)}
	if s.Task != nil {
		cs.Status = string(s.Task.Status)
		cs.Progress = s.Task.OverallProgress
		cs.HasContext = s.Context != nil
		cs.CanComplete = s.canComplete()
		if age, ok := s.sinceUpdate(); ok {
			cs.TimeSinceUpdate = age.Truncate(timeTruncation).String()
		}
	}
	return cs
}

// Generate serves on-demand hints for get_workflow_hints, optionally
// filtered by type and capped by maxHints. Served hints are persisted for
// feedback when a repository is configured.
func (e *Enhancer) Generate(ctx context.Context, s *State, types []hint.Type, maxHints int) ([]*hint.Hint, error) {
	if maxHints <= 0 || maxHints > e.maxHints {
		maxHints = e.maxHints
	}
	wanted := make(map[hint.Type]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	var out []*hint.Hint
	for _, r := range ruleSet {
		if len(out) >= maxHints {
			break
		}
		if len(wanted) > 0 {
			if _, ok := wanted[r.hintType]; !ok {
				continue
			}
		}
		res := r.eval(s)
		if res == nil {
			continue
		}
		h := &hint.Hint{
			ID:         id.NewHintID(),
			TaskID:     s.Task.ID,
			Type:       r.hintType,
			Priority:   r.priority,
			Confidence: 1,
		}
		switch {
		case len(res.actions) > 0:
			h.Message = res.actions[0].Action
			h.SuggestedTool = res.actions[0].Tool
			h.SuggestedParams = res.actions[0].Params
			h.Rationale = res.actions[0].Reason
		case len(res.hints) > 0:
			h.Message = res.hints[0]
		case len(res.warnings) > 0:
			h.Message = res.warnings[0]
		default:
			continue
		}
		if e.repo != nil {
			if err := e.repo.Save(ctx, h); err != nil {
				return nil, err
			}
		}
		out = append(out, h)
	}
	return out, nil
}
