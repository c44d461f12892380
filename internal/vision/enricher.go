package visionenrich

import (
	"context"
	"fmt"
	"sort"
	"time"

	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
	"conductor/internal/logging"
	"conductor/internal/metrics"
)

// DefaultMaxAlignments caps how many objectives a response carries.
const DefaultMaxAlignments = 5

// AlignmentCache keeps computed alignment views between mutations. Entries
// observe their TTL; writers replace entries wholesale so readers never see
// a partial view.
type AlignmentCache interface {
	Get(ctx context.Context, taskID string) ([]vision.Alignment, bool)
	Set(ctx context.Context, taskID string, rows []vision.Alignment)
	Invalidate(ctx context.Context, taskID string)
}

// Context is the vision_context block attached to enriched responses.
type Context struct {
	Alignments []vision.Alignment `json:"alignments"`
	Insights   []string           `json:"insights,omitempty"`
}

// Enricher computes and caches alignment views.
type Enricher struct {
	repo    vision.Repository
	cache   AlignmentCache
	maxN    int
	metrics *metrics.Collector
	log     *logging.Logger
	now     func() time.Time
}

// NewEnricher wires an enricher. cache and collector may be nil.
func NewEnricher(repo vision.Repository, cache AlignmentCache, maxAlignments int, collector *metrics.Collector, log *logging.Logger) *Enricher {
	if maxAlignments <= 0 {
		maxAlignments = DefaultMaxAlignments
	}
	return &Enricher{
		repo:    repo,
		cache:   cache,
		maxN:    maxAlignments,
		metrics: collector,
		log:     logging.OrNop(log).Component("vision"),
		now:     time.Now,
	}
}

// Enrich returns the vision context for a task, serving from cache when
// fresh and materialising the computed rows otherwise.
func (e *Enricher) Enrich(ctx context.Context, t *task.Task) (*Context, error) {
	if e.cache != nil {
		rows, ok := e.cache.Get(ctx, t.ID)
		e.metrics.CacheLookup(ctx, ok)
		if ok {
			insights, err := e.insights(ctx, rows)
			if err != nil {
				return nil, err
			}
			return &Context{Alignments: rows, Insights: insights}, nil
		}
	}

	objectives, err := e.repo.GetHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vision hierarchy: %w", err)
	}
	rows := e.Compute(t, objectives)

	if err := e.repo.SaveAlignment(ctx, t.ID, rows); err != nil {
		return nil, fmt.Errorf("materialise alignment: %w", err)
	}
	if e.cache != nil {
		e.cache.Set(ctx, t.ID, rows)
	}

	insights, err := e.insights(ctx, rows)
	if err != nil {
		return nil, err
	}
	return &Context{Alignments: rows, Insights: insights}, nil
}

// Compute scores the task against every objective and returns the top
// rows ranked by score x confidence.
func (e *Enricher) Compute(t *task.Task, objectives []*vision.Objective) []vision.Alignment {
	h := buildHierarchy(objectives)
	rows := make([]vision.Alignment, 0, len(objectives))
	for _, o := range objectives {
		f := scoreFactors(t, o, h)
		score := f.score()
		if score == 0 {
			continue
		}
		rows = append(rows, vision.Alignment{
			ObjectiveID:  o.ID,
			Score:        score,
			Confidence:   f.confidence(),
			Contribution: classify(t, f),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ri := rows[i].Score * rows[i].Confidence
		rj := rows[j].Score * rows[j].Confidence
		if ri != rj {
			return ri > rj
		}
		return rows[i].ObjectiveID < rows[j].ObjectiveID
	})
	if len(rows) > e.maxN {
		rows = rows[:e.maxN]
	}
	return rows
}

// Invalidate drops the cached view for a task after a mutation.
func (e *Enricher) Invalidate(ctx context.Context, taskID string) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, taskID)
	}
}

// insights runs the strategic insight rules over the aligned objectives.
func (e *Enricher) insights(ctx context.Context, rows []vision.Alignment) ([]string, error) {
	now := e.now().UTC()
	var out []string
	for _, row := range rows {
		o, err := e.repo.GetObjective(ctx, row.ObjectiveID)
		if err != nil {
			if err == vision.ErrNotFound {
				continue
			}
			return nil, err
		}
		if o.Status != vision.ObjectiveActive {
			continue
		}
		if o.Deadline != nil {
			remaining := o.Deadline.Sub(now)
			if remaining > 0 && remaining < 7*24*time.Hour && o.MetricProgress() < 0.8 {
				out = append(out, fmt.Sprintf("at-risk objective: %q is %d%% complete with %d days to deadline",
					o.Title, int(o.MetricProgress()*100), int(remaining.Hours()/24)))
			}
		}
		for _, m := range o.Metrics {
			if m.Target > 0 && m.Progress() < 0.25 {
				out = append(out, fmt.Sprintf("metric gap: %q at %.0f/%.0f %s on objective %q",
					m.Name, m.Current, m.Target, m.Unit, o.Title))
			}
		}
		if row.Score >= 0.8 && row.Contribution == vision.ContributionExploratory {
			out = append(out, fmt.Sprintf("new alignment opportunity: task aligns strongly with %q outside its branch", o.Title))
		}
	}
	return out, nil
}
