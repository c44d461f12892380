package visionenrich

import (
	"context"
	"math"
	"testing"

	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
	"conductor/internal/store/memstore"
)

func TestTokenize(t *testing.T) {
	tokens := tokenize("Improve the API latency", "p99 API-latency target")
	want := []string{"improve", "the", "api", "latency", "p99", "target"}
	for _, tok := range want {
		if _, ok := tokens[tok]; !ok {
			t.Errorf("missing token %q", tok)
		}
	}
	// Short fragments are dropped.
	if _, ok := tokens["99"]; ok {
		t.Errorf("two-character token should be dropped")
	}
}

func TestJaccard(t *testing.T) {
	set := func(words ...string) map[string]struct{} {
		out := make(map[string]struct{})
		for _, w := range words {
			out[w] = struct{}{}
		}
		return out
	}
	if got := jaccard(set("api", "latency"), set("api", "latency")); got != 1 {
		t.Errorf("identical sets = %v, want 1", got)
	}
	if got := jaccard(set("api", "latency"), set("api", "cache", "redis")); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("overlap = %v, want 0.25", got)
	}
	if got := jaccard(nil, set("api")); got != 0 {
		t.Errorf("empty set = %v, want 0", got)
	}
}

func TestFactorsScoreAndConfidence(t *testing.T) {
	full := factors{Keyword: 1, Branch: 1, Priority: 1, Proximity: 1, Status: 1}
	if got := full.score(); got != 1 {
		t.Errorf("full score = %v, want 1", got)
	}
	if got := full.confidence(); got != 1 {
		t.Errorf("full confidence = %v, want 1", got)
	}

	partial := factors{Keyword: 1, Status: 0.5}
	if got := partial.score(); math.Abs(got-0.35) > 1e-9 {
		t.Errorf("partial score = %v, want 0.35", got)
	}
	if got := partial.confidence(); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("partial confidence = %v, want 0.4", got)
	}
}

func TestHierarchyDistance(t *testing.T) {
	objectives := []*vision.Objective{
		{ID: "org", Level: vision.LevelOrganization},
		{ID: "proj-a", Level: vision.LevelProject, ParentID: "org"},
		{ID: "proj-b", Level: vision.LevelProject, ParentID: "org"},
		{ID: "branch-a", Level: vision.LevelBranch, ParentID: "proj-a"},
	}
	h := buildHierarchy(objectives)

	cases := []struct {
		from, to string
		want     int
	}{
		{"branch-a", "branch-a", 0},
		{"branch-a", "proj-a", 1},
		{"branch-a", "org", 2},
		{"branch-a", "proj-b", 3},
		{"branch-a", "ghost", -1},
	}
	for _, tc := range cases {
		if got := h.distance(tc.from, tc.to); got != tc.want {
			t.Errorf("distance(%s, %s) = %d, want %d", tc.from, tc.to, got, tc.want)
		}
	}

	if !h.underProject(h.nodes["branch-a"], "org") {
		t.Errorf("branch-a should descend from org")
	}
	if h.underProject(h.nodes["branch-a"], "proj-b") {
		t.Errorf("branch-a does not descend from proj-b")
	}
}

func TestClassify(t *testing.T) {
	base := &task.Task{Priority: task.PriorityHigh}
	cases := []struct {
		name string
		t    *task.Task
		f    factors
		want vision.Contribution
	}{
		{"maintenance tag wins", &task.Task{Tags: []string{"maintenance"}},
			factors{Keyword: 1, Branch: 1, Priority: 1, Proximity: 1, Status: 1}, vision.ContributionMaintenance},
		{"direct", base,
			factors{Keyword: 0.6, Branch: 1, Priority: 0.5, Proximity: 0.8, Status: 1}, vision.ContributionDirect},
		{"supporting", base,
			factors{Keyword: 0.1, Proximity: 0.9}, vision.ContributionSupporting},
		{"exploratory", base,
			factors{Keyword: 0.7, Proximity: 0.1}, vision.ContributionExploratory},
		{"enabling fallback", base,
			factors{Keyword: 0.3, Proximity: 0.3}, vision.ContributionEnabling},
	}
	for _, tc := range cases {
		if got := classify(tc.t, tc.f); got != tc.want {
			t.Errorf("%s: classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputeRanksAndCaps(t *testing.T) {
	objectives := []*vision.Objective{
		{ID: "org", Level: vision.LevelOrganization, Title: "Ship the platform", Status: vision.ObjectiveActive},
		{ID: "proj", Level: vision.LevelProject, ParentID: "org", Title: "Reduce API latency", Status: vision.ObjectiveActive},
		{ID: "branch-perf", Level: vision.LevelBranch, ParentID: "proj", Title: "perf", Status: vision.ObjectiveActive},
	}
	tk := &task.Task{
		ID:       "task-1",
		Title:    "Reduce API latency for search",
		Status:   task.StatusInProgress,
		Priority: task.PriorityHigh,
		BranchID: "branch-perf",
	}

	e := NewEnricher(memstore.NewVisionStore(), nil, 2, nil, nil)
	rows := e.Compute(tk, objectives)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want cap of 2", len(rows))
	}
	// The project objective shares keywords and sits one hop away; it must
	// outrank the organization root.
	if rows[0].ObjectiveID != "branch-perf" && rows[0].ObjectiveID != "proj" {
		t.Errorf("top alignment = %s", rows[0].ObjectiveID)
	}
	prev := rows[0].Score * rows[0].Confidence
	for _, row := range rows[1:] {
		cur := row.Score * row.Confidence
		if cur > prev {
			t.Errorf("rows not ranked: %v then %v", prev, cur)
		}
		prev = cur
	}
	for _, row := range rows {
		if row.Score <= 0 || row.Score > 1 {
			t.Errorf("score %v outside (0,1]", row.Score)
		}
		if row.Confidence <= 0 || row.Confidence > 1 {
			t.Errorf("confidence %v outside (0,1]", row.Confidence)
		}
	}
}

func TestComputeDeterministicTieBreak(t *testing.T) {
	// Two objectives with identical factors rank by id.
	objectives := []*vision.Objective{
		{ID: "obj-b", Level: vision.LevelProject, Title: "identical wording here", Status: vision.ObjectiveActive},
		{ID: "obj-a", Level: vision.LevelProject, Title: "identical wording here", Status: vision.ObjectiveActive},
	}
	tk := &task.Task{ID: "task-1", Title: "identical wording here", Status: task.StatusInProgress, Priority: task.PriorityHigh}

	e := NewEnricher(memstore.NewVisionStore(), nil, 5, nil, nil)
	rows := e.Compute(tk, objectives)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ObjectiveID != "obj-a" || rows[1].ObjectiveID != "obj-b" {
		t.Errorf("tie-break order = %s, %s; want obj-a first", rows[0].ObjectiveID, rows[1].ObjectiveID)
	}
}

func TestEnricherMaterialisesAndCaches(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewVisionStore()
	obj := &vision.Objective{ID: "proj", Level: vision.LevelProject, Title: "Reduce search latency", Status: vision.ObjectiveActive}
	if err := repo.SaveObjective(ctx, obj); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache, err := NewLRUCache(16, 0)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	e := NewEnricher(repo, cache, 5, nil, nil)

	tk := &task.Task{ID: "task-1", Title: "Reduce search latency", Status: task.StatusInProgress, Priority: task.PriorityMedium}
	vc, err := e.Enrich(ctx, tk)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(vc.Alignments) == 0 {
		t.Fatalf("no alignments computed")
	}

	// Materialised rows match what was served.
	stored, err := repo.GetAlignment(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetAlignment: %v", err)
	}
	if len(stored) != len(vc.Alignments) || stored[0].ObjectiveID != vc.Alignments[0].ObjectiveID {
		t.Errorf("materialised rows diverge: %+v vs %+v", stored, vc.Alignments)
	}

	// Second call is served from cache.
	if rows, ok := cache.Get(ctx, "task-1"); !ok || len(rows) != len(vc.Alignments) {
		t.Errorf("cache miss after enrich")
	}
	e.Invalidate(ctx, "task-1")
	if _, ok := cache.Get(ctx, "task-1"); ok {
		t.Errorf("cache entry survived invalidation")
	}
}
