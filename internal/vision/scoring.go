// Package visionenrich computes task-to-objective alignment and strategic
// insights, with a TTL cache in front of the scoring pass.
package visionenrich

import (
	"regexp"
	"strings"

	"conductor/internal/domain/task"
	"conductor/internal/domain/vision"
)

// Factor weights per the scoring contract. They sum to 1.
const (
	weightKeyword   = 0.30
	weightBranch    = 0.25
	weightPriority  = 0.15
	weightProximity = 0.20
	weightStatus    = 0.10
)

// factors holds the five normalised scoring terms.
type factors struct {
	Keyword   float64
	Branch    float64
	Priority  float64
	Proximity float64
	Status    float64
}

func (f factors) score() float64 {
	s := weightKeyword*f.Keyword +
		weightBranch*f.Branch +
		weightPriority*f.Priority +
		weightProximity*f.Proximity +
		weightStatus*f.Status
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// confidence is the fraction of factors that contributed at all.
func (f factors) confidence() float64 {
	nonZero := 0
	for _, v := range []float64{f.Keyword, f.Branch, f.Priority, f.Proximity, f.Status} {
		if v > 0 {
			nonZero++
		}
	}
	return float64(nonZero) / 5
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases and splits free text into a token set.
func tokenize(texts ...string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, text := range texts {
		for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
			if len(tok) > 2 {
				tokens[tok] = struct{}{}
			}
		}
	}
	return tokens
}

// jaccard computes |a ∩ b| / |a ∪ b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// hierarchy indexes the objective tree for distance and ancestry queries.
type hierarchy struct {
	nodes    map[string]*vision.Objective
	parents  map[string]string
	children map[string][]string
}

func buildHierarchy(objectives []*vision.Objective) *hierarchy {
	h := &hierarchy{
		nodes:    make(map[string]*vision.Objective, len(objectives)),
		parents:  make(map[string]string),
		children: make(map[string][]string),
	}
	for _, o := range objectives {
		h.nodes[o.ID] = o
		if o.ParentID != "" {
			h.parents[o.ID] = o.ParentID
			h.children[o.ParentID] = append(h.children[o.ParentID], o.ID)
		}
	}
	return h
}

// branchNode resolves the branch-level objective a task tree hangs off.
func (h *hierarchy) branchNode(branchID string) *vision.Objective {
	if o, ok := h.nodes[branchID]; ok {
		return o
	}
	for _, o := range h.nodes {
		if o.Level == vision.LevelBranch && o.Title == branchID {
			return o
		}
	}
	return nil
}

// underProject reports whether the branch node descends from (or is) the
// given objective.
func (h *hierarchy) underProject(branch *vision.Objective, objectiveID string) bool {
	for cursor := branch.ID; cursor != ""; cursor = h.parents[cursor] {
		if cursor == objectiveID {
			return true
		}
	}
	return false
}

// distance returns the undirected path length between two nodes, or -1
// when they are not connected.
func (h *hierarchy) distance(fromID, toID string) int {
	if fromID == toID {
		return 0
	}
	depth := func(id string) []string {
		var path []string
		for cursor := id; cursor != ""; cursor = h.parents[cursor] {
			path = append(path, cursor)
		}
		return path
	}
	fromPath := depth(fromID)
	toAncestors := make(map[string]int)
	for i, id := range depth(toID) {
		toAncestors[id] = i
	}
	for i, id := range fromPath {
		if j, ok := toAncestors[id]; ok {
			return i + j
		}
	}
	return -1
}

// scoreFactors computes the five factors for one (task, objective) pair.
func scoreFactors(t *task.Task, o *vision.Objective, h *hierarchy) factors {
	var f factors

	taskTokens := tokenize(t.Title, t.Description)
	objTexts := []string{o.Title}
	for _, m := range o.Metrics {
		objTexts = append(objTexts, m.Name)
	}
	f.Keyword = jaccard(taskTokens, tokenize(objTexts...))

	branch := h.branchNode(t.BranchID)
	if branch != nil && h.underProject(branch, o.ID) {
		f.Branch = 1
	}

	// Higher task priority aimed at a higher-level objective scores higher.
	priorityNorm := float64(t.Priority.Rank()) / 4
	levelHeight := float64(vision.LevelTask.Rank()-o.Level.Rank()) / float64(vision.LevelTask.Rank())
	if priorityNorm > 0 && levelHeight > 0 {
		f.Priority = priorityNorm * levelHeight
	}

	if branch != nil {
		if d := h.distance(branch.ID, o.ID); d >= 0 {
			f.Proximity = 1 / float64(1+d)
		}
	}

	switch {
	case t.Status.IsTerminal() || o.Status != vision.ObjectiveActive:
		f.Status = 0
	case t.Status == task.StatusInProgress:
		f.Status = 1
	default:
		f.Status = 0.5
	}

	return f
}

// classify selects the contribution type from the factors.
func classify(t *task.Task, f factors) vision.Contribution {
	if t.HasTag("maintenance") {
		return vision.ContributionMaintenance
	}
	allStrong := f.Keyword >= 0.5 && f.Branch >= 0.5 && f.Priority >= 0.5 && f.Proximity >= 0.5 && f.Status >= 0.5
	switch {
	case allStrong && t.Priority.Rank() >= task.PriorityHigh.Rank():
		return vision.ContributionDirect
	case f.Proximity >= 0.5 && f.Keyword < 0.25:
		return vision.ContributionSupporting
	case f.Keyword >= 0.5 && f.Proximity < 0.25:
		return vision.ContributionExploratory
	default:
		return vision.ContributionEnabling
	}
}
