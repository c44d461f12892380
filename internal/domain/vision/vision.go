// Package vision defines the strategic objective hierarchy and the
// task-to-objective alignment relation.
package vision

import (
	"context"
	"errors"
	"time"
)

// Level places an objective in the hierarchy. Parents must sit at a
// strictly higher level than their children.
type Level string

const (
	LevelOrganization Level = "organization"
	LevelProject      Level = "project"
	LevelBranch       Level = "branch"
	LevelTask         Level = "task"
)

// Rank orders levels top-down; organization is 0.
func (l Level) Rank() int {
	switch l {
	case LevelOrganization:
		return 0
	case LevelProject:
		return 1
	case LevelBranch:
		return 2
	case LevelTask:
		return 3
	default:
		return -1
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Rank() >= 0 }

// ObjectiveStatus is the lifecycle state of an objective.
type ObjectiveStatus string

const (
	ObjectiveActive    ObjectiveStatus = "active"
	ObjectiveAchieved  ObjectiveStatus = "achieved"
	ObjectiveAbandoned ObjectiveStatus = "abandoned"
)

// Metric is one measurable target on an objective.
type Metric struct {
	Name    string  `json:"name"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
	Unit    string  `json:"unit,omitempty"`
}

// Progress returns the metric's completion ratio in [0,1].
func (m Metric) Progress() float64 {
	if m.Target == 0 {
		return 0
	}
	ratio := m.Current / m.Target
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// Objective is a node in the organization -> project -> branch -> task
// hierarchy.
type Objective struct {
	ID          string          `json:"id"`
	Level       Level           `json:"level"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	Metrics     []Metric        `json:"metrics,omitempty"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Status      ObjectiveStatus `json:"status"`
}

// MetricProgress returns the mean completion of the objective's own metrics.
func (o *Objective) MetricProgress() float64 {
	if len(o.Metrics) == 0 {
		return 0
	}
	var sum float64
	for _, m := range o.Metrics {
		sum += m.Progress()
	}
	return sum / float64(len(o.Metrics))
}

// Contribution classifies how a task advances an objective.
type Contribution string

const (
	ContributionDirect      Contribution = "direct"
	ContributionSupporting  Contribution = "supporting"
	ContributionEnabling    Contribution = "enabling"
	ContributionExploratory Contribution = "exploratory"
	ContributionMaintenance Contribution = "maintenance"
)

// Alignment is one row of the materialised task -> objective relation.
type Alignment struct {
	ObjectiveID  string       `json:"objective_id"`
	Score        float64      `json:"score"`
	Confidence   float64      `json:"confidence"`
	Contribution Contribution `json:"contribution"`
}

// ErrNotFound is returned when an objective id resolves to nothing.
var ErrNotFound = errors.New("vision objective not found")

// Repository is the vision persistence port.
type Repository interface {
	// GetObjective retrieves one node.
	GetObjective(ctx context.Context, id string) (*Objective, error)

	// GetHierarchy returns every objective, parents before children.
	GetHierarchy(ctx context.Context) ([]*Objective, error)

	// SaveObjective upserts a node.
	SaveObjective(ctx context.Context, o *Objective) error

	// SaveAlignment materialises the alignment rows for a task.
	SaveAlignment(ctx context.Context, taskID string, rows []Alignment) error

	// GetAlignment returns the materialised rows for a task, best first.
	GetAlignment(ctx context.Context, taskID string) ([]Alignment, error)
}

// ValidateParent enforces that a parent sits strictly higher in the
// hierarchy than its child.
func ValidateParent(child, parent *Objective) error {
	if parent.Level.Rank() >= child.Level.Rank() {
		return errors.New("objective parent must sit at a strictly higher level")
	}
	return nil
}

// AggregateProgress computes a node's progress as the weighted mean of its
// direct children, falling back to its own metrics at the leaves. Children
// are weighted equally.
func AggregateProgress(node *Objective, childrenOf func(id string) []*Objective) float64 {
	children := childrenOf(node.ID)
	if len(children) == 0 {
		return node.MetricProgress()
	}
	var sum float64
	for _, child := range children {
		sum += AggregateProgress(child, childrenOf)
	}
	return sum / float64(len(children))
}
