// Package hint defines workflow hints and their optional analytics store.
package hint

import (
	"context"
	"errors"
	"time"
)

// Type classifies a hint.
type Type string

const (
	TypeNextAction        Type = "next_action"
	TypeBlockerResolution Type = "blocker_resolution"
	TypeOptimization      Type = "optimization"
	TypeCompletion        Type = "completion"
	TypeCollaboration     Type = "collaboration"
)

// Valid reports whether t is a known hint type.
func (t Type) Valid() bool {
	switch t {
	case TypeNextAction, TypeBlockerResolution, TypeOptimization, TypeCompletion, TypeCollaboration:
		return true
	default:
		return false
	}
}

// Priority orders hints within a response.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to an ordinal; higher sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// Hint is one actionable suggestion attached to a response or served
// on demand through get_workflow_hints.
type Hint struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Type            Type           `json:"type"`
	Priority        Priority       `json:"priority"`
	Message         string         `json:"message"`
	SuggestedTool   string         `json:"suggested_tool,omitempty"`
	SuggestedParams map[string]any `json:"suggested_params,omitempty"`
	Rationale       string         `json:"rationale,omitempty"`
	Confidence      float64        `json:"confidence"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
}

// Feedback records whether a served hint helped.
type Feedback struct {
	HintID     string    `json:"hint_id"`
	TaskID     string    `json:"task_id"`
	WasHelpful bool      `json:"was_helpful"`
	Comment    string    `json:"comment,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ErrNotFound is returned when a hint id resolves to nothing.
var ErrNotFound = errors.New("hint not found")

// Repository persists hints for analytics. Persistence is optional; the
// engine works with a nil repository and simply skips recording.
type Repository interface {
	// Save records a served hint.
	Save(ctx context.Context, h *Hint) error

	// Get retrieves a served hint by id.
	Get(ctx context.Context, id string) (*Hint, error)

	// MarkFeedback records effectiveness feedback for a hint.
	MarkFeedback(ctx context.Context, fb *Feedback) error
}
