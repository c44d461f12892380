package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for tasks and their satellite records.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewSnapshotID generates an identifier for a progress snapshot.
func NewSnapshotID() string {
	return defaultGenerator.newIdentifier("snap")
}

// NewHintID generates an identifier for a served workflow hint.
func NewHintID() string {
	return defaultGenerator.newIdentifier("hint")
}

// NewAssignmentID generates an identifier for an agent assignment.
func NewAssignmentID() string {
	return defaultGenerator.newIdentifier("assign")
}

// NewHandoffID generates an identifier for a work handoff.
func NewHandoffID() string {
	return defaultGenerator.newIdentifier("handoff")
}

// NewConflictID generates an identifier for a recorded assignment conflict.
func NewConflictID() string {
	return defaultGenerator.newIdentifier("conflict")
}

// NewEventID generates an identifier for an event envelope.
func NewEventID() string {
	return defaultGenerator.newIdentifier("evt")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}
