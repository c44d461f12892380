package memstore

import (
	"context"
	"sync"

	"conductor/internal/domain/hint"
)

// HintStore implements hint.Repository in memory.
type HintStore struct {
	mu       sync.RWMutex
	hints    map[string]*hint.Hint
	feedback []*hint.Feedback
}

// NewHintStore creates an empty hint store.
func NewHintStore() *HintStore {
	return &HintStore{hints: make(map[string]*hint.Hint)}
}

func cloneHint(h *hint.Hint) *hint.Hint {
	cp := *h
	if h.SuggestedParams != nil {
		cp.SuggestedParams = make(map[string]any, len(h.SuggestedParams))
		for k, v := range h.SuggestedParams {
			cp.SuggestedParams[k] = v
		}
	}
	if h.ExpiresAt != nil {
		at := *h.ExpiresAt
		cp.ExpiresAt = &at
	}
	return &cp
}

// Save records a served hint.
func (s *HintStore) Save(ctx context.Context, h *hint.Hint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[h.ID] = cloneHint(h)
	return nil
}

// Get retrieves a served hint by id.
func (s *HintStore) Get(ctx context.Context, id string) (*hint.Hint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hints[id]
	if !ok {
		return nil, hint.ErrNotFound
	}
	return cloneHint(h), nil
}

// MarkFeedback records effectiveness feedback for a hint.
func (s *HintStore) MarkFeedback(ctx context.Context, fb *hint.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hints[fb.HintID]; !ok {
		return hint.ErrNotFound
	}
	cp := *fb
	s.feedback = append(s.feedback, &cp)
	return nil
}

// FeedbackCount reports recorded feedback entries, for tests and workload
// introspection.
func (s *HintStore) FeedbackCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feedback)
}
