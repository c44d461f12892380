package memstore

import (
	"context"
	"sort"
	"sync"

	"conductor/internal/domain/vision"
)

// VisionStore implements vision.Repository in memory.
type VisionStore struct {
	mu         sync.RWMutex
	objectives map[string]*vision.Objective
	alignments map[string][]vision.Alignment
}

// NewVisionStore creates an empty vision store.
func NewVisionStore() *VisionStore {
	return &VisionStore{
		objectives: make(map[string]*vision.Objective),
		alignments: make(map[string][]vision.Alignment),
	}
}

func cloneObjective(o *vision.Objective) *vision.Objective {
	cp := *o
	cp.Metrics = append([]vision.Metric(nil), o.Metrics...)
	if o.Deadline != nil {
		d := *o.Deadline
		cp.Deadline = &d
	}
	return &cp
}

// GetObjective retrieves one node.
func (s *VisionStore) GetObjective(ctx context.Context, id string) (*vision.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objectives[id]
	if !ok {
		return nil, vision.ErrNotFound
	}
	return cloneObjective(o), nil
}

// GetHierarchy returns every objective, parents before children.
func (s *VisionStore) GetHierarchy(ctx context.Context) ([]*vision.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*vision.Objective, 0, len(s.objectives))
	for _, o := range s.objectives {
		out = append(out, cloneObjective(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level.Rank() != out[j].Level.Rank() {
			return out[i].Level.Rank() < out[j].Level.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveObjective upserts a node after validating its parent level.
func (s *VisionStore) SaveObjective(ctx context.Context, o *vision.Objective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ParentID != "" {
		parent, ok := s.objectives[o.ParentID]
		if !ok {
			return vision.ErrNotFound
		}
		if err := vision.ValidateParent(o, parent); err != nil {
			return err
		}
	}
	s.objectives[o.ID] = cloneObjective(o)
	return nil
}

// SaveAlignment materialises the alignment rows for a task.
func (s *VisionStore) SaveAlignment(ctx context.Context, taskID string, rows []vision.Alignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alignments[taskID] = append([]vision.Alignment(nil), rows...)
	return nil
}

// GetAlignment returns the materialised rows for a task, best first.
func (s *VisionStore) GetAlignment(ctx context.Context, taskID string) ([]vision.Alignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.alignments[taskID]
	if !ok {
		return nil, nil
	}
	return append([]vision.Alignment(nil), rows...), nil
}
