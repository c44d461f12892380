package memstore

import (
	"context"
	"sort"
	"sync"

	"conductor/internal/domain/agent"
)

// AgentStore implements agent.Repository in memory.
type AgentStore struct {
	mu          sync.RWMutex
	agents      map[string]*agent.Agent
	assignments map[string]*agent.Assignment // keyed by task id
	handoffs    map[string]*agent.Handoff
	conflicts   map[string]*agent.Conflict
}

// NewAgentStore creates an empty agent store.
func NewAgentStore() *AgentStore {
	return &AgentStore{
		agents:      make(map[string]*agent.Agent),
		assignments: make(map[string]*agent.Assignment),
		handoffs:    make(map[string]*agent.Handoff),
		conflicts:   make(map[string]*agent.Conflict),
	}
}

func cloneAgent(a *agent.Agent) *agent.Agent {
	cp := *a
	cp.Expertise = append([]string(nil), a.Expertise...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

func cloneAssignment(a *agent.Assignment) *agent.Assignment {
	cp := *a
	cp.Responsibilities = append([]string(nil), a.Responsibilities...)
	return &cp
}

func cloneHandoff(h *agent.Handoff) *agent.Handoff {
	cp := *h
	cp.CompletedItems = append([]string(nil), h.CompletedItems...)
	cp.RemainingItems = append([]string(nil), h.RemainingItems...)
	if h.ResolvedAt != nil {
		at := *h.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func cloneConflict(c *agent.Conflict) *agent.Conflict {
	cp := *c
	cp.FirstResponsibilities = append([]string(nil), c.FirstResponsibilities...)
	cp.LaterResponsibilities = append([]string(nil), c.LaterResponsibilities...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// Get retrieves an agent by id.
func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneAgent(a), nil
}

// Save upserts an agent.
func (s *AgentStore) Save(ctx context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

// FindAvailable returns agents able to take work, ordered by id for
// deterministic tie-breaking.
func (s *AgentStore) FindAvailable(ctx context.Context) ([]*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if a.Available() {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAssignment returns the primary assignment for a task.
func (s *AgentStore) GetAssignment(ctx context.Context, taskID string) (*agent.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asg, ok := s.assignments[taskID]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneAssignment(asg), nil
}

// SaveAssignment upserts the primary assignment for its task.
func (s *AgentStore) SaveAssignment(ctx context.Context, asg *agent.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[asg.TaskID] = cloneAssignment(asg)
	return nil
}

// DeleteAssignment removes the primary assignment for a task.
func (s *AgentStore) DeleteAssignment(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, taskID)
	return nil
}

// CountAssignments returns the number of open assignments for an agent.
func (s *AgentStore) CountAssignments(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, asg := range s.assignments {
		if asg.AgentID == agentID {
			count++
		}
	}
	return count, nil
}

// GetHandoff retrieves a handoff by id.
func (s *AgentStore) GetHandoff(ctx context.Context, id string) (*agent.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handoffs[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneHandoff(h), nil
}

// SaveHandoff upserts a handoff.
func (s *AgentStore) SaveHandoff(ctx context.Context, h *agent.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs[h.ID] = cloneHandoff(h)
	return nil
}

// GetConflict retrieves a conflict by id.
func (s *AgentStore) GetConflict(ctx context.Context, id string) (*agent.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneConflict(c), nil
}

// SaveConflict upserts a conflict.
func (s *AgentStore) SaveConflict(ctx context.Context, c *agent.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

// OpenConflicts returns unresolved conflicts for a task, oldest first.
func (s *AgentStore) OpenConflicts(ctx context.Context, taskID string) ([]*agent.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.Conflict
	for _, c := range s.conflicts {
		if c.TaskID == taskID && !c.Resolved {
			out = append(out, cloneConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}
