package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/domain/agent"
	"conductor/internal/logging"
)

// AgentStore implements agent.Repository on PostgreSQL.
type AgentStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM agents WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	var a agent.Agent
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	return &a, nil
}

func (s *AgentStore) Save(ctx context.Context, a *agent.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	const query = `
INSERT INTO agents (id, status, current_load, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, current_load = EXCLUDED.current_load, doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, a.ID, string(a.Status), a.CurrentLoad, doc); err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *AgentStore) FindAvailable(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM agents WHERE status = $1 AND current_load < 1 ORDER BY id`,
		string(agent.StatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("find available agents: %w", err)
	}
	defer rows.Close()

	var out []*agent.Agent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a agent.Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *AgentStore) GetAssignment(ctx context.Context, taskID string) (*agent.Assignment, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM assignments WHERE task_id = $1`, taskID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("load assignment of %s: %w", taskID, err)
	}
	var asg agent.Assignment
	if err := json.Unmarshal(doc, &asg); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}
	return &asg, nil
}

func (s *AgentStore) SaveAssignment(ctx context.Context, asg *agent.Assignment) error {
	doc, err := json.Marshal(asg)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	const query = `
INSERT INTO assignments (task_id, agent_id, doc) VALUES ($1, $2, $3)
ON CONFLICT (task_id) DO UPDATE SET agent_id = EXCLUDED.agent_id, doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, asg.TaskID, asg.AgentID, doc); err != nil {
		return fmt.Errorf("save assignment of %s: %w", asg.TaskID, err)
	}
	return nil
}

func (s *AgentStore) DeleteAssignment(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM assignments WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete assignment of %s: %w", taskID, err)
	}
	return nil
}

func (s *AgentStore) CountAssignments(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE agent_id = $1`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count assignments of %s: %w", agentID, err)
	}
	return count, nil
}

func (s *AgentStore) GetHandoff(ctx context.Context, id string) (*agent.Handoff, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM handoffs WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("load handoff %s: %w", id, err)
	}
	var h agent.Handoff
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, fmt.Errorf("decode handoff: %w", err)
	}
	return &h, nil
}

func (s *AgentStore) SaveHandoff(ctx context.Context, h *agent.Handoff) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	const query = `
INSERT INTO handoffs (id, task_id, state, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, h.ID, h.TaskID, string(h.State), doc); err != nil {
		return fmt.Errorf("save handoff %s: %w", h.ID, err)
	}
	return nil
}

func (s *AgentStore) GetConflict(ctx context.Context, id string) (*agent.Conflict, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM conflicts WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("load conflict %s: %w", id, err)
	}
	var c agent.Conflict
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode conflict: %w", err)
	}
	return &c, nil
}

func (s *AgentStore) SaveConflict(ctx context.Context, c *agent.Conflict) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	const query = `
INSERT INTO conflicts (id, task_id, resolved, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET resolved = EXCLUDED.resolved, doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, c.ID, c.TaskID, c.Resolved, doc); err != nil {
		return fmt.Errorf("save conflict %s: %w", c.ID, err)
	}
	return nil
}

func (s *AgentStore) OpenConflicts(ctx context.Context, taskID string) ([]*agent.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM conflicts WHERE task_id = $1 AND NOT resolved ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load open conflicts of %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*agent.Conflict
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c agent.Conflict
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
