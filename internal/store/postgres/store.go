// Package postgres implements the repository ports on PostgreSQL. Each
// aggregate is stored as a JSONB document with the filterable columns
// extracted alongside it.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/logging"
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates every table the stores use if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const query = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    branch_id TEXT NOT NULL DEFAULT '',
    parent_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    assignee TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    doc JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_branch ON tasks (branch_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks (assignee);

CREATE TABLE IF NOT EXISTS task_snapshots (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    doc JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_snapshots_task ON task_snapshots (task_id, seq);

CREATE TABLE IF NOT EXISTS task_contexts (
    task_id TEXT PRIMARY KEY,
    doc JSONB NOT NULL,
    last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vision_objectives (
    id TEXT PRIMARY KEY,
    level TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS task_alignments (
    task_id TEXT PRIMARY KEY,
    rows JSONB NOT NULL,
    computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    current_load DOUBLE PRECISION NOT NULL DEFAULT 0,
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    task_id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_agent ON assignments (agent_id);

CREATE TABLE IF NOT EXISTS handoffs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    state TEXT NOT NULL,
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT FALSE,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_task ON conflicts (task_id) WHERE NOT resolved;

CREATE TABLE IF NOT EXISTS hints (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS hint_feedback (
    seq BIGSERIAL PRIMARY KEY,
    hint_id TEXT NOT NULL,
    doc JSONB NOT NULL
);
`
	if _, err := pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Stores bundles every repository over one pool.
type Stores struct {
	Tasks    *TaskStore
	Contexts *ContextStore
	Visions  *VisionStore
	Agents   *AgentStore
	Hints    *HintStore
}

// NewStores builds all repositories over the given pool.
func NewStores(pool *pgxpool.Pool, log *logging.Logger) *Stores {
	log = logging.OrNop(log).Component("postgres")
	return &Stores{
		Tasks:    &TaskStore{pool: pool, log: log},
		Contexts: &ContextStore{pool: pool, log: log},
		Visions:  &VisionStore{pool: pool, log: log},
		Agents:   &AgentStore{pool: pool, log: log},
		Hints:    &HintStore{pool: pool, log: log},
	}
}
