package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/domain/task"
	"conductor/internal/logging"
)

// TaskStore implements task.Repository on PostgreSQL.
type TaskStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	const query = `
INSERT INTO tasks (id, branch_id, parent_id, status, priority, assignee, title, description, doc, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.BranchID, t.ParentID, string(t.Status), string(t.Priority),
		t.Assignee, t.Title, t.Description, doc, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return decodeTask(doc)
}

func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	t.Version++
	return s.upsert(ctx, t)
}

func (s *TaskStore) upsert(ctx context.Context, t *task.Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	const query = `
INSERT INTO tasks (id, branch_id, parent_id, status, priority, assignee, title, description, doc, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    branch_id = EXCLUDED.branch_id,
    parent_id = EXCLUDED.parent_id,
    status = EXCLUDED.status,
    priority = EXCLUDED.priority,
    assignee = EXCLUDED.assignee,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    doc = EXCLUDED.doc,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.BranchID, t.ParentID, string(t.Status), string(t.Priority),
		t.Assignee, t.Title, t.Description, doc, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) UpdateWithVersion(ctx context.Context, t *task.Task, expected int64) error {
	t.Version = expected + 1
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	const query = `
UPDATE tasks SET
    branch_id = $2, parent_id = $3, status = $4, priority = $5, assignee = $6,
    title = $7, description = $8, doc = $9, version = $10, updated_at = $11
WHERE id = $1 AND version = $12
`
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.BranchID, t.ParentID, string(t.Status), string(t.Priority),
		t.Assignee, t.Title, t.Description, doc, t.Version, t.UpdatedAt, expected)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check task %s: %w", t.ID, err)
		}
		if !exists {
			return task.ErrNotFound
		}
		return task.ErrVersionConflict
	}
	return nil
}

func (s *TaskStore) FindByBranch(ctx context.Context, branchID string) ([]*task.Task, error) {
	return s.query(ctx, `SELECT doc FROM tasks WHERE branch_id = $1 ORDER BY created_at DESC`, branchID)
}

func (s *TaskStore) FindChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.query(ctx, `SELECT doc FROM tasks WHERE parent_id = $1 ORDER BY created_at ASC`, parentID)
}

func (s *TaskStore) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	query := `SELECT doc FROM tasks WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ` + arg(filter.BranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ` + arg(string(filter.Priority))
	}
	if filter.Assignee != "" {
		query += ` AND assignee = ` + arg(filter.Assignee)
	}
	if filter.Query != "" {
		p := arg("%" + filter.Query + "%")
		query += ` AND (title ILIKE ` + p + ` OR description ILIKE ` + p + `)`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete snapshots of %s: %w", id, err)
	}
	return nil
}

func (s *TaskStore) AppendSnapshot(ctx context.Context, snap *task.ProgressSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_snapshots (id, task_id, doc, created_at) VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.TaskID, doc, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("append snapshot for %s: %w", snap.TaskID, err)
	}
	return nil
}

func (s *TaskStore) Snapshots(ctx context.Context, taskID string) ([]*task.ProgressSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM task_snapshots WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots of %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*task.ProgressSnapshot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var snap task.ProgressSnapshot
		if err := json.Unmarshal(doc, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *TaskStore) query(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		t, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTask(doc []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// ContextStore implements task.ContextRepository on PostgreSQL.
type ContextStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func (s *ContextStore) GetByTask(ctx context.Context, taskID string) (*task.Context, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM task_contexts WHERE task_id = $1`, taskID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("load context of %s: %w", taskID, err)
	}
	var c task.Context
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &c, nil
}

func (s *ContextStore) Save(ctx context.Context, c *task.Context) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	const query = `
INSERT INTO task_contexts (task_id, doc, last_updated) VALUES ($1, $2, $3)
ON CONFLICT (task_id) DO UPDATE SET doc = EXCLUDED.doc, last_updated = EXCLUDED.last_updated
`
	if _, err := s.pool.Exec(ctx, query, c.TaskID, doc, c.LastUpdated); err != nil {
		return fmt.Errorf("save context of %s: %w", c.TaskID, err)
	}
	return nil
}

func (s *ContextStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_contexts WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete context of %s: %w", taskID, err)
	}
	return nil
}
