package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/domain/vision"
	"conductor/internal/logging"
)

// VisionStore implements vision.Repository on PostgreSQL.
type VisionStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func (s *VisionStore) GetObjective(ctx context.Context, id string) (*vision.Objective, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM vision_objectives WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, vision.ErrNotFound
		}
		return nil, fmt.Errorf("load objective %s: %w", id, err)
	}
	var o vision.Objective
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode objective: %w", err)
	}
	return &o, nil
}

func (s *VisionStore) GetHierarchy(ctx context.Context) ([]*vision.Objective, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM vision_objectives`)
	if err != nil {
		return nil, fmt.Errorf("load vision hierarchy: %w", err)
	}
	defer rows.Close()

	var out []*vision.Objective
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var o vision.Objective
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, fmt.Errorf("decode objective: %w", err)
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Parents before children, stable within a level.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level.Rank() != out[j].Level.Rank() {
			return out[i].Level.Rank() < out[j].Level.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *VisionStore) SaveObjective(ctx context.Context, o *vision.Objective) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode objective: %w", err)
	}
	const query = `
INSERT INTO vision_objectives (id, level, parent_id, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET level = EXCLUDED.level, parent_id = EXCLUDED.parent_id, doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, o.ID, string(o.Level), o.ParentID, doc); err != nil {
		return fmt.Errorf("save objective %s: %w", o.ID, err)
	}
	return nil
}

func (s *VisionStore) SaveAlignment(ctx context.Context, taskID string, alignments []vision.Alignment) error {
	doc, err := json.Marshal(alignments)
	if err != nil {
		return fmt.Errorf("encode alignments: %w", err)
	}
	const query = `
INSERT INTO task_alignments (task_id, rows, computed_at) VALUES ($1, $2, $3)
ON CONFLICT (task_id) DO UPDATE SET rows = EXCLUDED.rows, computed_at = EXCLUDED.computed_at
`
	if _, err := s.pool.Exec(ctx, query, taskID, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("save alignments of %s: %w", taskID, err)
	}
	return nil
}

func (s *VisionStore) GetAlignment(ctx context.Context, taskID string) ([]vision.Alignment, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT rows FROM task_alignments WHERE task_id = $1`, taskID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load alignments of %s: %w", taskID, err)
	}
	var out []vision.Alignment
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decode alignments: %w", err)
	}
	return out, nil
}
