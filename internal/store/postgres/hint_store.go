package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/domain/hint"
	"conductor/internal/logging"
)

// HintStore implements hint.Repository on PostgreSQL.
type HintStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func (s *HintStore) Save(ctx context.Context, h *hint.Hint) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	const query = `
INSERT INTO hints (id, task_id, doc) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
`
	if _, err := s.pool.Exec(ctx, query, h.ID, h.TaskID, doc); err != nil {
		return fmt.Errorf("save hint %s: %w", h.ID, err)
	}
	return nil
}

func (s *HintStore) Get(ctx context.Context, id string) (*hint.Hint, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM hints WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, hint.ErrNotFound
		}
		return nil, fmt.Errorf("load hint %s: %w", id, err)
	}
	var h hint.Hint
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, fmt.Errorf("decode hint: %w", err)
	}
	return &h, nil
}

func (s *HintStore) MarkFeedback(ctx context.Context, fb *hint.Feedback) error {
	doc, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO hint_feedback (hint_id, doc) VALUES ($1, $2)`, fb.HintID, doc); err != nil {
		return fmt.Errorf("record feedback for %s: %w", fb.HintID, err)
	}
	return nil
}
