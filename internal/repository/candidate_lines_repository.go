package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
)

// CandidateLinesRepository stores saved approval lines. Steps are kept as a
// JSONB document; a submitted request snapshots its own copy.
type CandidateLinesRepository struct {
	db *database.DB
}

// NewCandidateLinesRepository creates a new CandidateLinesRepository.
func NewCandidateLinesRepository(db *database.DB) *CandidateLinesRepository {
	return &CandidateLinesRepository{db: db}
}

// Upsert validates and saves a line.
func (r *CandidateLinesRepository) Upsert(ctx context.Context, line *CandidateLine) error {
	if err := line.Check(); err != nil {
		return err
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}

	stepsJSON, err := json.Marshal(line.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line steps")
	}

	query := `
		INSERT INTO candidate_lines (id, owner_id, name, steps)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    name     = EXCLUDED.name,
		    steps    = EXCLUDED.steps
	`
	if _, err := r.db.Exec(ctx, query, line.ID, line.OwnerID, line.Name, stepsJSON); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert candidate line")
	}
	return nil
}

// FetchCandidateLine loads a saved line by id.
func (r *CandidateLinesRepository) FetchCandidateLine(ctx context.Context, lineID string) (*CandidateLine, error) {
	query := `
		SELECT id, owner_id, name, steps
		FROM candidate_lines
		WHERE id = $1
	`

	line := &CandidateLine{}
	var stepsJSON []byte
	err := r.db.QueryRow(ctx, query, lineID).Scan(&line.ID, &line.OwnerID, &line.Name, &stepsJSON)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("candidate_line", lineID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get candidate line")
	}
	if err := json.Unmarshal(stepsJSON, &line.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line steps")
	}
	return line, nil
}
