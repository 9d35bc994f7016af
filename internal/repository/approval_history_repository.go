package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
)

// pgUniqueViolation is the SQLSTATE raised by uq_approval_history_decision.
const pgUniqueViolation = "23505"

// ApprovalHistoryRepository appends and reads approval_history. The table has
// an update/delete-prevention trigger, so appends are the only mutation.
type ApprovalHistoryRepository struct {
	db *database.DB
}

// NewApprovalHistoryRepository creates a new ApprovalHistoryRepository.
func NewApprovalHistoryRepository(db *database.DB) *ApprovalHistoryRepository {
	return &ApprovalHistoryRepository{db: db}
}

// querier is implemented by both the pool wrapper and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectHistory = `
	SELECT id, request_id, approver_id, step_order, role, action, comment, created_at
	FROM approval_history
	WHERE request_id = $1
	ORDER BY created_at ASC, id ASC
`

// ListByRequest returns a request's history oldest first.
func (r *ApprovalHistoryRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalHistory, error) {
	return r.list(ctx, r.db, requestID)
}

func (r *ApprovalHistoryRepository) list(ctx context.Context, q querier, requestID string) ([]*ApprovalHistory, error) {
	rows, err := q.Query(ctx, selectHistory, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	entries := make([]*ApprovalHistory, 0)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval history")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// append inserts one entry inside the caller's transaction. A second
// approve/reject by the same approver on the same step trips the partial
// unique index and is reported as ALREADY_ACTED.
func (r *ApprovalHistoryRepository) append(ctx context.Context, tx pgx.Tx, entry *ApprovalHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_history
		    (id, request_id, approver_id, step_order, role, action, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::approval_history_action, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.ApproverID,
		entry.StepOrder,
		string(entry.Role),
		string(entry.Action),
		entry.Comment,
		entry.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.Newf(errors.ErrCodeAlreadyActed,
				"user %s already acted on step %d", entry.ApproverID, entry.StepOrder)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

func scanHistory(row Scanner) (*ApprovalHistory, error) {
	h := &ApprovalHistory{}
	var role, action string
	err := row.Scan(
		&h.ID,
		&h.RequestID,
		&h.ApproverID,
		&h.StepOrder,
		&role,
		&action,
		&h.Comment,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Role = Role(role)
	h.Action = Action(action)
	return h, nil
}
