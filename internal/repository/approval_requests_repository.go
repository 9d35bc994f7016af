package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
)

// ApprovalRequestsRepository is the Postgres request store. Apply holds a
// row lock (SELECT ... FOR UPDATE) across read, decide and write, so the
// decision always sees the latest committed history.
type ApprovalRequestsRepository struct {
	db      *database.DB
	history *ApprovalHistoryRepository
}

// NewApprovalRequestsRepository creates a new ApprovalRequestsRepository.
func NewApprovalRequestsRepository(db *database.DB, history *ApprovalHistoryRepository) *ApprovalRequestsRepository {
	return &ApprovalRequestsRepository{db: db, history: history}
}

const selectRequest = `
	SELECT id, subject_id, requester_id, line_id, line,
	       current_step, status::text, version,
	       submitted_at, completed_at, cancelled_at, cancelled_by, updated_at
	FROM approval_requests
`

// Create inserts a new request with its line snapshot.
func (r *ApprovalRequestsRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	lineJSON, err := json.Marshal(req.Line)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line snapshot")
	}

	var lineID *string
	if req.LineID != "" {
		lineID = &req.LineID
	}

	query := `
		INSERT INTO approval_requests
		    (id, subject_id, requester_id, line_id, line,
		     current_step, status, version, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7::approval_request_status, $8, $9, $10)
	`

	_, err = r.db.Exec(ctx, query,
		req.ID,
		req.SubjectID,
		req.RequesterID,
		lineID,
		lineJSON,
		req.CurrentStep,
		string(req.Status),
		req.Version,
		req.SubmittedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// Get retrieves a request by id.
func (r *ApprovalRequestsRepository) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// History returns the request's history oldest first.
func (r *ApprovalRequestsRepository) History(ctx context.Context, requestID string) ([]*ApprovalHistory, error) {
	return r.history.ListByRequest(ctx, requestID)
}

// Apply locks the request row, lets decide inspect it with its history, then
// writes the new state and the history entry in the same transaction.
func (r *ApprovalRequestsRepository) Apply(ctx context.Context, requestID string, decide DecideFunc) (*ApprovalRequest, error) {
	var updated *ApprovalRequest

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		req, err := scanRequest(tx.QueryRow(ctx, selectRequest+` WHERE id = $1 FOR UPDATE`, requestID))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_request", requestID)
		}
		if err != nil {
			return err
		}

		history, err := r.history.list(ctx, tx, requestID)
		if err != nil {
			return err
		}

		change, err := decide(req, history)
		if err != nil {
			return err
		}
		if change == nil {
			updated = req
			return nil
		}

		if change.Mutates(req) {
			expected := req.Version
			change.ApplyTo(req, time.Now().UTC())
			if err := r.update(ctx, tx, req, expected); err != nil {
				return err
			}
		}

		if change.Entry != nil {
			change.Entry.RequestID = requestID
			if err := r.history.append(ctx, tx, change.Entry); err != nil {
				return err
			}
		}

		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// update writes the mutable columns. The version guard is redundant under
// the row lock but keeps writers that skip Apply honest.
func (r *ApprovalRequestsRepository) update(ctx context.Context, tx pgx.Tx, req *ApprovalRequest, expectedVersion int) error {
	query := `
		UPDATE approval_requests
		SET status       = $2::approval_request_status,
		    current_step = $3,
		    completed_at = $4,
		    cancelled_at = $5,
		    cancelled_by = $6,
		    version      = $7,
		    updated_at   = $8
		WHERE id = $1 AND version = $9
	`

	tag, err := tx.Exec(ctx, query,
		req.ID,
		string(req.Status),
		req.CurrentStep,
		req.CompletedAt,
		req.CancelledAt,
		req.CancelledBy,
		req.Version,
		req.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeConcurrencyConflict, "approval request %s changed concurrently", req.ID)
	}
	return nil
}

// ListPendingForApprover returns pending requests whose line assigns userID
// an approve role on any step, oldest first.
func (r *ApprovalRequestsRepository) ListPendingForApprover(ctx context.Context, userID string) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status = 'pending'
		  AND line->'steps' @> jsonb_build_array(
		        jsonb_build_object('assignments', jsonb_build_array(
		            jsonb_build_object('user_id', $1::text, 'role', 'approve'))))
		ORDER BY submitted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanRequest(row Scanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		lineID   *string
		lineJSON []byte
		status   string
	)

	err := row.Scan(
		&req.ID,
		&req.SubjectID,
		&req.RequesterID,
		&lineID,
		&lineJSON,
		&req.CurrentStep,
		&status,
		&req.Version,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&req.CancelledBy,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lineID != nil {
		req.LineID = *lineID
	}
	req.Status = Status(status)
	if err := json.Unmarshal(lineJSON, &req.Line); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line snapshot")
	}
	return req, nil
}
