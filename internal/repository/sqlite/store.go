// Package sqlite is the embedded request store used by single-node
// deployments. It has no row locks, so Apply relies on the request version:
// a write that loses the race reports CONCURRENCY_CONFLICT and the service
// retries it.
package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// Open opens (or creates) the database file at path using the pure-Go driver.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Store implements the request store and the saved-line source on SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an opened, migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertLine validates and saves a candidate line.
func (s *Store) UpsertLine(ctx context.Context, line *repository.CandidateLine) error {
	if err := line.Check(); err != nil {
		return err
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	steps, err := json.Marshal(line.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line steps")
	}
	m := lineModel{ID: line.ID, OwnerID: line.OwnerID, Name: line.Name, Steps: string(steps), CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert candidate line")
	}
	return nil
}

// FetchCandidateLine loads a saved line by id.
func (s *Store) FetchCandidateLine(ctx context.Context, lineID string) (*repository.CandidateLine, error) {
	var m lineModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", lineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("candidate_line", lineID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get candidate line")
	}

	line := &repository.CandidateLine{ID: m.ID, OwnerID: m.OwnerID, Name: m.Name}
	if err := json.Unmarshal([]byte(m.Steps), &line.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line steps")
	}
	return line, nil
}

// Create inserts a new request.
func (s *Store) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	m, err := toRequestModel(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line snapshot")
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "approval request already exists: %s", req.ID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// Get retrieves a request by id.
func (s *Store) Get(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *Store) get(db *gorm.DB, id string) (*repository.ApprovalRequest, error) {
	var m requestModel
	err := db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	req, err := m.toDomain()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line snapshot")
	}
	return req, nil
}

// History returns the request's entries in append order.
func (s *Store) History(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error) {
	return s.history(s.db.WithContext(ctx), requestID)
}

func (s *Store) history(db *gorm.DB, requestID string) ([]*repository.ApprovalHistory, error) {
	var rows []historyModel
	if err := db.Where("request_id = ?", requestID).Order("rowid").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	out := make([]*repository.ApprovalHistory, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Apply reads the request and its history, lets decide inspect them, then
// writes the change guarded by the version it read.
func (s *Store) Apply(ctx context.Context, requestID string, decide repository.DecideFunc) (*repository.ApprovalRequest, error) {
	db := s.db.WithContext(ctx)

	req, err := s.get(db, requestID)
	if err != nil {
		return nil, err
	}
	history, err := s.history(db, requestID)
	if err != nil {
		return nil, err
	}

	change, err := decide(req, history)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return req, nil
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if change.Mutates(req) {
			expected := req.Version
			change.ApplyTo(req, s.now())

			res := tx.Model(&requestModel{}).
				Where("id = ? AND version = ?", requestID, expected).
				Updates(map[string]any{
					"status":       string(req.Status),
					"current_step": req.CurrentStep,
					"completed_at": req.CompletedAt,
					"cancelled_at": req.CancelledAt,
					"cancelled_by": req.CancelledBy,
					"version":      req.Version,
					"updated_at":   req.UpdatedAt,
				})
			if res.Error != nil {
				return errors.Wrap(res.Error, errors.ErrCodeInternal, "failed to update approval request")
			}
			if res.RowsAffected == 0 {
				return errors.Newf(errors.ErrCodeConcurrencyConflict, "approval request %s changed concurrently", requestID)
			}
		}

		if change.Entry == nil {
			return nil
		}
		change.Entry.RequestID = requestID
		if change.Entry.ID == "" {
			change.Entry.ID = uuid.NewString()
		}
		m := toHistoryModel(change.Entry)
		if err := tx.Create(&m).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.Newf(errors.ErrCodeAlreadyActed,
					"user %s already acted on step %d", change.Entry.ApproverID, change.Entry.StepOrder)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListPendingForApprover returns pending requests whose line assigns userID
// an approve role on any step, oldest first. The line lives in a JSON text
// column, so assignee matching happens after the status filter.
func (s *Store) ListPendingForApprover(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	var rows []requestModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(repository.StatusPending)).
		Order("submitted_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}

	var out []*repository.ApprovalRequest
	for _, m := range rows {
		req, err := m.toDomain()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line snapshot")
		}
		for _, id := range req.Line.ApproveAssignees() {
			if id == userID {
				out = append(out, req)
				break
			}
		}
	}
	return out, nil
}

// The pure-Go driver does not go through gorm's error translator, so unique
// violations are recognised by message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
