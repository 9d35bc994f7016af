package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
)

// ApprovalRulesRepository handles approval_rules. Rules are deactivated,
// never deleted, so past decisions stay explainable.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const selectRule = `
	SELECT r.id, r.subject_id, r.condition, r.rule_order, r.is_active,
	       g.id, g.name, g.priority, g.is_active
	FROM approval_rules r
	JOIN authority_groups g ON g.id = r.required_group_id
`

// Upsert inserts or updates a rule. The condition is compiled first so a
// malformed rule is rejected at authoring time.
func (r *ApprovalRulesRepository) Upsert(ctx context.Context, rule *ApprovalRule) error {
	if _, err := expression.Parse(rule.Condition); err != nil {
		return errors.Wrap(err, errors.ErrCodeParse, "invalid rule condition")
	}
	if rule.RequiredGroup.ID == "" {
		return errors.InvalidInput("required_group_id", "required group is required")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_rules
		    (id, subject_id, condition, required_group_id, rule_order, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET subject_id        = EXCLUDED.subject_id,
		    condition         = EXCLUDED.condition,
		    required_group_id = EXCLUDED.required_group_id,
		    rule_order        = EXCLUDED.rule_order,
		    is_active         = EXCLUDED.is_active,
		    updated_at        = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		rule.ID,
		rule.SubjectID,
		rule.Condition,
		rule.RequiredGroup.ID,
		rule.Order,
		rule.IsActive,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approval rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, selectRule+` WHERE r.id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// List returns a subject's rules in explicit order, optionally active only.
func (r *ApprovalRulesRepository) List(ctx context.Context, subjectID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := selectRule + ` WHERE r.subject_id = $1`
	if activeOnly {
		query += " AND r.is_active = TRUE"
	}
	query += " ORDER BY r.rule_order ASC, r.id ASC"

	rows, err := r.db.Query(ctx, query, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FetchActiveRules returns the subject's active rules with their required
// group resolved.
func (r *ApprovalRulesRepository) FetchActiveRules(ctx context.Context, subjectID string) ([]*ApprovalRule, error) {
	return r.List(ctx, subjectID, true)
}

// Deactivate marks a rule inactive.
func (r *ApprovalRulesRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanRule(row Scanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.SubjectID,
		&rule.Condition,
		&rule.Order,
		&rule.IsActive,
		&rule.RequiredGroup.ID,
		&rule.RequiredGroup.Name,
		&rule.RequiredGroup.Priority,
		&rule.RequiredGroup.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
