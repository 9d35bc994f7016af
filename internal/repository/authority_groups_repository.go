package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
)

// AuthorityGroupsRepository reads and maintains authority_groups and their
// members. It is the Postgres-backed directory of the routing service.
type AuthorityGroupsRepository struct {
	db *database.DB
}

// NewAuthorityGroupsRepository creates a new AuthorityGroupsRepository.
func NewAuthorityGroupsRepository(db *database.DB) *AuthorityGroupsRepository {
	return &AuthorityGroupsRepository{db: db}
}

// Upsert inserts or updates a group and replaces its member set.
func (r *AuthorityGroupsRepository) Upsert(ctx context.Context, g *AuthorityGroup) error {
	if g.ID == "" {
		return errors.InvalidInput("id", "authority group id is required")
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO authority_groups (id, name, priority, is_active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name       = EXCLUDED.name,
			    priority   = EXCLUDED.priority,
			    is_active  = EXCLUDED.is_active,
			    updated_at = NOW()
		`
		if _, err := tx.Exec(ctx, query, g.ID, g.Name, g.Priority, g.IsActive); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert authority group")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM authority_group_members WHERE group_id = $1`, g.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset group members")
		}
		for _, userID := range g.Members {
			if _, err := tx.Exec(ctx, `
				INSERT INTO authority_group_members (group_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, g.ID, userID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to add group member")
			}
		}
		return nil
	})
}

// GetByID retrieves a group with its members.
func (r *AuthorityGroupsRepository) GetByID(ctx context.Context, id string) (*AuthorityGroup, error) {
	query := `
		SELECT id, name, priority, is_active
		FROM authority_groups
		WHERE id = $1
	`

	g, err := scanGroup(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("authority_group", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get authority group")
	}

	rows, err := r.db.Query(ctx, `
		SELECT user_id FROM authority_group_members
		WHERE group_id = $1
		ORDER BY user_id
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list group members")
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan group member")
		}
		g.Members = append(g.Members, userID)
	}
	return g, rows.Err()
}

// ResolveGroupMemberships returns every group userID belongs to, inactive
// groups included. Members are not loaded.
func (r *AuthorityGroupsRepository) ResolveGroupMemberships(ctx context.Context, userID string) ([]AuthorityGroup, error) {
	query := `
		SELECT g.id, g.name, g.priority, g.is_active
		FROM authority_groups g
		JOIN authority_group_members m ON m.group_id = g.id
		WHERE m.user_id = $1
		ORDER BY g.id
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve group memberships")
	}
	defer rows.Close()

	var groups []AuthorityGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan authority group")
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

// Scanner is satisfied by pgx.Row and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row Scanner) (*AuthorityGroup, error) {
	g := &AuthorityGroup{}
	if err := row.Scan(&g.ID, &g.Name, &g.Priority, &g.IsActive); err != nil {
		return nil, err
	}
	return g, nil
}
