package repository

import "context"

// PostgresCatalog groups the catalog repositories behind the writer methods
// used when seeding from a catalog file.
type PostgresCatalog struct {
	Groups *AuthorityGroupsRepository
	Rules  *ApprovalRulesRepository
	Lines  *CandidateLinesRepository
}

// UpsertGroup saves a group with its members.
func (c *PostgresCatalog) UpsertGroup(ctx context.Context, g *AuthorityGroup) error {
	return c.Groups.Upsert(ctx, g)
}

// UpsertRule saves a rule.
func (c *PostgresCatalog) UpsertRule(ctx context.Context, rule *ApprovalRule) error {
	return c.Rules.Upsert(ctx, rule)
}

// UpsertLine saves a candidate line.
func (c *PostgresCatalog) UpsertLine(ctx context.Context, line *CandidateLine) error {
	return c.Lines.Upsert(ctx, line)
}
