package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/repository/memory"
)

const sampleCatalog = `
groups:
  - id: staff
    name: Staff
    priority: 1
    members: [sam]
  - id: manager
    name: Manager
    priority: 5
    members: [mia, max]
  - id: retired
    name: Retired
    priority: 50
    is_active: false
    members: [old]
rules:
  - id: large
    subject_id: expense
    condition: "#amount > 100000"
    required_group_id: manager
    order: 1
  - id: legacy
    subject_id: expense
    condition: "#amount >= 1"
    required_group_id: staff
    order: 2
    is_active: false
lines:
  - id: default
    owner_id: sam
    name: Default
    steps:
      - order: 1
        approval_type: single_allowed
        assignments:
          - {user_id: mia, role: approve}
          - {user_id: sam, role: reference}
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	f, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, f.Groups, 3)
	assert.Len(t, f.Rules, 2)
	require.Len(t, f.Lines, 1)
	assert.Equal(t, repository.SingleAllowed, f.Lines[0].Steps[0].ApprovalType)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code errors.Code
	}{
		{"malformed yaml", "groups: [", errors.ErrCodeInvalidInput},
		{"group without id", "groups: [{name: x}]", errors.ErrCodeInvalidInput},
		{"rule without group", "rules: [{id: r, subject_id: s}]", errors.ErrCodeInvalidInput},
		{"bad condition", "rules: [{id: r, subject_id: s, required_group_id: g, condition: 'amount > 1'}]", errors.ErrCodeParse},
		{"bad line", "lines: [{id: l, owner_id: o, steps: []}]", errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.doc))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestCatalogFile_Seed(t *testing.T) {
	f, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, f.Seed(ctx, store, store))

	groups, err := store.ResolveGroupMemberships(ctx, "mia")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "manager", groups[0].ID)
	assert.True(t, groups[0].IsActive)

	groups, err = store.ResolveGroupMemberships(ctx, "old")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.False(t, groups[0].IsActive)

	rules, err := store.FetchActiveRules(ctx, "expense")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "large", rules[0].ID)
	assert.Equal(t, 5, rules[0].RequiredGroup.Priority)

	line, err := store.FetchCandidateLine(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"mia"}, line.ApproveAssignees())

	// Seeding twice replaces rather than duplicates.
	require.NoError(t, f.Seed(ctx, store, nil))
	rules, err = store.FetchActiveRules(ctx, "expense")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestCatalogFile_SeedUnknownGroup(t *testing.T) {
	f, err := ParseCatalog([]byte("rules: [{id: r, subject_id: s, required_group_id: ghost}]"))
	require.NoError(t, err)

	err = f.Seed(context.Background(), memory.NewStore(), nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}
