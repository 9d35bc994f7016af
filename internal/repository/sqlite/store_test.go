package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/workflow"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "routing.db"))
	require.NoError(t, err)
	require.NoError(t, RunMigrations(context.Background(), db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewStore(db)
}

func twoStepLine() *repository.CandidateLine {
	return &repository.CandidateLine{ID: "line-1", OwnerID: "req", Name: "default", Steps: []repository.Step{
		{Order: 1, ApprovalType: repository.AllRequired, Assignments: []repository.Assignment{
			{UserID: "mia", Role: repository.RoleApprove},
			{UserID: "max", Role: repository.RoleApprove},
			{UserID: "rex", Role: repository.RoleReference},
		}},
		{Order: 2, ApprovalType: repository.SingleAllowed, Assignments: []repository.Assignment{
			{UserID: "eve", Role: repository.RoleApprove},
		}},
	}}
}

func submit(t *testing.T, s *Store) *repository.ApprovalRequest {
	t.Helper()
	req, err := workflow.NewRequest("exp-1", "req", twoStepLine(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), req))
	return req
}

func approveAs(actorID string) repository.DecideFunc {
	return func(req *repository.ApprovalRequest, history []*repository.ApprovalHistory) (*repository.StateChange, error) {
		t, err := workflow.Approve(req, history, actorID, "", time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return &t.StateChange, nil
	}
}

func TestStore_Lines(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLine(ctx, twoStepLine()))
	got, err := s.FetchCandidateLine(ctx, "line-1")
	require.NoError(t, err)
	assert.Equal(t, twoStepLine(), got)

	renamed := twoStepLine()
	renamed.Name = "renamed"
	require.NoError(t, s.UpsertLine(ctx, renamed))
	got, err = s.FetchCandidateLine(ctx, "line-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = s.FetchCandidateLine(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	assert.True(t, errors.HasCode(s.UpsertLine(ctx, &repository.CandidateLine{ID: "bad"}), errors.ErrCodeInvalidInput))
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	req := submit(t, s)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, repository.StatusPending, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, req.Line, got.Line)
	assert.Nil(t, got.CompletedAt)

	assert.True(t, errors.HasCode(s.Create(ctx, req), errors.ErrCodeConflict))

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestStore_ApplyWalksTheLine(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	req := submit(t, s)

	got, err := s.Apply(ctx, req.ID, approveAs("mia"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, 2, got.Version)

	_, err = s.Apply(ctx, req.ID, approveAs("mia"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyActed))

	got, err = s.Apply(ctx, req.ID, approveAs("max"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)

	got, err = s.Apply(ctx, req.ID, approveAs("eve"))
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	require.NotNil(t, got.CompletedAt)

	stored, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, stored.Status)
	assert.Equal(t, got.Version, stored.Version)

	history, err := s.History(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "mia", history[0].ApproverID)
	assert.Equal(t, "max", history[1].ApproverID)
	assert.Equal(t, "eve", history[2].ApproverID)
	assert.Equal(t, 2, history[2].StepOrder)
	for _, h := range history {
		assert.Equal(t, req.ID, h.RequestID)
		assert.Equal(t, repository.ActionApprove, h.Action)
	}
}

func TestStore_ApplyViewKeepsVersion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	req := submit(t, s)

	got, err := s.Apply(ctx, req.ID, func(r *repository.ApprovalRequest, _ []*repository.ApprovalHistory) (*repository.StateChange, error) {
		tr, err := workflow.View(r, "rex", time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return &tr.StateChange, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	history, err := s.History(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.ActionView, history[0].Action)
	assert.Equal(t, repository.RoleReference, history[0].Role)
}

func TestStore_ApplyDetectsStaleVersion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	req := submit(t, s)

	// max's decision is taken on version 1; mia commits first.
	_, err := s.Apply(ctx, req.ID, func(r *repository.ApprovalRequest, h []*repository.ApprovalHistory) (*repository.StateChange, error) {
		_, inner := s.Apply(ctx, req.ID, approveAs("mia"))
		require.NoError(t, inner)
		return approveAs("max")(r, h)
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrencyConflict))

	history, err := s.History(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "mia", history[0].ApproverID)

	// A retry sees mia's approval and completes the step.
	got, err := s.Apply(ctx, req.ID, approveAs("max"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 3, got.Version)
}

func TestStore_ApplyErrors(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	req := submit(t, s)

	_, err := s.Apply(ctx, "missing", approveAs("mia"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = s.Apply(ctx, req.ID, approveAs("eve"))
	assert.True(t, errors.Is(err, workflow.ErrNotAuthorized))

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestStore_ListPendingForApprover(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	first := submit(t, s)
	second := submit(t, s)

	pending, err := s.ListPendingForApprover(ctx, "eve")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = s.Apply(ctx, first.ID, func(r *repository.ApprovalRequest, _ []*repository.ApprovalHistory) (*repository.StateChange, error) {
		tr, err := workflow.Cancel(r, "req", false, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return &tr.StateChange, nil
	})
	require.NoError(t, err)

	pending, err = s.ListPendingForApprover(ctx, "eve")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	pending, err = s.ListPendingForApprover(ctx, "rex")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
