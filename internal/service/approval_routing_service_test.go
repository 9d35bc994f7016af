package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-routing/internal/catalog"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/logger"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/repository/memory"
	"github.com/pesio-ai/be-approval-routing/internal/repository/sqlite"
	"github.com/pesio-ai/be-approval-routing/internal/workflow"
)

type publishedEvent struct {
	event      workflow.Event
	requestID  string
	actorID    string
	recipients []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishApprovalEvent(_ context.Context, event workflow.Event, req *repository.ApprovalRequest, actorID string, recipients []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{event: event, requestID: req.ID, actorID: actorID, recipients: recipients})
}

func (p *recordingPublisher) names() []workflow.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]workflow.Event, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.event)
	}
	return out
}

type fixture struct {
	svc       *ApprovalRoutingService
	store     *memory.Store
	publisher *recordingPublisher
}

// newFixture seeds a small organisation:
//
//	staff (1): sam, req    manager (5): mia, max    exec (10): eve
//
// and two expense rules: > 100000 needs a manager, > 300000 needs an exec.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := seededStore(t)
	f := &fixture{store: store, publisher: &recordingPublisher{}}
	f.svc = f.newService(store, store)
	return f
}

// newSQLiteFixture keeps requests and lines in SQLite and everything else in
// the seeded memory store.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "routing.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.RunMigrations(context.Background(), db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	requests := sqlite.NewStore(db)
	store := seededStore(t)
	f := &fixture{store: store, publisher: &recordingPublisher{}}
	f.svc = f.newService(requests, requests)
	return f
}

func (f *fixture) newService(lines LineSource, requests RequestStore) *ApprovalRoutingService {
	cat := catalog.New(f.store, catalog.NewCache(time.Minute), zerolog.Nop())
	return NewApprovalRoutingService(cat, f.store, lines, requests, f.publisher, Options{
		AdministratorIDs:   []string{"admin"},
		MaxConflictRetries: 3,
	}, logger.Nop())
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	store.PutGroup(repository.AuthorityGroup{ID: "staff", Name: "Staff", Priority: 1, IsActive: true, Members: []string{"sam", "req"}})
	store.PutGroup(repository.AuthorityGroup{ID: "manager", Name: "Manager", Priority: 5, IsActive: true, Members: []string{"mia", "max"}})
	store.PutGroup(repository.AuthorityGroup{ID: "exec", Name: "Exec", Priority: 10, IsActive: true, Members: []string{"eve"}})
	require.NoError(t, store.PutRule(repository.ApprovalRule{
		ID: "r-mgr", SubjectID: "expense", Condition: "#amount > 100000", Order: 1, IsActive: true,
		RequiredGroup: repository.AuthorityGroup{ID: "manager"},
	}))
	require.NoError(t, store.PutRule(repository.ApprovalRule{
		ID: "r-exec", SubjectID: "expense", Condition: "#amount > 300000", Order: 2, IsActive: true,
		RequiredGroup: repository.AuthorityGroup{ID: "exec"},
	}))

	return store
}

func approvers(typ repository.ApprovalType, ids ...string) repository.Step {
	s := repository.Step{ApprovalType: typ}
	for _, id := range ids {
		s.Assignments = append(s.Assignments, repository.Assignment{UserID: id, Role: repository.RoleApprove})
	}
	return s
}

func lineOf(steps ...repository.Step) *repository.CandidateLine {
	line := &repository.CandidateLine{OwnerID: "req"}
	for i, s := range steps {
		s.Order = i + 1
		line.Steps = append(line.Steps, s)
	}
	return line
}

func (f *fixture) submit(t *testing.T, amount int, line *repository.CandidateLine) *repository.ApprovalRequest {
	t.Helper()
	req, outcome, err := f.svc.SubmitRequest(context.Background(), SubmitInput{
		SubjectID:   "expense",
		RequesterID: "req",
		Line:        line,
		Context:     expression.Context{"amount": amount},
	})
	require.NoError(t, err)
	require.True(t, outcome.Satisfied)
	return req
}

func TestEvaluateAndCheckCondition(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.svc.EvaluateCondition("#amount > 100000", expression.Context{"amount": 150000}))
	assert.False(t, f.svc.EvaluateCondition("#amount > 100000", expression.Context{"amount": 50000}))
	assert.False(t, f.svc.EvaluateCondition("amount >", expression.Context{"amount": 1}))

	assert.NoError(t, f.svc.CheckCondition("#금액 >= 5"))
	err := f.svc.CheckCondition("#amount >")
	assert.True(t, errors.HasCode(err, errors.ErrCodeParse))
}

func TestValidateLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 400000}, lineOf(approvers(repository.SingleAllowed, "mia")), "req")
	require.NoError(t, err)
	assert.False(t, outcome.Satisfied)
	assert.Equal(t, []string{"Exec"}, outcome.MissingNames())

	outcome, err = f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 400000}, lineOf(approvers(repository.SingleAllowed, "mia"), approvers(repository.SingleAllowed, "eve")), "req")
	require.NoError(t, err)
	assert.True(t, outcome.Satisfied)

	outcome, err = f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 400000}, lineOf(approvers(repository.SingleAllowed, "sam")), "eve")
	require.NoError(t, err)
	assert.True(t, outcome.Satisfied, "an exec submitter outranks every rule")

	outcome, err = f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 150000}, lineOf(approvers(repository.SingleAllowed, "eve")), "req")
	require.NoError(t, err)
	assert.True(t, outcome.Satisfied)
	require.Len(t, outcome.Excessive, 1)
	assert.Equal(t, "Exec", outcome.Excessive[0].Name)

	_, err = f.svc.ValidateLine(ctx, "", nil, nil, "req")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestSubmitRequest_Blocked(t *testing.T) {
	f := newFixture(t)

	req, outcome, err := f.svc.SubmitRequest(context.Background(), SubmitInput{
		SubjectID:   "expense",
		RequesterID: "req",
		Line:        lineOf(approvers(repository.SingleAllowed, "sam")),
		Context:     expression.Context{"amount": 500000},
	})
	require.Error(t, err)
	assert.Nil(t, req)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
	assert.Contains(t, err.Error(), "Exec, Manager")
	require.NotNil(t, outcome)
	assert.Equal(t, []string{"Exec", "Manager"}, outcome.MissingNames())
	assert.Empty(t, f.publisher.names())
}

func TestSubmitRequest_SavedLine(t *testing.T) {
	f := newFixture(t)
	saved := lineOf(approvers(repository.SingleAllowed, "mia"))
	saved.ID = "line-saved"
	require.NoError(t, f.store.PutLine(saved))

	req, _, err := f.svc.SubmitRequest(context.Background(), SubmitInput{
		SubjectID: "expense", RequesterID: "req", LineID: "line-saved",
		Context: expression.Context{"amount": 200000},
	})
	require.NoError(t, err)
	assert.Equal(t, "line-saved", req.LineID)

	_, _, err = f.svc.SubmitRequest(context.Background(), SubmitInput{SubjectID: "expense", RequesterID: "req", LineID: "ghost"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, _, err = f.svc.SubmitRequest(context.Background(), SubmitInput{SubjectID: "expense", RequesterID: "req"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestApprove_AllRequiredThenNextStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 150000, lineOf(
		approvers(repository.AllRequired, "mia", "max"),
		approvers(repository.SingleAllowed, "eve"),
	))

	got, err := f.svc.Approve(ctx, req.ID, "mia", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status)
	assert.Equal(t, 1, got.CurrentStep)

	pending, err := f.svc.GetPendingApprovals(ctx, "max")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	pending, err = f.svc.GetPendingApprovals(ctx, "mia")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err = f.svc.Approve(ctx, req.ID, "max", "fine")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)

	got, err = f.svc.Approve(ctx, req.ID, "eve", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	assert.NotNil(t, got.CompletedAt)

	history, err := f.svc.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	assert.Equal(t, []workflow.Event{workflow.EventSubmitted, workflow.EventStepAdvanced, workflow.EventApproved}, f.publisher.names())
	assert.Equal(t, []string{"mia", "max"}, f.publisher.events[0].recipients)
	assert.Equal(t, []string{"eve"}, f.publisher.events[1].recipients)
	assert.Equal(t, []string{"req"}, f.publisher.events[2].recipients)
}

func TestApprove_IdempotentThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 150000, lineOf(approvers(repository.AllRequired, "mia", "max")))

	_, err := f.svc.Approve(ctx, req.ID, "mia", "")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, req.ID, "mia", "")
	assert.True(t, errors.Is(err, workflow.ErrAlreadyActed))

	history, err := f.svc.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestReject_CommentRequiredThenRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 150000, lineOf(approvers(repository.SingleAllowed, "mia")))

	_, err := f.svc.Reject(ctx, req.ID, "mia", " ")
	assert.True(t, errors.Is(err, workflow.ErrCommentRequired))

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status)

	got, err = f.svc.Reject(ctx, req.ID, "mia", "receipt missing")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, got.Status)

	_, err = f.svc.Approve(ctx, req.ID, "mia", "")
	assert.True(t, errors.Is(err, workflow.ErrAlreadyFinalized))
}

func TestViewAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := lineOf(approvers(repository.SingleAllowed, "mia"))
	line.Steps[0].Assignments = append(line.Steps[0].Assignments, repository.Assignment{UserID: "sam", Role: repository.RoleReference})
	req := f.submit(t, 150000, line)

	_, err := f.svc.View(ctx, req.ID, "sam")
	require.NoError(t, err)
	_, err = f.svc.View(ctx, req.ID, "mia")
	assert.True(t, errors.Is(err, workflow.ErrNotAuthorized))

	_, err = f.svc.Cancel(ctx, req.ID, "mia")
	assert.True(t, errors.Is(err, workflow.ErrNotAuthorized))

	got, err := f.svc.Cancel(ctx, req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, "admin", *got.CancelledBy)

	history, err := f.svc.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.ActionView, history[0].Action)

	_, err = f.svc.Cancel(ctx, req.ID, "req")
	assert.True(t, errors.Is(err, workflow.ErrAlreadyFinalized))
}

func TestActInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, "", "mia", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	_, err = f.svc.Approve(ctx, "r", "", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	_, err = f.svc.Approve(ctx, "missing", "mia", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	_, err = f.svc.GetHistory(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestConcurrentApprovalsAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := []string{"mia", "max", "sam", "eve"}
	req := f.submit(t, 150000, lineOf(
		approvers(repository.AllRequired, team...),
		approvers(repository.SingleAllowed, "zed"),
	))

	var wg sync.WaitGroup
	errs := make(chan error, len(team)*2)
	for _, id := range team {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				_, err := f.svc.Approve(ctx, req.ID, actor, "")
				errs <- err
			}(id)
		}
	}
	wg.Wait()
	close(errs)

	succeeded, acted := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, workflow.ErrAlreadyActed), errors.Is(err, workflow.ErrNotAuthorized):
			// a duplicate that arrives after the step advanced is no longer an approver
			acted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, len(team), succeeded)
	assert.Equal(t, len(team), acted)

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, repository.StatusPending, got.Status)

	history, err := f.svc.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(team))

	advanced := 0
	for _, e := range f.publisher.names() {
		if e == workflow.EventStepAdvanced {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)
}

func TestConcurrentApproveAndRejectFinishOnce(t *testing.T) {
	fixtures := map[string]func(*testing.T) *fixture{
		"memory": newFixture,
		"sqlite": newSQLiteFixture,
	}
	for name, newF := range fixtures {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				req := f.submit(t, 150000, lineOf(approvers(repository.SingleAllowed, "mia", "max")))

				start := make(chan struct{})
				var wg sync.WaitGroup
				var approveErr, rejectErr error
				wg.Add(2)
				go func() {
					defer wg.Done()
					<-start
					_, approveErr = f.svc.Approve(ctx, req.ID, "mia", "")
				}()
				go func() {
					defer wg.Done()
					<-start
					_, rejectErr = f.svc.Reject(ctx, req.ID, "max", "over budget")
				}()
				close(start)
				wg.Wait()

				got, err := f.svc.GetRequest(ctx, req.ID)
				require.NoError(t, err)
				history, err := f.svc.GetHistory(ctx, req.ID)
				require.NoError(t, err)
				require.Len(t, history, 1, "exactly one decisive entry")

				switch got.Status {
				case repository.StatusApproved:
					require.NoError(t, approveErr)
					assert.True(t, errors.Is(rejectErr, workflow.ErrAlreadyFinalized), "reject: %v", rejectErr)
					assert.Equal(t, repository.ActionApprove, history[0].Action)
					assert.Equal(t, "mia", history[0].ApproverID)
				case repository.StatusRejected:
					require.NoError(t, rejectErr)
					assert.True(t, errors.Is(approveErr, workflow.ErrAlreadyFinalized), "approve: %v", approveErr)
					assert.Equal(t, repository.ActionReject, history[0].Action)
					assert.Equal(t, "max", history[0].ApproverID)
				default:
					t.Fatalf("request %s ended %s", req.ID, got.Status)
				}
				assert.Equal(t, 2, got.Version)
				require.NotNil(t, got.CompletedAt)
			}

			finished := 0
			for _, e := range f.publisher.names() {
				if e == workflow.EventApproved || e == workflow.EventRejected {
					finished++
				}
			}
			assert.Equal(t, 10, finished)
		})
	}
}

// conflictingStore fails the first n Apply calls with a concurrency conflict.
type conflictingStore struct {
	RequestStore
	mu    sync.Mutex
	n     int
	calls int
}

func (c *conflictingStore) Apply(ctx context.Context, id string, decide repository.DecideFunc) (*repository.ApprovalRequest, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.n
	c.mu.Unlock()
	if fail {
		return nil, errors.New(errors.ErrCodeConcurrencyConflict, "version changed")
	}
	return c.RequestStore.Apply(ctx, id, decide)
}

func TestConflictRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 150000, lineOf(approvers(repository.SingleAllowed, "mia")))

	flaky := &conflictingStore{RequestStore: f.store, n: 2}
	svc := NewApprovalRoutingService(f.svc.catalog, f.store, f.store, flaky, nil, Options{MaxConflictRetries: 2}, logger.Nop())
	got, err := svc.Approve(ctx, req.ID, "mia", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	assert.Equal(t, 3, flaky.calls)

	req = f.submit(t, 150000, lineOf(approvers(repository.SingleAllowed, "mia")))
	hopeless := &conflictingStore{RequestStore: f.store, n: 10}
	svc = NewApprovalRoutingService(f.svc.catalog, f.store, f.store, hopeless, nil, Options{MaxConflictRetries: 1}, logger.Nop())
	_, err = svc.Approve(ctx, req.ID, "mia", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrencyConflict))
	assert.Equal(t, 2, hopeless.calls)

	denied := &conflictingStore{RequestStore: f.store}
	svc = NewApprovalRoutingService(f.svc.catalog, f.store, f.store, denied, nil, Options{MaxConflictRetries: 5}, logger.Nop())
	_, err = svc.Approve(ctx, req.ID, "sam", "")
	assert.True(t, errors.Is(err, workflow.ErrNotAuthorized))
	assert.Equal(t, 1, denied.calls, "policy errors are never retried")
}

func TestInvalidateRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := lineOf(approvers(repository.SingleAllowed, "sam"))

	outcome, err := f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 50000}, line, "req")
	require.NoError(t, err)
	assert.True(t, outcome.Satisfied)

	require.NoError(t, f.store.PutRule(repository.ApprovalRule{
		ID: "r-all", SubjectID: "expense", Order: 0, IsActive: true,
		RequiredGroup: repository.AuthorityGroup{ID: "manager"},
	}))

	outcome, err = f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 50000}, line, "req")
	require.NoError(t, err)
	assert.True(t, outcome.Satisfied, "cached rules are served until invalidated")

	f.svc.InvalidateRules("expense")
	outcome, err = f.svc.ValidateLine(ctx, "expense", expression.Context{"amount": 50000}, line, "req")
	require.NoError(t, err)
	assert.False(t, outcome.Satisfied)

	f.svc.InvalidateRules("")
}
