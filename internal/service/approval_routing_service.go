package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-approval-routing/internal/catalog"
	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/logger"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/tracing"
	"github.com/pesio-ai/be-approval-routing/internal/validator"
	"github.com/pesio-ai/be-approval-routing/internal/workflow"
)

// Directory resolves a user's authority group memberships.
type Directory interface {
	ResolveGroupMemberships(ctx context.Context, userID string) ([]repository.AuthorityGroup, error)
}

// LineSource loads a saved candidate line by id.
type LineSource interface {
	FetchCandidateLine(ctx context.Context, lineID string) (*repository.CandidateLine, error)
}

// RequestStore persists approval requests and their history.
//
// Apply is the only mutation path after Create: it loads the request and its
// history under the store's concurrency discipline, calls decide, then
// persists the new status/step together with the history entry in one
// transaction. A lost optimistic race surfaces as ErrCodeConcurrencyConflict.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	Get(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	History(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error)
	Apply(ctx context.Context, requestID string, decide repository.DecideFunc) (*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error)
}

// EventPublisher announces lifecycle events. Implementations must not block
// the caller on delivery failures.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, event workflow.Event, req *repository.ApprovalRequest, actorID string, recipients []string)
}

// Options tunes the routing service.
type Options struct {
	AdministratorIDs   []string
	MaxConflictRetries int
	Clock              func() time.Time
}

// ApprovalRoutingService exposes the routing engine: condition evaluation,
// line validation, submission and the approval state machine.
type ApprovalRoutingService struct {
	catalog    *catalog.Catalog
	directory  Directory
	lines      LineSource
	store      RequestStore
	publisher  EventPublisher
	admins     map[string]struct{}
	maxRetries int
	now        func() time.Time
	log        *logger.Logger
}

// NewApprovalRoutingService creates a new ApprovalRoutingService. lines and
// publisher may be nil.
func NewApprovalRoutingService(
	cat *catalog.Catalog,
	directory Directory,
	lines LineSource,
	store RequestStore,
	publisher EventPublisher,
	opts Options,
	log *logger.Logger,
) *ApprovalRoutingService {
	admins := make(map[string]struct{}, len(opts.AdministratorIDs))
	for _, id := range opts.AdministratorIDs {
		admins[id] = struct{}{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	retries := opts.MaxConflictRetries
	if retries < 0 {
		retries = 0
	}
	return &ApprovalRoutingService{
		catalog:    cat,
		directory:  directory,
		lines:      lines,
		store:      store,
		publisher:  publisher,
		admins:     admins,
		maxRetries: retries,
		now:        clock,
		log:        log,
	}
}

// ── Conditions ────────────────────────────────────────────────────────────────

// EvaluateCondition evaluates a condition against evalCtx. Malformed
// conditions evaluate to false.
func (s *ApprovalRoutingService) EvaluateCondition(text string, evalCtx expression.Context) bool {
	p, err := s.catalog.Compile(text)
	if err != nil {
		return false
	}
	return p.Evaluate(evalCtx)
}

// CheckCondition reports a ParseError for malformed condition text. Used at
// rule-authoring time.
func (s *ApprovalRoutingService) CheckCondition(text string) error {
	_, err := s.catalog.Compile(text)
	return err
}

// InvalidateRules drops the cached rules of one subject, or every cached
// rule when subjectID is empty.
func (s *ApprovalRoutingService) InvalidateRules(subjectID string) {
	if subjectID == "" {
		s.catalog.Cache().Purge()
		s.log.Info().Msg("Rule cache purged")
		return
	}
	s.catalog.Cache().Invalidate(subjectID)
	s.log.Info().Str("subject_id", subjectID).Msg("Rule cache invalidated")
}

// ── Validation ────────────────────────────────────────────────────────────────

// ValidateLine checks a candidate line against the subject's applicable
// rules. An unsatisfied line is reported in the outcome, not as an error.
func (s *ApprovalRoutingService) ValidateLine(
	ctx context.Context,
	subjectID string,
	evalCtx expression.Context,
	line *repository.CandidateLine,
	actingUserID string,
) (outcome *validator.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.validate_line", map[string]string{"subject_id": subjectID})
	defer func() { span.End(err) }()

	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.InvalidInput("subject_id", "subject id is required")
	}

	rules, err := s.catalog.ApplicableRules(ctx, subjectID, evalCtx)
	if err != nil {
		return nil, err
	}

	var actingGroups []repository.AuthorityGroup
	if actingUserID != "" {
		actingGroups, err = s.directory.ResolveGroupMemberships(ctx, actingUserID)
		if err != nil {
			return nil, err
		}
	}

	memberships := make(validator.Memberships)
	if line != nil {
		for _, userID := range line.ApproveAssignees() {
			groups, err := s.directory.ResolveGroupMemberships(ctx, userID)
			if err != nil {
				return nil, err
			}
			memberships[userID] = groups
		}
	}

	result := validator.Validate(rules, line, actingGroups, memberships)

	s.log.Debug().
		Str("subject_id", subjectID).
		Int("applicable_rules", len(rules)).
		Bool("satisfied", result.Satisfied).
		Strs("missing", result.MissingNames()).
		Msg("Approval line validated")

	return &result, nil
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitInput describes a new approval request. Line takes precedence over
// LineID; one of them is required.
type SubmitInput struct {
	SubjectID   string
	RequesterID string
	LineID      string
	Line        *repository.CandidateLine
	Context     expression.Context
}

// SubmitRequest validates the line and, when satisfied, snapshots it into a
// new pending request. An unsatisfied line returns the outcome together with
// a VALIDATION_FAILED error naming the missing groups.
func (s *ApprovalRoutingService) SubmitRequest(
	ctx context.Context,
	in SubmitInput,
) (req *repository.ApprovalRequest, outcome *validator.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.submit", map[string]string{
		"subject_id":   in.SubjectID,
		"requester_id": in.RequesterID,
	})
	defer func() { span.End(err) }()

	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, nil, errors.InvalidInput("requester_id", "requester id is required")
	}

	line := in.Line
	if line == nil {
		if in.LineID == "" {
			return nil, nil, errors.InvalidInput("line", "a candidate line or line id is required")
		}
		if s.lines == nil {
			return nil, nil, errors.InvalidInput("line_id", "saved lines are not available")
		}
		line, err = s.lines.FetchCandidateLine(ctx, in.LineID)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := line.Check(); err != nil {
		return nil, nil, err
	}

	outcome, err = s.ValidateLine(ctx, in.SubjectID, in.Context, line, in.RequesterID)
	if err != nil {
		return nil, nil, err
	}
	if !outcome.Satisfied {
		s.log.Info().
			Str("subject_id", in.SubjectID).
			Str("requester_id", in.RequesterID).
			Strs("missing", outcome.MissingNames()).
			Msg("Approval request blocked by missing authority")
		return nil, outcome, errors.New(errors.ErrCodeValidationFailed, outcome.Message())
	}

	req, err = workflow.NewRequest(in.SubjectID, in.RequesterID, line, s.now())
	if err != nil {
		return nil, outcome, err
	}
	if req.LineID == "" {
		req.LineID = in.LineID
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, outcome, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("subject_id", req.SubjectID).
		Int("steps", req.Line.MaxStep()).
		Int("current_step", req.CurrentStep).
		Msg("Approval request submitted")

	s.publish(ctx, workflow.EventSubmitted, req, in.RequesterID)
	return req, outcome, nil
}

// ── State transitions ─────────────────────────────────────────────────────────

// Approve records an approval on the request's current step.
func (s *ApprovalRoutingService) Approve(ctx context.Context, requestID, actorID, comment string) (*repository.ApprovalRequest, error) {
	return s.act(ctx, "approve", requestID, actorID, func(req *repository.ApprovalRequest, history []*repository.ApprovalHistory) (*workflow.Transition, error) {
		return workflow.Approve(req, history, actorID, comment, s.now())
	})
}

// Reject rejects the request. comment must be non-blank.
func (s *ApprovalRoutingService) Reject(ctx context.Context, requestID, actorID, comment string) (*repository.ApprovalRequest, error) {
	return s.act(ctx, "reject", requestID, actorID, func(req *repository.ApprovalRequest, history []*repository.ApprovalHistory) (*workflow.Transition, error) {
		return workflow.Reject(req, history, actorID, comment, s.now())
	})
}

// View records a reference assignee's view.
func (s *ApprovalRoutingService) View(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	return s.act(ctx, "view", requestID, actorID, func(req *repository.ApprovalRequest, _ []*repository.ApprovalHistory) (*workflow.Transition, error) {
		return workflow.View(req, actorID, s.now())
	})
}

// Cancel withdraws a pending request on behalf of its requester or an
// administrator.
func (s *ApprovalRoutingService) Cancel(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	_, isAdmin := s.admins[actorID]
	return s.act(ctx, "cancel", requestID, actorID, func(req *repository.ApprovalRequest, _ []*repository.ApprovalHistory) (*workflow.Transition, error) {
		return workflow.Cancel(req, actorID, isAdmin, s.now())
	})
}

type decision func(req *repository.ApprovalRequest, history []*repository.ApprovalHistory) (*workflow.Transition, error)

// act runs one state machine decision through the store. Only concurrency
// conflicts are retried, each time from a fresh read.
func (s *ApprovalRoutingService) act(
	ctx context.Context,
	op, requestID, actorID string,
	decide decision,
) (updated *repository.ApprovalRequest, err error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, errors.InvalidInput("actor_id", "actor id is required")
	}

	ctx, span := tracing.StartSpan(ctx, "approval."+op, map[string]string{
		"request_id": requestID,
		"actor_id":   actorID,
	})
	defer func() { span.End(err) }()

	var transition *workflow.Transition
	for attempt := 0; ; attempt++ {
		transition = nil
		updated, err = s.store.Apply(ctx, requestID, func(req *repository.ApprovalRequest, history []*repository.ApprovalHistory) (*repository.StateChange, error) {
			t, err := decide(req, history)
			if err != nil {
				return nil, err
			}
			transition = t
			return &t.StateChange, nil
		})
		if err == nil || !errors.HasCode(err, errors.ErrCodeConcurrencyConflict) || attempt >= s.maxRetries {
			break
		}
		s.log.Debug().
			Str("request_id", requestID).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("Concurrent update on approval request; retrying")
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("op", op).
		Str("transition", transition.Describe()).
		Msg("Approval action recorded")

	s.publish(ctx, transition.Event, updated, actorID)
	return updated, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (s *ApprovalRoutingService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.store.Get(ctx, requestID)
}

// GetHistory returns the request's history in append order.
func (s *ApprovalRoutingService) GetHistory(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error) {
	if _, err := s.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, requestID)
}

// GetPendingApprovals returns the pending requests on which userID must act
// at the current step.
func (s *ApprovalRoutingService) GetPendingApprovals(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	candidates, err := s.store.ListPendingForApprover(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending := make([]*repository.ApprovalRequest, 0, len(candidates))
	for _, req := range candidates {
		history, err := s.store.History(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if workflow.IsPendingFor(req, history, userID) {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// publish announces an event to the users who care about it. Never fails.
func (s *ApprovalRoutingService) publish(ctx context.Context, event workflow.Event, req *repository.ApprovalRequest, actorID string) {
	if s.publisher == nil || event == workflow.EventNone {
		return
	}
	s.publisher.PublishApprovalEvent(ctx, event, req, actorID, recipientsFor(event, req))
}

// recipientsFor returns the approvers of the current step while the request
// is moving, and the requester once it is finished.
func recipientsFor(event workflow.Event, req *repository.ApprovalRequest) []string {
	switch event {
	case workflow.EventSubmitted, workflow.EventStepAdvanced:
		step, ok := req.Line.StepAt(req.CurrentStep)
		if !ok {
			return nil
		}
		return step.Approvers()
	default:
		return []string{req.RequesterID}
	}
}
