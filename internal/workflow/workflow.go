// Package workflow is the approval request state machine.
//
// Every function is a pure decision over a request snapshot and its history:
// it returns the transition to persist and never mutates its inputs. Stores
// apply the transition and its history entry in one transaction.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// Sentinels for errors.Is. Returned errors carry the same code with a
// request-specific message.
var (
	ErrAlreadyFinalized = errors.New(errors.ErrCodeAlreadyFinalized, "")
	ErrNotAuthorized    = errors.New(errors.ErrCodeNotAuthorized, "")
	ErrAlreadyActed     = errors.New(errors.ErrCodeAlreadyActed, "")
	ErrCommentRequired  = errors.New(errors.ErrCodeCommentRequired, "")
)

// Event names a lifecycle change worth announcing.
type Event string

const (
	EventNone         Event = ""
	EventSubmitted    Event = "request_submitted"
	EventStepAdvanced Event = "step_advanced"
	EventApproved     Event = "request_approved"
	EventRejected     Event = "request_rejected"
	EventCancelled    Event = "request_cancelled"
)

// Transition is a decided state change plus what it means for observers.
type Transition struct {
	repository.StateChange
	StepCompleted bool
	Event         Event
}

var newID = uuid.NewString

// NewRequest snapshots line into a pending request. The current step is the
// first step that carries an approve assignment.
func NewRequest(subjectID, requesterID string, line *repository.CandidateLine, now time.Time) (*repository.ApprovalRequest, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.InvalidInput("subject_id", "subject id is required")
	}
	if strings.TrimSpace(requesterID) == "" {
		return nil, errors.InvalidInput("requester_id", "requester id is required")
	}
	if err := line.Check(); err != nil {
		return nil, err
	}

	snapshot := line.Clone()
	first, ok := nextApproveStep(snapshot, 0)
	if !ok {
		return nil, errors.InvalidInput("steps", "approval line must have at least one approve assignment")
	}

	return &repository.ApprovalRequest{
		ID:          newID(),
		SubjectID:   subjectID,
		RequesterID: requesterID,
		LineID:      snapshot.ID,
		Line:        snapshot,
		CurrentStep: first,
		Status:      repository.StatusPending,
		Version:     1,
		SubmittedAt: now,
		UpdatedAt:   now,
	}, nil
}

// Approve records actorID's approval of the current step and completes the
// step when its approval type is satisfied.
func Approve(req *repository.ApprovalRequest, history []*repository.ApprovalHistory, actorID, comment string, now time.Time) (*Transition, error) {
	step, err := checkActor(req, history, actorID)
	if err != nil {
		return nil, err
	}

	t := unchanged(req)
	t.Entry = entry(req, actorID, step.Order, repository.RoleApprove, repository.ActionApprove, comment, now)

	if !stepComplete(step, history, actorID) {
		return t, nil
	}

	t.StepCompleted = true
	next, ok := nextApproveStep(req.Line, step.Order)
	if !ok {
		t.Status = repository.StatusApproved
		t.CompletedAt = &now
		t.Event = EventApproved
		return t, nil
	}
	t.CurrentStep = next
	t.Event = EventStepAdvanced
	return t, nil
}

// Reject ends the request immediately. A non-blank comment is required.
func Reject(req *repository.ApprovalRequest, history []*repository.ApprovalHistory, actorID, comment string, now time.Time) (*Transition, error) {
	step, err := checkActor(req, history, actorID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(comment) == "" {
		return nil, errors.Newf(errors.ErrCodeCommentRequired, "a comment is required to reject request %s", req.ID)
	}

	t := unchanged(req)
	t.Entry = entry(req, actorID, step.Order, repository.RoleApprove, repository.ActionReject, comment, now)
	t.Status = repository.StatusRejected
	t.CompletedAt = &now
	t.Event = EventRejected
	return t, nil
}

// View records that a reference assignee looked at the request. It is
// allowed in any status, may repeat, and never changes status or step. The
// entry is recorded against the latest reached step that lists actorID as a
// reference.
func View(req *repository.ApprovalRequest, actorID string, now time.Time) (*Transition, error) {
	reached := reachedStep(req)
	order := 0
	for _, step := range req.Line.SortedSteps() {
		if step.Order > reached {
			break
		}
		if step.HasRole(actorID, repository.RoleReference) {
			order = step.Order
		}
	}
	if order == 0 {
		return nil, errors.Newf(errors.ErrCodeNotAuthorized, "user %s is not a reference on request %s", actorID, req.ID)
	}

	t := unchanged(req)
	t.Entry = entry(req, actorID, order, repository.RoleReference, repository.ActionView, "", now)
	return t, nil
}

// Cancel withdraws a pending request. Only the requester or an administrator
// may cancel; no history entry is written.
func Cancel(req *repository.ApprovalRequest, actorID string, isAdmin bool, now time.Time) (*Transition, error) {
	if req.Status.IsTerminal() {
		return nil, finalized(req)
	}
	if actorID != req.RequesterID && !isAdmin {
		return nil, errors.Newf(errors.ErrCodeNotAuthorized, "user %s may not cancel request %s", actorID, req.ID)
	}

	t := unchanged(req)
	by := actorID
	t.Status = repository.StatusCancelled
	t.CancelledAt = &now
	t.CancelledBy = &by
	t.Event = EventCancelled
	return t, nil
}

// ActedAt reports whether actorID already approved or rejected the step.
func ActedAt(history []*repository.ApprovalHistory, actorID string, step int) bool {
	for _, h := range history {
		if h.ApproverID == actorID && h.StepOrder == step &&
			(h.Action == repository.ActionApprove || h.Action == repository.ActionReject) {
			return true
		}
	}
	return false
}

// IsPendingFor reports whether userID must still act on req's current step.
func IsPendingFor(req *repository.ApprovalRequest, history []*repository.ApprovalHistory, userID string) bool {
	if req.Status != repository.StatusPending {
		return false
	}
	step, ok := req.Line.StepAt(req.CurrentStep)
	if !ok || !step.HasRole(userID, repository.RoleApprove) {
		return false
	}
	return !ActedAt(history, userID, step.Order)
}

// checkActor runs the shared approve/reject preconditions in order:
// finalized, authorized, already acted.
func checkActor(req *repository.ApprovalRequest, history []*repository.ApprovalHistory, actorID string) (repository.Step, error) {
	if req.Status.IsTerminal() {
		return repository.Step{}, finalized(req)
	}
	step, ok := req.Line.StepAt(req.CurrentStep)
	if !ok || !step.HasRole(actorID, repository.RoleApprove) {
		return repository.Step{}, errors.Newf(errors.ErrCodeNotAuthorized,
			"user %s is not an approver on step %d of request %s", actorID, req.CurrentStep, req.ID)
	}
	if ActedAt(history, actorID, step.Order) {
		return repository.Step{}, errors.Newf(errors.ErrCodeAlreadyActed,
			"user %s already acted on step %d of request %s", actorID, step.Order, req.ID)
	}
	return step, nil
}

func finalized(req *repository.ApprovalRequest) error {
	return errors.Newf(errors.ErrCodeAlreadyFinalized, "request %s is already %s", req.ID, req.Status)
}

// stepComplete reports whether the step is complete once actorID's approval
// is counted.
func stepComplete(step repository.Step, history []*repository.ApprovalHistory, actorID string) bool {
	if step.ApprovalType == repository.SingleAllowed {
		return true
	}
	for _, id := range step.Approvers() {
		if id == actorID {
			continue
		}
		if !approvedAt(history, id, step.Order) {
			return false
		}
	}
	return true
}

func approvedAt(history []*repository.ApprovalHistory, userID string, step int) bool {
	for _, h := range history {
		if h.ApproverID == userID && h.StepOrder == step && h.Action == repository.ActionApprove {
			return true
		}
	}
	return false
}

// reachedStep is the highest step order the request has reached. An
// approved request has passed every step, including trailing reference-only
// steps that CurrentStep never lands on. Rejected and cancelled requests
// stop at their current step.
func reachedStep(req *repository.ApprovalRequest) int {
	if req.Status == repository.StatusApproved {
		return req.Line.MaxStep()
	}
	return req.CurrentStep
}

// nextApproveStep returns the first step after `after` that has an approve
// assignment. Reference-only steps are passed through.
func nextApproveStep(line *repository.CandidateLine, after int) (int, bool) {
	for _, step := range line.SortedSteps() {
		if step.Order > after && !step.ReferenceOnly() {
			return step.Order, true
		}
	}
	return 0, false
}

func unchanged(req *repository.ApprovalRequest) *Transition {
	return &Transition{StateChange: repository.StateChange{
		Status:      req.Status,
		CurrentStep: req.CurrentStep,
	}}
}

func entry(req *repository.ApprovalRequest, actorID string, step int, role repository.Role, action repository.Action, comment string, now time.Time) *repository.ApprovalHistory {
	return &repository.ApprovalHistory{
		ID:         newID(),
		RequestID:  req.ID,
		ApproverID: actorID,
		StepOrder:  step,
		Role:       role,
		Action:     action,
		Comment:    strings.TrimSpace(comment),
		CreatedAt:  now,
	}
}

// Describe renders a transition for logs.
func (t *Transition) Describe() string {
	if t.Event == EventNone {
		return fmt.Sprintf("status=%s step=%d", t.Status, t.CurrentStep)
	}
	return fmt.Sprintf("%s status=%s step=%d", t.Event, t.Status, t.CurrentStep)
}
