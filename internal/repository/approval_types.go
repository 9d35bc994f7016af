package repository

import (
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
)

// ── Domain types for approval routing ────────────────────────────────────────

// AuthorityGroup is an approver group ranked by priority (higher = more senior).
// Two groups may share a priority value.
type AuthorityGroup struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Priority int      `json:"priority" yaml:"priority"`
	IsActive bool     `json:"is_active" yaml:"is_active"`
	Members  []string `json:"members,omitempty" yaml:"members"`
}

// ApprovalRule maps a condition to the authority group that must approve.
// A blank condition always applies. Rules are deactivated, never deleted.
type ApprovalRule struct {
	ID            string         `json:"id" yaml:"id"`
	SubjectID     string         `json:"subject_id" yaml:"subject_id"`
	Condition     string         `json:"condition" yaml:"condition"`
	RequiredGroup AuthorityGroup `json:"required_group" yaml:"-"`
	Order         int            `json:"order" yaml:"order"`
	IsActive      bool           `json:"is_active" yaml:"is_active"`
}

// Role tags an assignment on a line step.
type Role string

const (
	RoleApprove   Role = "approve"
	RoleReference Role = "reference"
)

// ApprovalType decides when a step is complete.
type ApprovalType string

const (
	// AllRequired completes a step once every approve assignee has approved.
	AllRequired ApprovalType = "all_required"
	// SingleAllowed completes a step on the first approval.
	SingleAllowed ApprovalType = "single_allowed"
)

// Assignment places one user on a step.
type Assignment struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   Role   `json:"role" yaml:"role"`
}

// Step is one position in a candidate line.
type Step struct {
	Order        int          `json:"order" yaml:"order"`
	ApprovalType ApprovalType `json:"approval_type" yaml:"approval_type"`
	Assignments  []Assignment `json:"assignments" yaml:"assignments"`
}

// Approvers returns the user ids holding an approve assignment on the step.
func (s Step) Approvers() []string {
	var ids []string
	for _, a := range s.Assignments {
		if a.Role == RoleApprove {
			ids = append(ids, a.UserID)
		}
	}
	return ids
}

// HasRole reports whether userID is assigned to the step with the given role.
func (s Step) HasRole(userID string, role Role) bool {
	for _, a := range s.Assignments {
		if a.UserID == userID && a.Role == role {
			return true
		}
	}
	return false
}

// ReferenceOnly reports whether the step carries no approve assignment.
func (s Step) ReferenceOnly() bool {
	return len(s.Approvers()) == 0
}

// CandidateLine is the proposed ordered approver chain. It is snapshotted into
// an ApprovalRequest at submission and never changes afterwards.
type CandidateLine struct {
	ID      string `json:"id" yaml:"id"`
	OwnerID string `json:"owner_id" yaml:"owner_id"`
	Name    string `json:"name,omitempty" yaml:"name"`
	Steps   []Step `json:"steps" yaml:"steps"`
}

// Check enforces the structural invariants: step orders are contiguous from
// 1, every assignment has a user and a known role, approval types are known,
// and the line has at least one approve assignment overall.
func (l *CandidateLine) Check() error {
	if l == nil || len(l.Steps) == 0 {
		return errors.InvalidInput("steps", "approval line must have at least one step")
	}

	steps := l.SortedSteps()
	approvers := 0
	for i, step := range steps {
		if step.Order != i+1 {
			return errors.InvalidInput("steps", fmt.Sprintf("step orders must be contiguous from 1 (expected %d, got %d)", i+1, step.Order))
		}
		switch step.ApprovalType {
		case AllRequired, SingleAllowed:
		default:
			return errors.InvalidInput("approval_type", fmt.Sprintf("step %d has unknown approval type %q", step.Order, step.ApprovalType))
		}
		if len(step.Assignments) == 0 {
			return errors.InvalidInput("assignments", fmt.Sprintf("step %d has no assignments", step.Order))
		}
		seen := make(map[string]struct{}, len(step.Assignments))
		for _, a := range step.Assignments {
			if a.UserID == "" {
				return errors.InvalidInput("assignments", fmt.Sprintf("step %d has an assignment without a user", step.Order))
			}
			if a.Role != RoleApprove && a.Role != RoleReference {
				return errors.InvalidInput("role", fmt.Sprintf("step %d has unknown role %q", step.Order, a.Role))
			}
			if _, dup := seen[a.UserID]; dup {
				return errors.InvalidInput("assignments", fmt.Sprintf("user %s is assigned twice on step %d", a.UserID, step.Order))
			}
			seen[a.UserID] = struct{}{}
		}
		approvers += len(step.Approvers())
	}
	if approvers == 0 {
		return errors.InvalidInput("steps", "approval line must have at least one approve assignment")
	}
	return nil
}

// SortedSteps returns the steps ordered by Order without modifying the line.
func (l *CandidateLine) SortedSteps() []Step {
	steps := make([]Step, len(l.Steps))
	copy(steps, l.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// StepAt returns the step with the given order.
func (l *CandidateLine) StepAt(order int) (Step, bool) {
	for _, s := range l.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// MaxStep returns the highest step order in the line.
func (l *CandidateLine) MaxStep() int {
	max := 0
	for _, s := range l.Steps {
		if s.Order > max {
			max = s.Order
		}
	}
	return max
}

// ApproveAssignees returns every distinct user holding an approve assignment
// anywhere in the line, in step order.
func (l *CandidateLine) ApproveAssignees() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, step := range l.SortedSteps() {
		for _, id := range step.Approvers() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy, used when snapshotting a line into a request.
func (l *CandidateLine) Clone() *CandidateLine {
	if l == nil {
		return nil
	}
	out := &CandidateLine{ID: l.ID, OwnerID: l.OwnerID, Name: l.Name, Steps: make([]Step, len(l.Steps))}
	for i, s := range l.Steps {
		out.Steps[i] = Step{Order: s.Order, ApprovalType: s.ApprovalType, Assignments: append([]Assignment(nil), s.Assignments...)}
	}
	return out
}

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ApprovalRequest is a submitted request travelling its snapshotted line.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subject_id"`
	RequesterID string         `json:"requester_id"`
	LineID      string         `json:"line_id,omitempty"`
	Line        *CandidateLine `json:"line"`
	CurrentStep int            `json:"current_step"`
	Status      Status         `json:"status"`
	Version     int            `json:"version"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy *string        `json:"cancelled_by,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Line = r.Line.Clone()
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	if r.CancelledBy != nil {
		s := *r.CancelledBy
		out.CancelledBy = &s
	}
	return &out
}

// Action is a history action.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionView    Action = "view"
)

// ApprovalHistory is one immutable record of an approver acting on a request.
type ApprovalHistory struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	StepOrder  int       `json:"step_order"`
	Role       Role      `json:"role"`
	Action     Action    `json:"action"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StateChange is the outcome of one state machine decision: the new request
// state plus the history entry to append with it. Stores apply both in a
// single transaction.
type StateChange struct {
	Status      Status
	CurrentStep int
	CompletedAt *time.Time
	CancelledAt *time.Time
	CancelledBy *string
	Entry       *ApprovalHistory
}

// Mutates reports whether the change must bump the request version: any
// status or step change, and any approve/reject entry, since those decide
// step completion for the next actor.
func (c *StateChange) Mutates(req *ApprovalRequest) bool {
	if c.Status != req.Status || c.CurrentStep != req.CurrentStep ||
		c.CompletedAt != nil || c.CancelledAt != nil {
		return true
	}
	return c.Entry != nil && c.Entry.Action != ActionView
}

// ApplyTo copies the change onto req and bumps its version.
func (c *StateChange) ApplyTo(req *ApprovalRequest, now time.Time) {
	req.Status = c.Status
	req.CurrentStep = c.CurrentStep
	if c.CompletedAt != nil {
		req.CompletedAt = c.CompletedAt
	}
	if c.CancelledAt != nil {
		req.CancelledAt = c.CancelledAt
		req.CancelledBy = c.CancelledBy
	}
	req.Version++
	req.UpdatedAt = now
}

// DecideFunc inspects the locked request and its history and returns the
// change to persist. Returning an error aborts the transaction.
type DecideFunc func(req *ApprovalRequest, history []*ApprovalHistory) (*StateChange, error)
