// Package memory holds in-process adapters for every routing port. It backs
// the "memory" database driver and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// Store keeps groups, rules, lines, requests and history in maps. Request
// mutations are serialised by a per-request mutex held across the whole
// read-decide-write sequence.
type Store struct {
	mu       sync.RWMutex
	groups   map[string]repository.AuthorityGroup
	rules    map[string][]*repository.ApprovalRule
	lines    map[string]*repository.CandidateLine
	requests map[string]*repository.ApprovalRequest
	history  map[string][]*repository.ApprovalHistory

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		groups:   make(map[string]repository.AuthorityGroup),
		rules:    make(map[string][]*repository.ApprovalRule),
		lines:    make(map[string]*repository.CandidateLine),
		requests: make(map[string]*repository.ApprovalRequest),
		history:  make(map[string][]*repository.ApprovalHistory),
		locks:    make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ── Seeding ──────────────────────────────────────────────────────────────────

// PutGroup inserts or replaces an authority group.
func (s *Store) PutGroup(g repository.AuthorityGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.Members = append([]string(nil), g.Members...)
	s.groups[g.ID] = g
}

// AddMember adds userID to a group.
func (s *Store) AddMember(groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return errors.NotFound("authority_group", groupID)
	}
	for _, m := range g.Members {
		if m == userID {
			return nil
		}
	}
	g.Members = append(g.Members, userID)
	s.groups[groupID] = g
	return nil
}

// PutRule adds a rule, replacing any rule with the same id. Its
// RequiredGroup.ID must name a stored group; the group's other fields are
// resolved on read.
func (s *Store) PutRule(rule repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[rule.RequiredGroup.ID]; !ok {
		return errors.NotFound("authority_group", rule.RequiredGroup.ID)
	}
	r := rule
	for subject, rules := range s.rules {
		for i, existing := range rules {
			if rule.ID != "" && existing.ID == rule.ID {
				s.rules[subject] = append(rules[:i:i], rules[i+1:]...)
				break
			}
		}
	}
	s.rules[rule.SubjectID] = append(s.rules[rule.SubjectID], &r)
	return nil
}

// PutLine stores a saved candidate line.
func (s *Store) PutLine(line *repository.CandidateLine) error {
	if err := line.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[line.ID] = line.Clone()
	return nil
}

// UpsertGroup is PutGroup in the catalog writer shape.
func (s *Store) UpsertGroup(_ context.Context, g *repository.AuthorityGroup) error {
	s.PutGroup(*g)
	return nil
}

// UpsertRule is PutRule in the catalog writer shape.
func (s *Store) UpsertRule(_ context.Context, rule *repository.ApprovalRule) error {
	return s.PutRule(*rule)
}

// UpsertLine is PutLine in the catalog writer shape.
func (s *Store) UpsertLine(_ context.Context, line *repository.CandidateLine) error {
	return s.PutLine(line)
}

// ── Directory / RuleSource / LineSource ──────────────────────────────────────

// ResolveGroupMemberships returns every group userID belongs to, inactive
// groups included.
func (s *Store) ResolveGroupMemberships(_ context.Context, userID string) ([]repository.AuthorityGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []repository.AuthorityGroup
	for _, g := range s.groups {
		for _, m := range g.Members {
			if m == userID {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchActiveRules returns the subject's active rules with their required
// group resolved.
func (s *Store) FetchActiveRules(_ context.Context, subjectID string) ([]*repository.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.ApprovalRule
	for _, r := range s.rules[subjectID] {
		if !r.IsActive {
			continue
		}
		cp := *r
		cp.RequiredGroup = s.groups[r.RequiredGroup.ID]
		cp.RequiredGroup.Members = nil
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// FetchCandidateLine returns a saved line.
func (s *Store) FetchCandidateLine(_ context.Context, lineID string) (*repository.CandidateLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	line, ok := s.lines[lineID]
	if !ok {
		return nil, errors.NotFound("candidate_line", lineID)
	}
	return line.Clone(), nil
}

// ── RequestStore ─────────────────────────────────────────────────────────────

// Create stores a new request.
func (s *Store) Create(_ context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "approval request already exists: %s", req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get returns a copy of a request.
func (s *Store) Get(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

// History returns the request's entries in append order.
func (s *Store) History(_ context.Context, requestID string) ([]*repository.ApprovalHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyHistory(s.history[requestID]), nil
}

// Apply runs decide under the request's lock and commits its outcome.
func (s *Store) Apply(ctx context.Context, requestID string, decide repository.DecideFunc) (*repository.ApprovalRequest, error) {
	lock := s.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	stored, ok := s.requests[requestID]
	var req *repository.ApprovalRequest
	var history []*repository.ApprovalHistory
	if ok {
		req = stored.Clone()
		history = copyHistory(s.history[requestID])
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("approval_request", requestID)
	}

	change, err := decide(req, history)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return req, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e := change.Entry; e != nil && e.Action != repository.ActionView {
		for _, h := range s.history[requestID] {
			if h.ApproverID == e.ApproverID && h.StepOrder == e.StepOrder && h.Action != repository.ActionView {
				return nil, errors.Newf(errors.ErrCodeAlreadyActed, "user %s already acted on step %d", e.ApproverID, e.StepOrder)
			}
		}
	}
	if change.Mutates(req) {
		change.ApplyTo(req, s.now())
		s.requests[requestID] = req.Clone()
	}
	if change.Entry != nil {
		entry := *change.Entry
		entry.RequestID = requestID
		s.history[requestID] = append(s.history[requestID], &entry)
	}
	return req, nil
}

// ListPendingForApprover returns pending requests whose line assigns userID
// an approve role on any step, oldest first.
func (s *Store) ListPendingForApprover(_ context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status != repository.StatusPending {
			continue
		}
		for _, id := range req.Line.ApproveAssignees() {
			if id == userID {
				out = append(out, req.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) lockFor(requestID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[requestID] = l
	}
	return l
}

func copyHistory(in []*repository.ApprovalHistory) []*repository.ApprovalHistory {
	out := make([]*repository.ApprovalHistory, 0, len(in))
	for _, h := range in {
		cp := *h
		out = append(out, &cp)
	}
	return out
}
