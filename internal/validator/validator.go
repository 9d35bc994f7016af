// Package validator decides whether a candidate approval line carries the
// authority that a subject's applicable rules require.
//
// Authority is compared by group priority only. An approver's effective
// authority is the single highest priority among their active groups; groups
// are never summed. Equal priorities satisfy each other.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// Outcome is the result of validating a line. It is returned as data so
// callers can render the missing and excessive lists.
type Outcome struct {
	Satisfied           bool                        `json:"satisfied"`
	Missing             []repository.AuthorityGroup `json:"missing"`
	Excessive           []repository.AuthorityGroup `json:"excessive"`
	Warnings            []string                    `json:"warnings,omitempty"`
	RequiredMaxPriority int                         `json:"required_max_priority"`
	ActingMaxPriority   int                         `json:"acting_max_priority"`
}

// Memberships maps a user id to that user's authority groups.
type Memberships map[string][]repository.AuthorityGroup

// Validate checks line against rules.
//
// actingGroups are the submitter's own groups: every rule whose required
// priority is at or below the submitter's highest priority is pre-satisfied
// by seniority. memberships must hold the groups of every approve assignee
// in the line; an approver missing from it carries no authority.
func Validate(rules []*repository.ApprovalRule, line *repository.CandidateLine, actingGroups []repository.AuthorityGroup, memberships Memberships) Outcome {
	out := Outcome{
		Missing:   []repository.AuthorityGroup{},
		Excessive: []repository.AuthorityGroup{},
	}

	approvers := effectiveAuthority(line, memberships)

	for _, rule := range rules {
		if rule.RequiredGroup.Priority > out.RequiredMaxPriority {
			out.RequiredMaxPriority = rule.RequiredGroup.Priority
		}
	}

	actingMax, hasActing := highest(actingGroups)
	if hasActing {
		out.ActingMaxPriority = actingMax.Priority
	}

	if len(rules) == 0 {
		out.Satisfied = true
		if top, ok := topOf(approvers); ok {
			out.Warnings = append(out.Warnings, fmt.Sprintf("unnecessary approval: no rule applies but the line includes %s", top.Name))
		}
		out.Excessive = exceeding(approvers, 0)
		return out
	}

	missing := make(map[string]repository.AuthorityGroup)
	for _, rule := range rules {
		required := rule.RequiredGroup
		if hasActing && required.Priority <= actingMax.Priority {
			continue
		}
		if !anyReaches(approvers, required.Priority) {
			missing[required.ID] = required
		}
	}

	for _, g := range missing {
		out.Missing = append(out.Missing, g)
	}
	sortByPriority(out.Missing)

	out.Excessive = exceeding(approvers, out.RequiredMaxPriority)
	if len(out.Excessive) > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("excessive approval authority: %s", names(out.Excessive)))
	}

	out.Satisfied = len(out.Missing) == 0
	return out
}

// Message renders the outcome for users: missing groups by name, highest
// priority first, followed by the non-blocking advisories.
func (o Outcome) Message() string {
	var parts []string
	if len(o.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("approval line is missing required authority: %s", names(o.Missing)))
	}
	parts = append(parts, o.Warnings...)
	if len(parts) == 0 {
		return "approval line satisfies all applicable rules"
	}
	return strings.Join(parts, "; ")
}

// MissingNames returns the names of the missing groups in presentation order.
func (o Outcome) MissingNames() []string {
	out := make([]string, 0, len(o.Missing))
	for _, g := range o.Missing {
		out = append(out, g.Name)
	}
	return out
}

// effectiveAuthority returns, for every distinct approve assignee that holds
// at least one active group, that assignee's highest group.
func effectiveAuthority(line *repository.CandidateLine, memberships Memberships) []repository.AuthorityGroup {
	if line == nil {
		return nil
	}
	var out []repository.AuthorityGroup
	for _, userID := range line.ApproveAssignees() {
		if g, ok := highest(memberships[userID]); ok {
			out = append(out, g)
		}
	}
	return out
}

// highest returns the active group with the greatest priority. Ties go to the
// lower id so the choice is stable.
func highest(groups []repository.AuthorityGroup) (repository.AuthorityGroup, bool) {
	var best repository.AuthorityGroup
	found := false
	for _, g := range groups {
		if !g.IsActive {
			continue
		}
		if !found || g.Priority > best.Priority || (g.Priority == best.Priority && g.ID < best.ID) {
			best = g
			found = true
		}
	}
	return best, found
}

func topOf(groups []repository.AuthorityGroup) (repository.AuthorityGroup, bool) {
	sorted := dedupe(groups)
	if len(sorted) == 0 {
		return repository.AuthorityGroup{}, false
	}
	return sorted[0], true
}

func anyReaches(approvers []repository.AuthorityGroup, priority int) bool {
	for _, g := range approvers {
		if g.Priority >= priority {
			return true
		}
	}
	return false
}

func exceeding(approvers []repository.AuthorityGroup, limit int) []repository.AuthorityGroup {
	var over []repository.AuthorityGroup
	for _, g := range approvers {
		if g.Priority > limit {
			over = append(over, g)
		}
	}
	out := dedupe(over)
	if out == nil {
		return []repository.AuthorityGroup{}
	}
	return out
}

func dedupe(groups []repository.AuthorityGroup) []repository.AuthorityGroup {
	seen := make(map[string]struct{}, len(groups))
	var out []repository.AuthorityGroup
	for _, g := range groups {
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
	}
	sortByPriority(out)
	return out
}

func sortByPriority(groups []repository.AuthorityGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Priority != groups[j].Priority {
			return groups[i].Priority > groups[j].Priority
		}
		return groups[i].Name < groups[j].Name
	})
}

func names(groups []repository.AuthorityGroup) string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Name)
	}
	return strings.Join(out, ", ")
}
