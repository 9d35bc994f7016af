package client

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// RuleWriter receives authority groups and rules from a catalog file.
type RuleWriter interface {
	UpsertGroup(ctx context.Context, g *repository.AuthorityGroup) error
	UpsertRule(ctx context.Context, rule *repository.ApprovalRule) error
}

// LineWriter receives saved candidate lines from a catalog file.
type LineWriter interface {
	UpsertLine(ctx context.Context, line *repository.CandidateLine) error
}

// CatalogFile is the YAML seed document: the groups, rules and saved lines a
// node starts with when it has no directory database.
//
//	groups:
//	  - id: manager
//	    name: Manager
//	    priority: 5
//	    members: [mia, max]
//	rules:
//	  - id: large-expense
//	    subject_id: expense
//	    condition: "#amount > 100000"
//	    required_group_id: manager
//	lines:
//	  - id: default
//	    owner_id: req
//	    steps: [...]
type CatalogFile struct {
	Groups []GroupSpec                `yaml:"groups"`
	Rules  []RuleSpec                 `yaml:"rules"`
	Lines  []repository.CandidateLine `yaml:"lines"`
}

// GroupSpec is one authority group entry. Groups are active unless
// is_active is false.
type GroupSpec struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	IsActive *bool    `yaml:"is_active"`
	Members  []string `yaml:"members"`
}

// RuleSpec is one rule entry; the required group is referenced by id.
type RuleSpec struct {
	ID              string `yaml:"id"`
	SubjectID       string `yaml:"subject_id"`
	Condition       string `yaml:"condition"`
	RequiredGroupID string `yaml:"required_group_id"`
	Order           int    `yaml:"order"`
	IsActive        *bool  `yaml:"is_active"`
}

// LoadCatalog reads and checks a catalog file.
func LoadCatalog(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a catalog document. Every rule condition must parse
// and every line must be structurally valid.
func ParseCatalog(data []byte) (*CatalogFile, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse catalog file")
	}

	for _, g := range f.Groups {
		if g.ID == "" {
			return nil, errors.InvalidInput("groups", "authority group id is required")
		}
	}
	for _, r := range f.Rules {
		if r.ID == "" || r.SubjectID == "" {
			return nil, errors.InvalidInput("rules", "rule id and subject_id are required")
		}
		if r.RequiredGroupID == "" {
			return nil, errors.InvalidInput("rules", fmt.Sprintf("rule %s has no required_group_id", r.ID))
		}
		if _, err := expression.Parse(r.Condition); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeParse, fmt.Sprintf("rule %s has a malformed condition", r.ID))
		}
	}
	for i := range f.Lines {
		if err := f.Lines[i].Check(); err != nil {
			return nil, fmt.Errorf("line %s: %w", f.Lines[i].ID, err)
		}
	}
	return &f, nil
}

// Seed writes the catalog. Groups go first so rules can reference them.
// lines may be nil when saved lines are not needed.
func (f *CatalogFile) Seed(ctx context.Context, rules RuleWriter, lines LineWriter) error {
	for _, spec := range f.Groups {
		g := &repository.AuthorityGroup{
			ID:       spec.ID,
			Name:     spec.Name,
			Priority: spec.Priority,
			IsActive: spec.IsActive == nil || *spec.IsActive,
			Members:  spec.Members,
		}
		if err := rules.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("seed group %s: %w", spec.ID, err)
		}
	}

	for _, spec := range f.Rules {
		rule := &repository.ApprovalRule{
			ID:            spec.ID,
			SubjectID:     spec.SubjectID,
			Condition:     spec.Condition,
			RequiredGroup: repository.AuthorityGroup{ID: spec.RequiredGroupID},
			Order:         spec.Order,
			IsActive:      spec.IsActive == nil || *spec.IsActive,
		}
		if err := rules.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", spec.ID, err)
		}
	}

	if lines == nil {
		return nil
	}
	for i := range f.Lines {
		if err := lines.UpsertLine(ctx, &f.Lines[i]); err != nil {
			return fmt.Errorf("seed line %s: %w", f.Lines[i].ID, err)
		}
	}
	return nil
}
