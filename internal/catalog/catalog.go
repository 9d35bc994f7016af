// Package catalog selects the approval rules that apply to a subject.
package catalog

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// RuleSource fetches a subject's active rules. Implementations live in the
// repository packages.
type RuleSource interface {
	FetchActiveRules(ctx context.Context, subjectID string) ([]*repository.ApprovalRule, error)
}

// Catalog filters a subject's rules down to those whose condition holds.
type Catalog struct {
	source     RuleSource
	cache      *Cache
	cacheRules bool
	log        zerolog.Logger
}

// New creates a catalog reading through cache. A nil cache disables caching.
func New(source RuleSource, cache *Cache, log zerolog.Logger) *Catalog {
	cacheRules := cache != nil
	if cache == nil {
		cache = NewCache(0)
	}
	return &Catalog{source: source, cache: cache, cacheRules: cacheRules, log: log}
}

// Cache exposes the catalog cache for caller-controlled invalidation.
func (c *Catalog) Cache() *Cache {
	return c.cache
}

// ApplicableRules returns the subject's active rules whose condition
// evaluates true against evalCtx, in the rules' explicit order.
func (c *Catalog) ApplicableRules(ctx context.Context, subjectID string, evalCtx expression.Context) ([]*repository.ApprovalRule, error) {
	rules, err := c.rulesFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	var applicable []*repository.ApprovalRule
	for _, cr := range rules {
		if cr.err != nil {
			c.log.Warn().Err(cr.err).
				Str("rule_id", cr.rule.ID).
				Str("subject_id", subjectID).
				Msg("Skipping rule with malformed condition")
			continue
		}
		if cr.predicate.Evaluate(evalCtx) {
			applicable = append(applicable, cr.rule)
		}
	}
	return applicable, nil
}

// Compile checks a condition at authoring time and returns the ParseError,
// wrapped with ErrCodeParse, when it is malformed. Ad-hoc condition text is
// never cached; only stored rule conditions are.
func (c *Catalog) Compile(condition string) (expression.Predicate, error) {
	p, err := expression.Parse(condition)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeParse, "invalid condition")
	}
	return p, nil
}

func (c *Catalog) rulesFor(ctx context.Context, subjectID string) ([]compiledRule, error) {
	if c.cacheRules {
		if rules, ok := c.cache.getRules(subjectID); ok {
			return rules, nil
		}
	}

	fetched, err := c.source.FetchActiveRules(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	rules := compile(Order(fetched))

	if c.cacheRules {
		c.cache.putRules(subjectID, rules)
	}
	return rules, nil
}

// Order keeps active rules and stable-sorts them by their explicit order.
// Authority priority never affects the order.
func Order(rules []*repository.ApprovalRule) []*repository.ApprovalRule {
	out := make([]*repository.ApprovalRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Filter is the pure form of ApplicableRules for callers that already hold
// the rules. Malformed conditions are treated as not applicable.
func Filter(rules []*repository.ApprovalRule, evalCtx expression.Context) []*repository.ApprovalRule {
	var applicable []*repository.ApprovalRule
	for _, rule := range Order(rules) {
		if expression.Evaluate(rule.Condition, evalCtx) {
			applicable = append(applicable, rule)
		}
	}
	return applicable
}
