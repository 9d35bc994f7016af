package catalog

import (
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// Cache is a read-through cache of compiled rule sets per subject. A rule's
// predicate lives and dies with its subject's entry, so invalidating a
// subject also drops its predicates. Invalidation is explicit and owned by
// the caller; a zero TTL keeps rule sets until invalidated.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	rules map[string]cachedRules
}

type cachedRules struct {
	rules    []compiledRule
	loadedAt time.Time
}

// compiledRule pairs a rule with its predicate, or with the parse failure of
// its condition.
type compiledRule struct {
	rule      *repository.ApprovalRule
	predicate expression.Predicate
	err       error
}

// NewCache creates an empty cache.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		now:   time.Now,
		rules: make(map[string]cachedRules),
	}
}

func (c *Cache) getRules(subjectID string) ([]compiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.rules[subjectID]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.loadedAt) > c.ttl {
		return nil, false
	}
	return entry.rules, true
}

func (c *Cache) putRules(subjectID string, rules []compiledRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[subjectID] = cachedRules{rules: rules, loadedAt: c.now()}
}

// Len reports how many subjects have a cached rule set.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// Invalidate drops the cached rule set of one subject.
func (c *Cache) Invalidate(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, subjectID)
}

// Purge drops every cached rule set.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = make(map[string]cachedRules)
}

// compile parses every rule's condition once.
func compile(rules []*repository.ApprovalRule) []compiledRule {
	out := make([]compiledRule, len(rules))
	for i, rule := range rules {
		p, err := expression.Parse(rule.Condition)
		out[i] = compiledRule{rule: rule, predicate: p, err: err}
	}
	return out
}
