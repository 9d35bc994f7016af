package expression

import (
	"strings"
	"time"
)

// CustomFieldsKey holds the sub-map consulted after exact and alias lookups.
const CustomFieldsKey = "custom_fields"

// Canonical attribute names written by ContextFor.
const (
	FieldAmount      = "amount"
	FieldDate        = "date"
	FieldDescription = "description"
	FieldIsBudget    = "is_budget"
	FieldTitle       = "title"
	FieldOwnerID     = "owner_id"
)

// aliasGroups lists names that refer to the same attribute. Localized names
// and the ASCII names used by previously stored rules both resolve.
var aliasGroups = [][]string{
	{FieldAmount, "금액"},
	{FieldDate, "날짜", "일자"},
	{FieldDescription, "설명", "내용"},
	{FieldIsBudget, "예산여부"},
}

var aliasIndex = func() map[string][]string {
	index := make(map[string][]string)
	for _, group := range aliasGroups {
		for _, name := range group {
			index[strings.ToLower(name)] = group
		}
	}
	return index
}()

// Context holds the attributes a condition is evaluated against.
type Context map[string]any

// Resolve looks a field up by exact key, then through its alias group, then
// in the custom fields sub-map. A nil value counts as unresolved.
func (c Context) Resolve(field string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c[field]; ok && v != nil {
		return v, true
	}
	if group, ok := aliasIndex[strings.ToLower(field)]; ok {
		for _, name := range group {
			if v, ok := c[name]; ok && v != nil {
				return v, true
			}
		}
	}
	switch custom := c[CustomFieldsKey].(type) {
	case map[string]any:
		if v, ok := custom[field]; ok && v != nil {
			return v, true
		}
	case map[string]string:
		if v, ok := custom[field]; ok {
			return v, true
		}
	}
	return nil, false
}

// Approvable is the capability every approvable subject (expense item,
// expense sheet, generic request) exposes to the routing engine.
type Approvable interface {
	DisplayTitle() string
	DisplayAmount() float64
	OwnerID() string
	CustomFields() map[string]any
}

// Dated is implemented by subjects that carry a business date.
type Dated interface {
	Date() time.Time
}

// Described is implemented by subjects that carry a free-text description.
type Described interface {
	Description() string
}

// ContextFor builds an evaluation context from a subject.
func ContextFor(subject Approvable) Context {
	ctx := Context{
		FieldTitle:   subject.DisplayTitle(),
		FieldAmount:  subject.DisplayAmount(),
		FieldOwnerID: subject.OwnerID(),
	}
	if d, ok := subject.(Dated); ok {
		ctx[FieldDate] = d.Date()
	}
	if d, ok := subject.(Described); ok {
		ctx[FieldDescription] = d.Description()
	}
	if custom := subject.CustomFields(); len(custom) > 0 {
		ctx[CustomFieldsKey] = custom
	}
	return ctx
}
