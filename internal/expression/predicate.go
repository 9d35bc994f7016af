// Package expression parses and evaluates single-comparison approval
// conditions such as "#amount > 300000" against a request's attributes.
//
// Conditions are compiled once into a Predicate and evaluated many times.
// Evaluation never fails: unresolved fields, nil values and values that
// cannot be coerced make the predicate false, so the owning rule is treated
// as not applicable.
package expression

import (
	"strconv"
)

// Operator is a comparison operator. "=" is normalised to OpEqual at parse time.
type Operator string

const (
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// LiteralKind tags the literal on the right-hand side of a comparison.
type LiteralKind int

const (
	LiteralNumber LiteralKind = iota + 1
	LiteralString
	LiteralBool
)

// Literal is the right-hand side of a comparison.
type Literal struct {
	Kind   LiteralKind
	Text   string
	Number float64
	Bool   bool
}

func (l Literal) String() string {
	switch l.Kind {
	case LiteralString:
		return strconv.Quote(l.Text)
	default:
		return l.Text
	}
}

// Predicate is a compiled condition. The set of implementations is closed:
// Always and Comparison.
type Predicate interface {
	Evaluate(ctx Context) bool
	String() string
	predicate()
}

// Always is the predicate of a blank condition.
type Always struct{}

// Evaluate always returns true.
func (Always) Evaluate(Context) bool { return true }

func (Always) String() string { return "" }

func (Always) predicate() {}

// Comparison compares a context field against a literal.
type Comparison struct {
	Field    string
	Operator Operator
	Literal  Literal
}

// Evaluate resolves the field in ctx and applies the operator.
func (c Comparison) Evaluate(ctx Context) bool {
	value, ok := ctx.Resolve(c.Field)
	if !ok {
		return false
	}
	return compare(value, c.Operator, c.Literal)
}

// String renders the canonical condition text.
func (c Comparison) String() string {
	return "#" + c.Field + " " + string(c.Operator) + " " + c.Literal.String()
}

func (Comparison) predicate() {}
