package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/viant/parsly"
)

// ParseError reports a malformed condition. Fragment is the offending part
// of the input starting at Offset.
type ParseError struct {
	Input    string
	Fragment string
	Offset   int
	Expected string
}

func (e *ParseError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("invalid condition %q: expected %s at end of input", e.Input, e.Expected)
	}
	return fmt.Sprintf("invalid condition %q: expected %s at offset %d near %q", e.Input, e.Expected, e.Offset, e.Fragment)
}

// Parse compiles condition text of the form "#field op value". Blank text
// compiles to Always.
func Parse(text string) (Predicate, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Always{}, nil
	}

	cursor := parsly.NewCursor("", []byte(trimmed), 0)

	matched := cursor.MatchAfterOptional(whitespaceToken, fieldToken)
	if matched.Code != fieldCode {
		return nil, newParseError(trimmed, cursor, "#field")
	}
	field := strings.TrimPrefix(matched.Text(cursor), "#")

	matched = cursor.MatchAfterOptional(whitespaceToken, operatorTokens...)
	op, ok := operatorByCode[matched.Code]
	if !ok {
		return nil, newParseError(trimmed, cursor, "comparison operator")
	}

	matched = cursor.MatchAfterOptional(whitespaceToken, numberToken, stringToken, boolToken)
	var literal Literal
	switch matched.Code {
	case numberCode:
		raw := matched.Text(cursor)
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &ParseError{Input: trimmed, Fragment: raw, Offset: cursor.Pos - len(raw), Expected: "number"}
		}
		literal = Literal{Kind: LiteralNumber, Text: strings.TrimPrefix(raw, "+"), Number: value}
	case stringCode:
		raw := matched.Text(cursor)
		literal = Literal{Kind: LiteralString, Text: unquote(raw)}
	case boolCode:
		raw := matched.Text(cursor)
		literal = Literal{Kind: LiteralBool, Text: raw, Bool: raw == "true"}
	default:
		return nil, newParseError(trimmed, cursor, "number, quoted string or boolean")
	}

	cursor.MatchOne(whitespaceToken)
	if cursor.Pos < cursor.InputSize {
		return nil, newParseError(trimmed, cursor, "end of condition")
	}

	return Comparison{Field: field, Operator: op, Literal: literal}, nil
}

// MustParse is Parse that panics on error. Intended for tests and constants.
func MustParse(text string) Predicate {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Evaluate parses and evaluates text against ctx. Malformed conditions
// evaluate to false so a single bad rule never blocks routing.
func Evaluate(text string, ctx Context) bool {
	p, err := Parse(text)
	if err != nil {
		return false
	}
	return p.Evaluate(ctx)
}

func newParseError(input string, cursor *parsly.Cursor, expected string) *ParseError {
	pos := cursor.Pos
	for pos < len(input) && (input[pos] == ' ' || input[pos] == '\t' || input[pos] == '\n' || input[pos] == '\r') {
		pos++
	}
	fragment := input[pos:]
	if idx := strings.IndexAny(fragment, " \t\r\n"); idx > 0 {
		fragment = fragment[:idx]
	}
	return &ParseError{Input: input, Fragment: fragment, Offset: pos, Expected: expected}
}

func unquote(raw string) string {
	if len(raw) < 2 {
		return raw
	}
	body := raw[1 : len(raw)-1]
	if !strings.Contains(body, `\`) {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
		}
		b.WriteByte(body[i])
	}
	return b.String()
}
