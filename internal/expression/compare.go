package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var groupedNumber = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
}

// compare applies op with numeric, then date, then string semantics.
func compare(value any, op Operator, lit Literal) bool {
	if value == nil {
		return false
	}

	left, leftIsNumber := toNumber(value)
	if right, ok := literalNumber(lit); ok && leftIsNumber {
		return ordered(compareFloat(left, right), op)
	}
	if lit.Kind == LiteralNumber {
		// A value that is not a finite number never matches a numeric literal.
		return false
	}

	leftDate, leftIsDate := toDate(value)
	rightDate, rightIsDate := literalDate(lit)
	if leftIsDate || rightIsDate {
		if !leftIsDate || !rightIsDate {
			return false
		}
		return ordered(leftDate.Compare(rightDate), op)
	}

	text, ok := toText(value)
	if !ok {
		return false
	}
	return ordered(strings.Compare(text, lit.Text), op)
}

func ordered(cmp int, op Operator) bool {
	switch op {
	case OpGreater:
		return cmp > 0
	case OpLess:
		return cmp < 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLessOrEqual:
		return cmp <= 0
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), finite(float64(v))
	case float64:
		return v, finite(v)
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && finite(f)
	case string:
		return parseNumber(v)
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if groupedNumber.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil && finite(f)
}

// finite rejects the NaN and Inf spellings ParseFloat accepts.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func literalNumber(lit Literal) (float64, bool) {
	switch lit.Kind {
	case LiteralNumber:
		return lit.Number, true
	case LiteralString:
		return parseNumber(lit.Text)
	}
	return 0, false
}

func toDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return *v, true
	case string:
		return parseDate(v)
	}
	return time.Time{}, false
}

func literalDate(lit Literal) (time.Time, bool) {
	if lit.Kind != LiteralString {
		return time.Time{}, false
	}
	return parseDate(lit.Text)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toText(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}
