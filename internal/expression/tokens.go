package expression

import (
	"unicode"
	"unicode/utf8"

	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes start at 1 so they never collide with parsly's reserved codes.
const (
	whitespaceCode = iota + 1
	fieldCode
	gteCode
	lteCode
	eqCode
	neqCode
	gtCode
	ltCode
	assignCode
	numberCode
	stringCode
	boolCode
)

var (
	whitespaceToken = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	fieldToken      = parsly.NewToken(fieldCode, "#Field", &fieldMatcher{})
	gteToken        = parsly.NewToken(gteCode, ">=", matcher.NewFragment(">="))
	lteToken        = parsly.NewToken(lteCode, "<=", matcher.NewFragment("<="))
	eqToken         = parsly.NewToken(eqCode, "==", matcher.NewFragment("=="))
	neqToken        = parsly.NewToken(neqCode, "!=", matcher.NewFragment("!="))
	gtToken         = parsly.NewToken(gtCode, ">", matcher.NewByte('>'))
	ltToken         = parsly.NewToken(ltCode, "<", matcher.NewByte('<'))
	assignToken     = parsly.NewToken(assignCode, "=", matcher.NewByte('='))
	numberToken     = parsly.NewToken(numberCode, "Number", &numberMatcher{})
	stringToken     = parsly.NewToken(stringCode, "String", &quotedMatcher{})
	boolToken       = parsly.NewToken(boolCode, "Bool", &boolMatcher{})
)

// operatorTokens lists two-byte operators before their one-byte prefixes so
// MatchAny picks the longest operator.
var operatorTokens = []*parsly.Token{gteToken, lteToken, eqToken, neqToken, gtToken, ltToken, assignToken}

var operatorByCode = map[int]Operator{
	gteCode:    OpGreaterOrEqual,
	lteCode:    OpLessOrEqual,
	eqCode:     OpEqual,
	neqCode:    OpNotEqual,
	gtCode:     OpGreater,
	ltCode:     OpLess,
	assignCode: OpEqual,
}

// fieldMatcher matches '#' followed by a unicode identifier.
type fieldMatcher struct{}

func (m *fieldMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	if pos >= cursor.InputSize || input[pos] != '#' {
		return 0
	}
	matched := identifierLen(input[pos+1 : cursor.InputSize])
	if matched == 0 {
		return 0
	}
	return 1 + matched
}

// identifierLen returns the byte length of the identifier prefix of input.
// The first rune must be a letter or underscore; later runes may be digits.
func identifierLen(input []byte) int {
	size := 0
	for size < len(input) {
		r, width := utf8.DecodeRune(input[size:])
		if r == utf8.RuneError && width <= 1 {
			break
		}
		if r == '_' || unicode.IsLetter(r) || (size > 0 && unicode.IsDigit(r)) {
			size += width
			continue
		}
		break
	}
	return size
}

// numberMatcher matches an optionally signed decimal number.
type numberMatcher struct{}

func (m *numberMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	i := pos
	if i < size && (input[i] == '-' || input[i] == '+') {
		i++
	}
	digits := 0
	for i < size && isDigit(input[i]) {
		i++
		digits++
	}
	if digits == 0 {
		return 0
	}
	if i < size && input[i] == '.' {
		j := i + 1
		fraction := 0
		for j < size && isDigit(input[j]) {
			j++
			fraction++
		}
		if fraction == 0 {
			return 0
		}
		i = j
	}
	return i - pos
}

// quotedMatcher matches a single- or double-quoted string with backslash
// escapes. An unterminated string does not match.
type quotedMatcher struct{}

func (m *quotedMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize
	if pos >= size {
		return 0
	}
	quote := input[pos]
	if quote != '"' && quote != '\'' {
		return 0
	}
	for i := pos + 1; i < size; i++ {
		switch input[i] {
		case '\\':
			i++
		case quote:
			return i - pos + 1
		}
	}
	return 0
}

// boolMatcher matches the keywords true and false.
type boolMatcher struct{}

func (m *boolMatcher) Match(cursor *parsly.Cursor) int {
	rest := cursor.Input[cursor.Pos:cursor.InputSize]
	for _, kw := range []string{"true", "false"} {
		if len(rest) < len(kw) || string(rest[:len(kw)]) != kw {
			continue
		}
		if identifierLen(rest) != len(kw) {
			return 0
		}
		return len(kw)
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
