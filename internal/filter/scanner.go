package filter

import (
	"regexp"
	"strings"
)

var (
	// /foo/=bar
	regexLeftCompare = regexp.MustCompile(`^/.+?/[<>=].+`)
	// foo/=bar
	slashCompare = regexp.MustCompile(`^.+?/[<>=].+`)
	// a comparison with text on both sides
	hasComparison = regexp.MustCompile(`^.+[=<>].+$`)
)

// Scanner tokenizes a compound filter expression one token at a time.
// Malformed input produces TokenBad rather than an error so the caller
// can report the offending span.
type Scanner struct {
	input string
	pos   int
	open  []int
}

// NewScanner creates a scanner positioned at the start of expr
func NewScanner(expr string) *Scanner {
	return &Scanner{input: expr}
}

// Next returns the next token and false once the input is exhausted.
func (s *Scanner) Next() (Token, bool) {
	for s.pos < len(s.input) && isSpace(s.input[s.pos]) {
		s.pos++
	}

	if s.pos >= len(s.input) {
		if len(s.open) > 0 {
			start := s.open[0]
			s.open = nil
			return Token{Kind: TokenBad, Value: s.input[start:], Span: Span{Start: start, End: len(s.input) - 1}}, true
		}
		return Token{}, false
	}

	start := s.pos
	switch c := s.input[s.pos]; {
	case c == '(':
		s.open = append(s.open, start)
		s.pos++
		return Token{Kind: TokenLParen, Value: "(", Span: Span{start, start}}, true
	case c == ')':
		s.pos++
		if len(s.open) == 0 {
			return Token{Kind: TokenBad, Value: ")", Span: Span{start, start}}, true
		}
		s.open = s.open[:len(s.open)-1]
		return Token{Kind: TokenRParen, Value: ")", Span: Span{start, start}}, true
	case c == '!' && !s.at(start+1, '='):
		s.pos++
		return Token{Kind: TokenNot, Value: "not", Span: Span{start, start}}, true
	case s.word("not"):
		s.pos += 3
		return Token{Kind: TokenNot, Value: "not", Span: Span{start, start + 2}}, true
	case s.word("and"):
		s.pos += 3
		return Token{Kind: TokenAnd, Value: "and", Span: Span{start, start + 2}}, true
	case s.word("or"):
		s.pos += 2
		return Token{Kind: TokenOr, Value: "or", Span: Span{start, start + 1}}, true
	}

	return s.statement(), true
}

// word reports whether w starts at the cursor and stands alone. The end
// of the input counts as a boundary.
func (s *Scanner) word(w string) bool {
	if !strings.HasPrefix(s.input[s.pos:], w) {
		return false
	}
	end := s.pos + len(w)
	return end == len(s.input) || isSpace(s.input[end]) || s.input[end] == '('
}

func (s *Scanner) at(i int, c byte) bool {
	return i < len(s.input) && s.input[i] == c
}

func (s *Scanner) statement() Token {
	start := s.pos
	n := len(s.input)
	j := s.pos

	var buf strings.Builder
	quoted, fn, unterminated := false, false, false

	if s.input[j] == '/' {
		var closed bool
		j, closed = s.classRegex(&buf, j)
		unterminated = !closed
	} else {
	loop:
		for j < n {
			switch c := s.input[j]; c {
			case '/':
				var closed bool
				j, closed = s.regexLiteral(&buf, j)
				unterminated = unterminated || !closed
				break loop
			case '(':
				var closed bool
				fn = true
				j, closed = s.call(&buf, j)
				unterminated = unterminated || !closed
			case '"', '\'':
				var closed bool
				quoted = true
				j, closed = s.quotedLiteral(&buf, j)
				unterminated = unterminated || !closed
			default:
				buf.WriteByte(c)
				j++
			}

			if j >= n || s.input[j] == ')' {
				break
			}
			if isSpace(s.input[j]) {
				k, ok := s.joinComparison(buf.String(), j)
				if !ok {
					break
				}
				j = k
			}
		}
	}

	s.pos = j
	value := buf.String()
	span := Span{Start: start, End: j - 1}
	bad := Token{Kind: TokenBad, Value: s.input[start:j], Span: span}

	switch {
	case unterminated:
		return bad
	case regexLeftCompare.MatchString(value), slashCompare.MatchString(value):
		return bad
	case fn:
		f, err := parseFunction(value)
		if err != nil {
			return bad
		}
		return Token{Kind: TokenFStatement, Value: value, Span: span, Function: f}
	case quoted:
		return Token{Kind: TokenStatement, Value: value, Span: span}
	case countUnescaped(value, '/')%2 != 0:
		return bad
	}

	return Token{Kind: TokenStatement, Value: value, Span: span}
}

// classRegex reads a leading /regex/ class statement up to whitespace.
func (s *Scanner) classRegex(buf *strings.Builder, j int) (int, bool) {
	n := len(s.input)
	for j < n && !isSpace(s.input[j]) {
		c := s.input[j]
		if c == ')' && countUnescaped(buf.String(), '/')%2 == 0 {
			break
		}
		if c == '\\' && j+1 < n {
			buf.WriteByte(c)
			j++
			c = s.input[j]
		}
		buf.WriteByte(c)
		j++
	}
	return j, countUnescaped(buf.String(), '/')%2 == 0
}

// regexLiteral reads /.../ honoring backslash escapes.
func (s *Scanner) regexLiteral(buf *strings.Builder, j int) (int, bool) {
	n := len(s.input)
	buf.WriteByte('/')
	j++
	for j < n && s.input[j] != '/' {
		if s.input[j] == '\\' && j+1 < n {
			buf.WriteByte('\\')
			j++
		}
		buf.WriteByte(s.input[j])
		j++
	}
	if j >= n {
		return j, false
	}
	buf.WriteByte('/')
	return j + 1, true
}

// call reads a balanced (...) argument list, quotes included verbatim.
func (s *Scanner) call(buf *strings.Builder, j int) (int, bool) {
	n := len(s.input)
	depth := 0
	var quote byte
	for j < n {
		c := s.input[j]
		buf.WriteByte(c)
		j++

		if quote != 0 {
			if c == '\\' && j < n {
				buf.WriteByte(s.input[j])
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 {
			return j, true
		}
	}
	return j, false
}

// quotedLiteral reads '...' or "..." dropping the quotes and escape characters.
func (s *Scanner) quotedLiteral(buf *strings.Builder, j int) (int, bool) {
	n := len(s.input)
	quote := s.input[j]
	j++
	for j < n {
		c := s.input[j]
		switch c {
		case '\\':
			j++
			if j >= n {
				return j, false
			}
			buf.WriteByte(s.input[j])
			j++
			continue
		case quote:
			return j + 1, true
		}
		buf.WriteByte(c)
		j++
	}
	return j, false
}

// joinComparison swallows whitespace around a comparison operator so that
// "foo = bar" scans as a single statement.
func (s *Scanner) joinComparison(text string, j int) (int, bool) {
	k := j
	for k < len(s.input) && isSpace(s.input[k]) {
		k++
	}
	if k >= len(s.input) || hasComparison.MatchString(text) {
		return 0, false
	}

	if last := text[len(text)-1]; isOperatorByte(last) {
		return k, true
	}

	switch s.input[k] {
	case '=', '<', '>':
		return k, true
	case '!':
		if s.at(k+1, '=') {
			return k, true
		}
	}
	return 0, false
}

func isOperatorByte(c byte) bool {
	return c == '=' || c == '<' || c == '>' || c == '~'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func countUnescaped(s string, c byte) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == c {
			count++
		}
	}
	return count
}
