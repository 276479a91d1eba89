package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyExpression is returned when a compound expression has no tokens
var ErrEmptyExpression = errors.New("empty compound filter expression")

var (
	functionPattern = regexp.MustCompile(
		`^([a-zA-Z_][a-zA-Z0-9_]*)\(((?:\s*'[^']*'\s*(?:,\s*'[^']*'\s*)*)|(?:\s*"[^"]*"\s*(?:,\s*"[^"]*"\s*)*))?\)` +
			`(?:\.([a-zA-Z0-9_]+))?` +
			`(?:(!=~|=~|!=|<=|>=|==|=|<|>)(.+))?$`)
	quotedArg = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)
)

// ParseError reports a malformed compound expression and the offending span.
type ParseError struct {
	Expr   string
	Span   Span
	Reason string
}

func (e *ParseError) Error() string {
	text := ""
	if e.Span.Start >= 0 && e.Span.End < len(e.Expr) && e.Span.Start <= e.Span.End {
		text = e.Expr[e.Span.Start : e.Span.End+1]
	}
	reason := e.Reason
	if reason == "" {
		reason = "malformed token"
	}
	return fmt.Sprintf("parse error at column %d-%d %q: %s", e.Span.Start, e.Span.End, text, reason)
}

// Callstack is the ordered token sequence of one compound expression.
type Callstack []Token

// Scan runs the scanner to the end of expr, keeping bad tokens.
func Scan(expr string) Callstack {
	s := NewScanner(expr)
	var cs Callstack
	for {
		tok, ok := s.Next()
		if !ok {
			return cs
		}
		cs = append(cs, tok)
	}
}

// Parse scans expr and checks that the resulting token sequence forms a
// valid expression.
func Parse(expr string) (Callstack, error) {
	cs := Scan(expr)
	if len(cs) == 0 {
		return nil, ErrEmptyExpression
	}

	for _, tok := range cs {
		if tok.Kind == TokenBad {
			return nil, &ParseError{Expr: expr, Span: tok.Span}
		}
	}

	if err := cs.validate(expr); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs Callstack) validate(expr string) error {
	operand := func(k TokenKind) bool {
		return k == TokenStatement || k == TokenFStatement
	}

	first, last := cs[0], cs[len(cs)-1]
	if first.Kind == TokenAnd || first.Kind == TokenOr || first.Kind == TokenRParen {
		return &ParseError{Expr: expr, Span: first.Span, Reason: fmt.Sprintf("expression cannot start with '%s'", first.Kind)}
	}
	if !operand(last.Kind) && last.Kind != TokenRParen {
		return &ParseError{Expr: expr, Span: last.Span, Reason: fmt.Sprintf("expression cannot end with '%s'", last.Kind)}
	}

	for i := 1; i < len(cs); i++ {
		prev, cur := cs[i-1].Kind, cs[i].Kind
		var ok bool
		switch {
		case operand(prev) || prev == TokenRParen:
			ok = cur == TokenAnd || cur == TokenOr || cur == TokenRParen
		default:
			ok = operand(cur) || cur == TokenNot || cur == TokenLParen
		}
		if !ok {
			return &ParseError{Expr: expr, Span: cs[i].Span, Reason: fmt.Sprintf("unexpected '%s' after '%s'", cur, prev)}
		}
	}
	return nil
}

// Functions returns the fstatements referenced by the callstack.
func (cs Callstack) Functions() []Function {
	var fns []Function
	for _, tok := range cs {
		if tok.Kind == TokenFStatement && tok.Function != nil {
			fns = append(fns, *tok.Function)
		}
	}
	return fns
}

// String renders the callstack as an expression.
func (cs Callstack) String() string {
	parts := make([]string, 0, len(cs))
	for _, tok := range cs {
		parts = append(parts, tok.Value)
	}
	return strings.Join(parts, " ")
}

// parseFunction decomposes name('params').value<op>compare.
func parseFunction(text string) (*Function, error) {
	m := functionPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("malformed function statement %q", text)
	}

	f := &Function{Name: m[1], Value: m[3], Operator: m[4], Compare: m[5]}

	if params := strings.TrimSpace(m[2]); params != "" {
		var args []string
		for _, a := range quotedArg.FindAllStringSubmatch(params, -1) {
			args = append(args, a[1]+a[2])
		}
		f.Params = strings.Join(args, ",")
		f.HasParams = true
	}

	if f.Operator == "" {
		return f, nil
	}

	if len(f.Compare) >= 2 && strings.HasPrefix(f.Compare, "/") && strings.HasSuffix(f.Compare, "/") {
		f.Regex = true
		f.Compare = f.Compare[1 : len(f.Compare)-1]
		switch f.Operator {
		case "=", "==", "=~":
			f.Operator = "=~"
		case "!=", "!=~":
			f.Operator = "!=~"
		}
		return f, nil
	}

	switch f.Operator {
	case "=":
		f.Operator = "=="
	case "=~", "!=~":
		f.Regex = true
	}
	return f, nil
}
