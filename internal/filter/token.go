package filter

import "fmt"

// TokenKind identifies a scanner token.
type TokenKind string

const (
	TokenStatement  TokenKind = "statement"
	TokenFStatement TokenKind = "fstatement"
	TokenAnd        TokenKind = "and"
	TokenOr         TokenKind = "or"
	TokenNot        TokenKind = "not"
	TokenLParen     TokenKind = "("
	TokenRParen     TokenKind = ")"
	TokenBad        TokenKind = "bad_token"
)

// Span is an inclusive byte offset range into the scanned expression.
type Span struct {
	Start int
	End   int
}

func (s Span) String() string {
	return fmt.Sprintf("%d..%d", s.Start, s.End)
}

// Function is the decomposed form of an fstatement such as
// fstat("/etc/hosts").size>=1.
type Function struct {
	Name string
	// Params is the unquoted argument string; HasParams is false for name().
	Params    string
	HasParams bool
	// Value is the optional .accessor applied to the plugin result.
	Value    string
	Operator string
	// Compare is the right hand comparand, without slashes when Regex is set.
	Compare string
	Regex   bool
}

// Token is one unit emitted by the Scanner.
type Token struct {
	Kind  TokenKind
	Value string
	Span  Span
	// Function is set for fstatement tokens.
	Function *Function
}

func (t Token) String() string {
	if t.Kind == TokenBad {
		return fmt.Sprintf("bad_token[%s]", t.Span)
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.Value)
}
