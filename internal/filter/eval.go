package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/aixgo-dev/fleet/internal/data"
	"github.com/sirupsen/logrus"
)

// Node answers the per-node predicates a filter is evaluated against.
type Node interface {
	HasFact(fact, operator, value string) bool
	HasClass(class string) bool
	HasAgent(agent string) bool
	HasIdentity(identity string) bool
}

// Functions resolves fstatement names to data plugin results.
type Functions interface {
	Lookup(ctx context.Context, name, query string) (*data.Result, error)
}

// Evaluator evaluates statements and compound callstacks for one node.
type Evaluator struct {
	node      Node
	functions Functions
	logger    logrus.FieldLogger
}

// NewEvaluator creates an evaluator. functions may be nil, in which case
// every fstatement evaluates to false.
func NewEvaluator(node Node, functions Functions, logger logrus.FieldLogger) *Evaluator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Evaluator{node: node, functions: functions, logger: logger}
}

// Node returns the node the evaluator was built for
func (e *Evaluator) Node() Node {
	return e.node
}

// Eval evaluates cs with not binding tighter than and, and tighter than or.
// Both binary operators short-circuit.
func (e *Evaluator) Eval(ctx context.Context, cs Callstack) (bool, error) {
	if len(cs) == 0 {
		return false, ErrEmptyExpression
	}

	st := &evalState{ctx: ctx, e: e, tokens: cs}
	result, err := st.or(false)
	if err != nil {
		return false, err
	}
	if st.pos != len(cs) {
		return false, fmt.Errorf("unexpected token %s at position %d", cs[st.pos], st.pos)
	}
	return result, nil
}

// EvalStatement evaluates a simple statement: a fact comparison, a /regex/
// class match or a bare class name.
func (e *Evaluator) EvalStatement(text string) bool {
	if strings.HasPrefix(text, "/") {
		return e.node.HasClass(text)
	}

	if strings.ContainsAny(text, "=<>") {
		fact, err := ParseFact(text)
		if err != nil {
			e.logger.WithError(err).Debug("Ignoring unparsable fact statement")
			return false
		}
		return e.node.HasFact(fact.Fact, fact.Operator, fact.Value)
	}

	return e.node.HasClass(text)
}

// EvalFunction resolves an fstatement through the data plugins and compares
// the result. Resolution failures never match.
func (e *Evaluator) EvalFunction(ctx context.Context, f *Function) bool {
	if strings.Contains(f.Params, "`") {
		e.logger.Debug("Cannot use backticks in function parameters")
		return false
	}

	left, ok := e.callFunction(ctx, f)
	if !ok {
		return false
	}
	return e.compare(left, f)
}

func (e *Evaluator) callFunction(ctx context.Context, f *Function) (any, bool) {
	if e.functions == nil {
		return nil, false
	}

	result, err := e.functions.Lookup(ctx, f.Name, f.Params)
	if err != nil {
		e.logger.WithError(err).WithField("function", f.Name).Debug("Data lookup failed")
		return nil, false
	}

	if f.Value == "" {
		return result.Single()
	}
	v, ok := result.Get(f.Value)
	if !ok {
		e.logger.WithField("function", f.Name).Debugf("Data result has no field %s", f.Value)
	}
	return v, ok
}

func (e *Evaluator) compare(left any, f *Function) bool {
	if f.Operator == "" {
		return truthy(left)
	}

	if f.Regex {
		if f.Operator != "=~" && f.Operator != "!=~" {
			e.logger.Debugf("Cannot compare a regex using %s", f.Operator)
			return false
		}
		s, ok := left.(string)
		if !ok {
			e.logger.Debug("Cannot do a regex check on a non string value.")
			return false
		}
		matched := MatchRegex(f.Compare, s)
		if f.Operator == "!=~" {
			return !matched
		}
		return matched
	}

	right := ParseLiteral(f.Compare)
	ln, lnum := numeric(left)
	rn, rnum := numeric(right)

	switch f.Operator {
	case "<", ">", "<=", ">=":
		if !lnum || !rnum {
			e.logger.Debug("Cannot do > and < comparison on non numeric values")
			return false
		}
		return orderedCompare(ln, rn, f.Operator)
	case "==", "!=":
		var equal bool
		lb, lbool := left.(bool)
		rb, rbool := right.(bool)
		switch {
		case lnum && rnum:
			equal = ln == rn
		case lbool && rbool:
			equal = lb == rb
		default:
			equal = fmt.Sprint(left) == f.Compare
		}
		if f.Operator == "!=" {
			return !equal
		}
		return equal
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := numeric(v); ok {
		return n != 0
	}
	return true
}

type evalState struct {
	ctx    context.Context
	e      *Evaluator
	tokens Callstack
	pos    int
}

func (s *evalState) peek(kind TokenKind) bool {
	return s.pos < len(s.tokens) && s.tokens[s.pos].Kind == kind
}

func (s *evalState) or(skip bool) (bool, error) {
	left, err := s.and(skip)
	if err != nil {
		return false, err
	}
	for s.peek(TokenOr) {
		s.pos++
		right, err := s.and(skip || left)
		if err != nil {
			return false, err
		}
		if !left {
			left = right
		}
	}
	return left, nil
}

func (s *evalState) and(skip bool) (bool, error) {
	left, err := s.unary(skip)
	if err != nil {
		return false, err
	}
	for s.peek(TokenAnd) {
		s.pos++
		right, err := s.unary(skip || !left)
		if err != nil {
			return false, err
		}
		if left {
			left = right
		}
	}
	return left, nil
}

func (s *evalState) unary(skip bool) (bool, error) {
	if s.peek(TokenNot) {
		s.pos++
		v, err := s.unary(skip)
		return !v, err
	}
	return s.primary(skip)
}

func (s *evalState) primary(skip bool) (bool, error) {
	if s.pos >= len(s.tokens) {
		return false, fmt.Errorf("unexpected end of expression")
	}

	tok := s.tokens[s.pos]
	s.pos++

	switch tok.Kind {
	case TokenLParen:
		v, err := s.or(skip)
		if err != nil {
			return false, err
		}
		if !s.peek(TokenRParen) {
			return false, fmt.Errorf("missing ')' for '(' at %s", tok.Span)
		}
		s.pos++
		return v, nil
	case TokenStatement:
		if skip {
			return false, nil
		}
		return s.e.EvalStatement(tok.Value), nil
	case TokenFStatement:
		if skip || tok.Function == nil {
			return false, nil
		}
		return s.e.EvalFunction(s.ctx, tok.Function), nil
	}
	return false, fmt.Errorf("unexpected token %s", tok)
}
