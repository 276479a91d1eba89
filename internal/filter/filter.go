// Package filter implements node selection filters: the five predicate
// lists, the compound expression scanner and the evaluator that matches
// a filter against a node.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
)

// Fact is a single fact comparison such as operatingsystem==Debian.
type Fact struct {
	Fact     string `json:"fact"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

func (f Fact) String() string {
	return f.Fact + f.Operator + f.Value
}

// Compound is one parsed compound expression.
type Compound struct {
	Expr      string
	Callstack Callstack
}

// Filter selects nodes. An empty filter matches every node. Add methods are
// idempotent; callers should Clone a filter before handing it to a call.
type Filter struct {
	Fact     []Fact
	Class    []string
	Agent    []string
	Identity []string
	Compound []Compound
}

// New returns an empty filter
func New() *Filter {
	return &Filter{}
}

// AddFact appends a fact predicate unless already present.
func (f *Filter) AddFact(fact Fact) *Filter {
	if !slices.Contains(f.Fact, fact) {
		f.Fact = append(f.Fact, fact)
	}
	return f
}

// AddFactString parses and appends a fact predicate like "country=uk".
func (f *Filter) AddFactString(s string) error {
	fact, err := ParseFact(s)
	if err != nil {
		return err
	}
	f.AddFact(fact)
	return nil
}

func (f *Filter) AddClass(class string) *Filter {
	if !slices.Contains(f.Class, class) {
		f.Class = append(f.Class, class)
	}
	return f
}

func (f *Filter) AddAgent(agent string) *Filter {
	if !slices.Contains(f.Agent, agent) {
		f.Agent = append(f.Agent, agent)
	}
	return f
}

func (f *Filter) AddIdentity(identity string) *Filter {
	if !slices.Contains(f.Identity, identity) {
		f.Identity = append(f.Identity, identity)
	}
	return f
}

// AddCompound parses expr and appends it. A malformed expression returns
// a *ParseError carrying the offending span.
func (f *Filter) AddCompound(expr string) error {
	for _, c := range f.Compound {
		if c.Expr == expr {
			return nil
		}
	}
	cs, err := Parse(expr)
	if err != nil {
		return err
	}
	f.Compound = append(f.Compound, Compound{Expr: expr, Callstack: cs})
	return nil
}

// Empty reports whether the filter matches everything
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Fact) == 0 && len(f.Class) == 0 && len(f.Agent) == 0 &&
		len(f.Identity) == 0 && len(f.Compound) == 0)
}

// Clone returns a deep copy
func (f *Filter) Clone() *Filter {
	if f == nil {
		return New()
	}
	c := &Filter{
		Fact:     slices.Clone(f.Fact),
		Class:    slices.Clone(f.Class),
		Agent:    slices.Clone(f.Agent),
		Identity: slices.Clone(f.Identity),
	}
	for _, cmp := range f.Compound {
		c.Compound = append(c.Compound, Compound{Expr: cmp.Expr, Callstack: slices.Clone(cmp.Callstack)})
	}
	return c
}

// AgentOnly returns a filter that keeps only the agent predicates, as used
// for directly addressed requests.
func (f *Filter) AgentOnly() *Filter {
	c := New()
	if f != nil {
		c.Agent = slices.Clone(f.Agent)
	}
	return c
}

// Functions returns every fstatement referenced by the compound predicates.
func (f *Filter) Functions() []Function {
	if f == nil {
		return nil
	}
	var fns []Function
	for _, c := range f.Compound {
		fns = append(fns, c.Callstack.Functions()...)
	}
	return fns
}

// Matches evaluates the filter against the evaluator's node. Facts, classes,
// agents and compound expressions must all match; identities match when any
// one of them does.
func (f *Filter) Matches(ctx context.Context, ev *Evaluator) bool {
	if f.Empty() {
		return true
	}
	node := ev.Node()

	for _, fact := range f.Fact {
		if !node.HasFact(fact.Fact, fact.Operator, fact.Value) {
			return false
		}
	}
	for _, class := range f.Class {
		if !node.HasClass(class) {
			return false
		}
	}
	for _, agent := range f.Agent {
		if !node.HasAgent(agent) {
			return false
		}
	}
	if len(f.Identity) > 0 && !slices.ContainsFunc(f.Identity, node.HasIdentity) {
		return false
	}
	for _, c := range f.Compound {
		ok, err := ev.Eval(ctx, c.Callstack)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

type wireFilter struct {
	Fact     []Fact   `json:"fact"`
	Class    []string `json:"cf_class"`
	Agent    []string `json:"agent"`
	Identity []string `json:"identity"`
	Compound []string `json:"compound"`
}

// MarshalJSON encodes the five named arrays; compound entries are encoded
// as their expression strings.
func (f Filter) MarshalJSON() ([]byte, error) {
	w := wireFilter{
		Fact:     nonNil(f.Fact),
		Class:    nonNil(f.Class),
		Agent:    nonNil(f.Agent),
		Identity: nonNil(f.Identity),
		Compound: []string{},
	}
	for _, c := range f.Compound {
		w.Compound = append(w.Compound, c.Expr)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, re-parsing compound expressions.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var w wireFilter
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = Filter{Fact: w.Fact, Class: w.Class, Agent: w.Agent, Identity: w.Identity}
	for _, expr := range w.Compound {
		if err := f.AddCompound(expr); err != nil {
			return fmt.Errorf("compound filter %q: %w", expr, err)
		}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var factPatterns = []struct {
	re       *regexp.Regexp
	operator string
}{
	{regexp.MustCompile(`^([^ ]+?) *=> *(.+)`), ">="},
	{regexp.MustCompile(`^([^ ]+?) *=< *(.+)`), "<="},
	{regexp.MustCompile(`^([^ ]+?) *(<=|>=|<|>|!=|==|=~) *(.+)`), ""},
	{regexp.MustCompile(`^(.+?) *= */(.+)/$`), "=~"},
	{regexp.MustCompile(`^([^= ]+?) *= *(.+)`), "=="},
}

// ParseFact parses a fact filter string such as "country=uk",
// "cpus >= 4" or "os=/deb/".
func ParseFact(s string) (Fact, error) {
	for _, p := range factPatterns {
		m := p.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		switch {
		case p.operator == "":
			return Fact{Fact: m[1], Operator: m[2], Value: m[3]}, nil
		case p.operator == "=~":
			return Fact{Fact: m[1], Operator: "=~", Value: "/" + m[2] + "/"}, nil
		default:
			return Fact{Fact: m[1], Operator: p.operator, Value: m[2]}, nil
		}
	}
	return Fact{}, fmt.Errorf("could not parse fact %s it does not appear to be in a valid format", s)
}
