package filter

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/aixgo-dev/fleet/internal/data"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureNode struct {
	identity string
	facts    map[string]any
	classes  []string
	agents   []string
}

func (n fixtureNode) HasFact(fact, operator, value string) bool {
	return MatchFact(n.facts[fact], operator, value)
}

func (n fixtureNode) HasClass(class string) bool {
	if IsRegex(class) {
		return slices.ContainsFunc(n.classes, func(c string) bool { return MatchRegex(class, c) })
	}
	return slices.Contains(n.classes, class)
}

func (n fixtureNode) HasAgent(agent string) bool {
	if IsRegex(agent) {
		return slices.ContainsFunc(n.agents, func(a string) bool { return MatchRegex(agent, a) })
	}
	return slices.Contains(n.agents, agent)
}

func (n fixtureNode) HasIdentity(identity string) bool {
	if IsRegex(identity) {
		return MatchRegex(identity, n.identity)
	}
	return identity == n.identity
}

type fakeFunctions struct {
	results map[string]map[string]any
	calls   []string
}

func (f *fakeFunctions) Lookup(_ context.Context, name, query string) (*data.Result, error) {
	f.calls = append(f.calls, name+"("+query+")")
	values, ok := f.results[name]
	if !ok {
		return nil, errors.New("no such plugin")
	}
	return data.NewResult(values), nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newFixture() (fixtureNode, *fakeFunctions) {
	node := fixtureNode{
		identity: "web1.example.net",
		facts: map[string]any{
			"country":         "uk",
			"processorcount":  "4",
			"operatingsystem": "Debian",
			"ipaddresses":     []any{"10.0.0.1", "192.168.1.1"},
		},
		classes: []string{"webserver", "base::ntp"},
		agents:  []string{"rpcutil", "discovery"},
	}
	fns := &fakeFunctions{results: map[string]map[string]any{
		"num":  {"value": int64(10)},
		"half": {"value": int64(50)},
		"str":  {"value": "teststring"},
		"flag": {"value": false},
		"one":  {"size": int64(3)},
	}}
	return node, fns
}

func evalExpr(t *testing.T, ev *Evaluator, expr string) bool {
	t.Helper()
	cs, err := Parse(expr)
	require.NoError(t, err, expr)
	ok, err := ev.Eval(context.Background(), cs)
	require.NoError(t, err, expr)
	return ok
}

func TestEvaluator_Statements(t *testing.T) {
	node, fns := newFixture()
	ev := NewEvaluator(node, fns, quietLogger())

	tests := []struct {
		expr string
		want bool
	}{
		{"country=uk", true},
		{"country=us", false},
		{"country = uk", true},
		{"operatingsystem=/deb/", false},
		{"operatingsystem=/^Deb/", true},
		{"processorcount>=4", true},
		{"processorcount<4", false},
		{"ipaddresses=10.0.0.1", true},
		{"webserver", true},
		{"database", false},
		{"/^base::/", true},
		{"/^db/", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, evalExpr(t, ev, tt.expr))
		})
	}
}

func TestEvaluator_Precedence(t *testing.T) {
	node, fns := newFixture()
	ev := NewEvaluator(node, fns, quietLogger())

	tests := []struct {
		expr string
		want bool
	}{
		{"database and mail or webserver", true},
		{"database and (mail or webserver)", false},
		{"not database and webserver", true},
		{"not (database or webserver)", false},
		{"!database", true},
		{"webserver and not country=us", true},
		{"(webserver or database) and (country=uk and processorcount>2)", true},
		{"not not webserver", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, evalExpr(t, ev, tt.expr))
		})
	}
}

func TestEvaluator_ShortCircuit(t *testing.T) {
	node, fns := newFixture()
	ev := NewEvaluator(node, fns, quietLogger())

	assert.True(t, evalExpr(t, ev, "webserver or num('x').value=10"))
	assert.False(t, evalExpr(t, ev, "database and num('x').value=10"))
	assert.Empty(t, fns.calls)

	assert.True(t, evalExpr(t, ev, "database or num('x').value=10"))
	assert.Equal(t, []string{"num(x)"}, fns.calls)
}

func TestEvaluator_Functions(t *testing.T) {
	node, fns := newFixture()
	ev := NewEvaluator(node, fns, quietLogger())

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"hex literal", "num('x').value=0xa", true},
		{"exponent literal", "half('x').value=0.5e2", true},
		{"numeric ordering", "num('x').value>=1", true},
		{"numeric inequality", "num('x').value!=10", false},
		{"string ordering rejected", "str('x').value>1", false},
		{"string comparand ordering rejected", "num('x').value<zzz", false},
		{"string equality", "str('x').value=teststring", true},
		{"string inequality", "str('x').value!=teststring", false},
		{"regex match", "str('x').value=/^test/", true},
		{"negated regex", "str('x').value!=/^test/", false},
		{"regex against number", "num('x').value=/1/", false},
		{"boolean identity", "flag('x').value=false", true},
		{"boolean ordering rejected", "flag('x').value<1", false},
		{"missing field", "num('x').nosuch=1", false},
		{"missing plugin", "nosuch('x').value=1", false},
		{"single field without accessor", "one('x')=3", true},
		{"backticks rejected", "str('`rm -rf`').value=teststring", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalExpr(t, ev, tt.expr))
		})
	}

	assert.NotContains(t, fns.calls, "str(`rm -rf`)")
}

func TestEvaluator_NoFunctions(t *testing.T) {
	node, _ := newFixture()
	ev := NewEvaluator(node, nil, quietLogger())

	assert.False(t, evalExpr(t, ev, "num('x').value=10"))
	assert.True(t, evalExpr(t, ev, "num('x').value=10 or webserver"))
}

func TestParseLiteral(t *testing.T) {
	assert.Equal(t, int64(10), ParseLiteral("0xa"))
	assert.Equal(t, 50.0, ParseLiteral("0.5e2"))
	assert.Equal(t, int64(1), ParseLiteral("1"))
	assert.Equal(t, true, ParseLiteral("true"))
	assert.Equal(t, false, ParseLiteral("false"))
	assert.Equal(t, "abc", ParseLiteral("abc"))
}
