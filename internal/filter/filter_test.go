package filter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFact(t *testing.T) {
	tests := []struct {
		in      string
		want    Fact
		wantErr bool
	}{
		{in: "foo=bar", want: Fact{"foo", "==", "bar"}},
		{in: "foo = bar", want: Fact{"foo", "==", "bar"}},
		{in: "foo==bar", want: Fact{"foo", "==", "bar"}},
		{in: "foo=>1", want: Fact{"foo", ">=", "1"}},
		{in: "foo=<1", want: Fact{"foo", "<=", "1"}},
		{in: "foo >= 1", want: Fact{"foo", ">=", "1"}},
		{in: "foo<1", want: Fact{"foo", "<", "1"}},
		{in: "foo!=bar", want: Fact{"foo", "!=", "bar"}},
		{in: "foo=~bar", want: Fact{"foo", "=~", "bar"}},
		{in: "foo=/bar/", want: Fact{"foo", "=~", "/bar/"}},
		{in: "foo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFact(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_Idempotent(t *testing.T) {
	f := New()
	assert.True(t, f.Empty())

	f.AddClass("webserver").AddClass("webserver")
	f.AddAgent("rpcutil").AddAgent("rpcutil")
	f.AddIdentity("web1").AddIdentity("web1")
	require.NoError(t, f.AddFactString("country=uk"))
	require.NoError(t, f.AddFactString("country = uk"))
	require.NoError(t, f.AddCompound("a and b"))
	require.NoError(t, f.AddCompound("a and b"))

	assert.Len(t, f.Class, 1)
	assert.Len(t, f.Agent, 1)
	assert.Len(t, f.Identity, 1)
	assert.Len(t, f.Fact, 1)
	assert.Len(t, f.Compound, 1)
	assert.False(t, f.Empty())

	err := f.AddCompound("a and")
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
	assert.Len(t, f.Compound, 1)
}

func TestFilter_CloneAndAgentOnly(t *testing.T) {
	f := New().AddClass("webserver").AddAgent("rpcutil")
	c := f.Clone()
	c.AddClass("db")

	assert.Equal(t, []string{"webserver"}, f.Class)
	assert.Equal(t, []string{"webserver", "db"}, c.Class)

	a := f.AgentOnly()
	assert.Equal(t, []string{"rpcutil"}, a.Agent)
	assert.Empty(t, a.Class)
}

func TestFilter_JSON(t *testing.T) {
	f := New().AddClass("webserver").AddIdentity("/web/")
	f.AddFact(Fact{Fact: "country", Operator: "==", Value: "uk"})
	require.NoError(t, f.AddCompound("fstat('/tmp').type=directory and web"))

	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"fact": [{"fact": "country", "operator": "==", "value": "uk"}],
		"cf_class": ["webserver"],
		"agent": [],
		"identity": ["/web/"],
		"compound": ["fstat('/tmp').type=directory and web"]
	}`, string(b))

	var decoded Filter
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded.Compound, 1)
	assert.Len(t, decoded.Compound[0].Callstack, 3)
	assert.Equal(t, "fstat", decoded.Functions()[0].Name)

	assert.Error(t, json.Unmarshal([]byte(`{"compound": ["foo("]}`), &decoded))
}

func TestFilter_Matches(t *testing.T) {
	node, fns := newFixture()
	ev := NewEvaluator(node, fns, quietLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(f *Filter)
		want  bool
	}{
		{"empty matches everything", func(f *Filter) {}, true},
		{"fact", func(f *Filter) { _ = f.AddFactString("country=uk") }, true},
		{"failing fact", func(f *Filter) { _ = f.AddFactString("country=us") }, false},
		{"class and agent", func(f *Filter) { f.AddClass("webserver").AddAgent("rpcutil") }, true},
		{"missing agent", func(f *Filter) { f.AddAgent("package") }, false},
		{"any identity", func(f *Filter) { f.AddIdentity("db1").AddIdentity("/^web/") }, true},
		{"no identity", func(f *Filter) { f.AddIdentity("db1").AddIdentity("db2") }, false},
		{"compound", func(f *Filter) { _ = f.AddCompound("webserver and num('x').value=10") }, true},
		{"failing compound", func(f *Filter) { _ = f.AddCompound("webserver and not country=uk") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New()
			tt.build(f)
			assert.Equal(t, tt.want, f.Matches(ctx, ev))
		})
	}
}

func TestFilter_Describe(t *testing.T) {
	f := New().AddClass("webserver")
	require.NoError(t, f.AddFactString("country=uk"))
	require.NoError(t, f.AddCompound("(a or os=linux) and fstat('/tmp').size>1"))

	out := f.Describe()
	assert.Contains(t, out, "Check if fact 'country' == 'uk'")
	assert.Contains(t, out, "Check if class 'webserver' is present on the host")
	assert.Contains(t, out, "    Check if fact 'os' = 'linux'")
	assert.Contains(t, out, "  OR\n")
	assert.Contains(t, out, "Execute the Data Query 'fstat' with parameters (/tmp). Check if the query's 'size' value > '1'")
}
