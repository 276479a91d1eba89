package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(cs Callstack) []TokenKind {
	out := make([]TokenKind, 0, len(cs))
	for _, tok := range cs {
		out = append(out, tok.Kind)
	}
	return out
}

func TestScan_Tokens(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		kinds  []TokenKind
		values []string
	}{
		{
			name:   "fstatement and fact regex",
			expr:   "foo('bar')=1 and bar=/bar/",
			kinds:  []TokenKind{TokenFStatement, TokenAnd, TokenStatement},
			values: []string{"foo('bar')=1", "and", "bar=/bar/"},
		},
		{
			name:   "spaces around comparison are swallowed",
			expr:   "foo = bar",
			kinds:  []TokenKind{TokenStatement},
			values: []string{"foo=bar"},
		},
		{
			name:   "not and bang",
			expr:   "not foo or !bar",
			kinds:  []TokenKind{TokenNot, TokenStatement, TokenOr, TokenNot, TokenStatement},
			values: []string{"not", "foo", "or", "not", "bar"},
		},
		{
			name:   "operators only as whole words",
			expr:   "android and orange or notify",
			kinds:  []TokenKind{TokenStatement, TokenAnd, TokenStatement, TokenOr, TokenStatement},
			values: []string{"android", "and", "orange", "or", "notify"},
		},
		{
			name:   "parentheses",
			expr:   "(a or b) and c",
			kinds:  []TokenKind{TokenLParen, TokenStatement, TokenOr, TokenStatement, TokenRParen, TokenAnd, TokenStatement},
			values: []string{"(", "a", "or", "b", ")", "and", "c"},
		},
		{
			name:   "quoted literal drops quotes and escapes",
			expr:   `foo="bar \"baz\""`,
			kinds:  []TokenKind{TokenStatement},
			values: []string{`foo=bar "baz"`},
		},
		{
			name:   "class regex",
			expr:   "/^web\\d+/ and db",
			kinds:  []TokenKind{TokenStatement, TokenAnd, TokenStatement},
			values: []string{"/^web\\d+/", "and", "db"},
		},
		{
			name:   "bare class regex",
			expr:   "/a/",
			kinds:  []TokenKind{TokenStatement},
			values: []string{"/a/"},
		},
		{
			name:   "class regex inside parentheses",
			expr:   "(/^db/ or web)",
			kinds:  []TokenKind{TokenLParen, TokenStatement, TokenOr, TokenStatement, TokenRParen},
			values: []string{"(", "/^db/", "or", "web", ")"},
		},
		{
			name:   "trailing operator word",
			expr:   "foo and",
			kinds:  []TokenKind{TokenStatement, TokenAnd},
			values: []string{"foo", "and"},
		},
		{
			name:   "regex with escaped slash",
			expr:   "path=/usr\\/bin/",
			kinds:  []TokenKind{TokenStatement},
			values: []string{"path=/usr\\/bin/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := Scan(tt.expr)
			assert.Equal(t, tt.kinds, kinds(cs))
			values := make([]string, 0, len(cs))
			for _, tok := range cs {
				values = append(values, tok.Value)
			}
			assert.Equal(t, tt.values, values)
		})
	}
}

func TestScan_FunctionStatement(t *testing.T) {
	tests := []struct {
		expr string
		want Function
	}{
		{"foo('bar').res=1", Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: "==", Compare: "1"}},
		{`foo("bar").res=1`, Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: "==", Compare: "1"}},
		{"foo('bar.1').res=1", Function{Name: "foo", Params: "bar.1", HasParams: true, Value: "res", Operator: "==", Compare: "1"}},
		{"foo('bar').res=/reg/", Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: "=~", Compare: "reg", Regex: true}},
		{"foo('bar').res!=/reg/", Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: "!=~", Compare: "reg", Regex: true}},
		{"foo('bar').res<=1", Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: "<=", Compare: "1"}},
		{"foo('bar').res>=1", Function{Name: "foo", Params: "bar", HasParams: true, Value: "res", Operator: ">=", Compare: "1"}},
		{"foo('bar')<=1", Function{Name: "foo", Params: "bar", HasParams: true, Operator: "<=", Compare: "1"}},
		{"foo('bar.one.two, bar.three.four')<=1", Function{Name: "foo", Params: "bar.one.two, bar.three.four", HasParams: true, Operator: "<=", Compare: "1"}},
		{"foo()<=1", Function{Name: "foo", Operator: "<=", Compare: "1"}},
		{"foo('')=1", Function{Name: "foo", HasParams: true, Operator: "==", Compare: "1"}},
		{"fstat('/etc/hosts').size > 0", Function{Name: "fstat", Params: "/etc/hosts", HasParams: true, Value: "size", Operator: ">", Compare: "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cs := Scan(tt.expr)
			require.Len(t, cs, 1)
			require.Equal(t, TokenFStatement, cs[0].Kind)
			require.NotNil(t, cs[0].Function)
			assert.Equal(t, tt.want, *cs[0].Function)
		})
	}
}

func TestScan_BadTokens(t *testing.T) {
	tests := []struct {
		name string
		expr string
		span Span
	}{
		{"unterminated function call", "foo(", Span{0, 3}},
		{"unterminated function call after operator", "a and foo('bar'", Span{6, 14}},
		{"regex compared to value", "/foo/=bar", Span{0, 8}},
		{"odd slashes", "a/b", Span{0, 2}},
		{"unterminated regex", "foo=/bar", Span{0, 7}},
		{"unquoted function params", "foo(bar)=1", Span{0, 9}},
		{"stray closing paren", "foo)", Span{3, 3}},
		{"unclosed paren", "(foo and bar", Span{0, 11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := Scan(tt.expr)
			var bad *Token
			for i := range cs {
				if cs[i].Kind == TokenBad {
					bad = &cs[i]
					break
				}
			}
			require.NotNil(t, bad, "expected a bad_token in %v", cs)
			assert.Equal(t, tt.span, bad.Span)

			_, err := Parse(tt.expr)
			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.span, perr.Span)
		})
	}
}

func TestParse_Grammar(t *testing.T) {
	valid := []string{
		"foo",
		"not foo",
		"a and (b or not c)",
		"!(a or b) and fstat('/tmp').type=directory",
		"/^web\\d+/",
		"not /db/ and country=uk",
	}
	for _, expr := range valid {
		_, err := Parse(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{
		"and foo",
		"foo and",
		"foo bar",
		"()",
		"foo not",
		"not",
		"a or",
	}
	for _, expr := range invalid {
		_, err := Parse(expr)
		var perr *ParseError
		assert.True(t, errors.As(err, &perr), expr)
	}

	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmptyExpression)
}

func TestCallstack_Functions(t *testing.T) {
	cs, err := Parse("fstat('/tmp').size>1 and (fact('os').value=linux or web)")
	require.NoError(t, err)

	fns := cs.Functions()
	require.Len(t, fns, 2)
	assert.Equal(t, "fstat", fns[0].Name)
	assert.Equal(t, "fact", fns[1].Name)
}
