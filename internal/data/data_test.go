package data

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFacts map[string]any

func (s staticFacts) Facts() (map[string]any, error) { return s, nil }

type slowPlugin struct{}

func (slowPlugin) Descriptor() Descriptor {
	return Descriptor{Name: "slow", Timeout: 20 * time.Millisecond}
}

func (slowPlugin) Query(ctx context.Context, _ string, _ *Result) error {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil
}

type inactivePlugin struct{ slowPlugin }

func (inactivePlugin) Activate() bool { return false }

type agentTable map[string]AgentInfo

func (a agentTable) AgentInfo(name string) (AgentInfo, bool) {
	info, ok := a[name]
	return info, ok
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	ok, err := r.Register(CollectivePlugin{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.Register(CollectivePlugin{})
	assert.ErrorIs(t, err, ErrPluginAlreadyRegistered)

	ok, err = r.Register(inactivePlugin{})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"collective"}, r.Names())

	timeout, found := r.Timeout("collective")
	assert.True(t, found)
	assert.Equal(t, time.Second, timeout)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(CollectivePlugin{Collectives: []string{"mcollective", "eu"}})
	require.NoError(t, err)
	_, err = r.Register(slowPlugin{})
	require.NoError(t, err)

	ctx := context.Background()

	res, err := r.Lookup(ctx, "collective", "eu")
	require.NoError(t, err)
	v, _ := res.Get("member")
	assert.Equal(t, true, v)

	_, err = r.Lookup(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	_, err = r.Lookup(ctx, "collective", "")
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = r.Lookup(ctx, "slow", "")
	assert.True(t, errors.Is(err, ErrLookupTimeout))
}

func TestResult_TrustedTypes(t *testing.T) {
	r := NewResult(map[string]any{"a": 1})

	assert.NoError(t, r.Set("s", "x"))
	assert.NoError(t, r.Set("i", 3))
	assert.NoError(t, r.Set("f", 1.5))
	assert.NoError(t, r.Set("b", true))

	err := r.Set("t", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time.Time for key t")

	v, ok := r.Get("i")
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, []string{"a", "b", "f", "i", "s"}, r.Keys())

	_, ok = r.Single()
	assert.False(t, ok)
}

func TestFactPlugin(t *testing.T) {
	facts := staticFacts{
		"foo": "foo-value",
		"one": map[string]any{"one": "one-one"},
		"arr": []any{"a", "b"},
		"num": 4,
	}
	r := NewRegistry()
	_, err := r.Register(FactPlugin{Source: facts})
	require.NoError(t, err)

	tests := []struct {
		query    string
		exists   bool
		value    any
		encoding any
	}{
		{"missing", false, false, false},
		{"foo", true, "foo-value", "text/plain"},
		{"one.one", true, "one-one", "text/plain"},
		{"arr", true, `["a","b"]`, "application/json"},
		{"arr.0", true, "a", "text/plain"},
		{"num", true, int64(4), "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res, err := r.Lookup(context.Background(), "fact", tt.query)
			require.NoError(t, err)
			exists, _ := res.Get("exists")
			value, _ := res.Get("value")
			encoding, _ := res.Get("value_encoding")
			assert.Equal(t, tt.exists, exists)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, tt.encoding, encoding)
		})
	}
}

func TestFstatPlugin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "motd")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	r := NewRegistry()
	_, err := r.Register(FstatPlugin{})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "fstat", path)
	require.NoError(t, err)

	output, _ := res.Get("output")
	size, _ := res.Get("size")
	kind, _ := res.Get("type")
	sum, _ := res.Get("md5")
	mode, _ := res.Get("mode")
	assert.Equal(t, "present", output)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "file", kind)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.Equal(t, "100644", mode)

	res, err = r.Lookup(context.Background(), "fstat", dir)
	require.NoError(t, err)
	kind, _ = res.Get("type")
	assert.Equal(t, "directory", kind)

	res, err = r.Lookup(context.Background(), "fstat", filepath.Join(dir, "nonexisting"))
	require.NoError(t, err)
	output, _ = res.Get("output")
	assert.Equal(t, "not present", output)
}

func TestAgentPlugin(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(AgentPlugin{Agents: agentTable{
		"rpcutil": {Name: "rpcutil", Version: "1.0", Timeout: 10 * time.Second},
	}})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "agent", "rpcutil")
	require.NoError(t, err)
	v, _ := res.Get("timeout")
	assert.Equal(t, int64(10), v)

	_, err = r.Lookup(context.Background(), "agent", "nope")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
