package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcAgent struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context, req *agent.Request) (json.RawMessage, error)
}

func (a funcAgent) Metadata() agent.Metadata {
	return agent.Metadata{Name: a.name, Timeout: a.timeout}
}

func (a funcAgent) Handle(ctx context.Context, req *agent.Request) (json.RawMessage, error) {
	return a.fn(ctx, req)
}

func newDispatcher(t *testing.T, agents ...agent.Agent) (*Dispatcher, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	reg := agent.NewRegistry()
	for _, a := range agents {
		_, err := reg.RegisterAgent(a)
		require.NoError(t, err)
	}
	return NewDispatcher(reg, WithDispatcherLogger(logger)), hook
}

func TestDispatcher_Invoke(t *testing.T) {
	d, _ := newDispatcher(t)
	req := &agent.Request{Agent: "x", RequestID: "1"}

	t.Run("ok", func(t *testing.T) {
		out := d.Invoke(context.Background(), funcAgent{name: "x", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"a":1}`), nil
		}}, req)
		assert.Equal(t, OutcomeOK, out.Kind)
		assert.JSONEq(t, `{"a":1}`, string(out.Reply))
		assert.NoError(t, out.Err)
	})

	t.Run("timeout", func(t *testing.T) {
		out := d.Invoke(context.Background(), funcAgent{name: "x", timeout: 20 * time.Millisecond, fn: func(ctx context.Context, _ *agent.Request) (json.RawMessage, error) {
			<-ctx.Done()
			return json.RawMessage(`"late"`), nil
		}}, req)
		assert.Equal(t, OutcomeTimeout, out.Kind)
		assert.Nil(t, out.Reply)
	})

	t.Run("handler ignoring its context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		out := d.Invoke(context.Background(), funcAgent{name: "x", timeout: 20 * time.Millisecond, fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			<-release
			return nil, nil
		}}, req)
		assert.Equal(t, OutcomeTimeout, out.Kind)
	})

	t.Run("error", func(t *testing.T) {
		out := d.Invoke(context.Background(), funcAgent{name: "x", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			return nil, errors.New("broken")
		}}, req)
		assert.Equal(t, OutcomeFault, out.Kind)
		assert.EqualError(t, out.Err, "broken")
		assert.Equal(t, "x#Handle", out.Location)
	})

	t.Run("panic", func(t *testing.T) {
		out := d.Invoke(context.Background(), funcAgent{name: "x", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			panic("kaboom")
		}}, req)
		assert.Equal(t, OutcomeFault, out.Kind)
		var pe *PanicError
		require.ErrorAs(t, out.Err, &pe)
		assert.Equal(t, "kaboom", pe.Value)
		assert.Contains(t, out.Location, "dispatcher_test.go")
	})
}

func TestDispatcher_Dispatch(t *testing.T) {
	replies := make(chan json.RawMessage, 10)
	reply := func(_ context.Context, body json.RawMessage) { replies <- body }

	d, hook := newDispatcher(t,
		funcAgent{name: "echo", fn: func(_ context.Context, req *agent.Request) (json.RawMessage, error) {
			return req.Body, nil
		}},
		funcAgent{name: "quiet", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			return nil, nil
		}},
		funcAgent{name: "broken", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			panic("bad")
		}},
	)

	assert.True(t, d.Dispatch(context.Background(), &agent.Request{Agent: "echo", Body: json.RawMessage(`"hi"`)}, reply))
	assert.True(t, d.Dispatch(context.Background(), &agent.Request{Agent: "quiet"}, reply))
	assert.True(t, d.Dispatch(context.Background(), &agent.Request{Agent: "broken"}, reply))
	assert.False(t, d.Dispatch(context.Background(), &agent.Request{Agent: "missing"}, reply))
	d.Wait()

	require.Len(t, replies, 1)
	assert.JSONEq(t, `"hi"`, string(<-replies))

	var levels []logrus.Level
	for _, e := range hook.AllEntries() {
		levels = append(levels, e.Level)
	}
	assert.Contains(t, levels, logrus.WarnLevel, "missing handler is warned about")
	assert.Contains(t, levels, logrus.ErrorLevel, "panics are logged")
}

func TestDispatcher_ConcurrentRequests(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	d, _ := newDispatcher(t, funcAgent{name: "slow", fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}})

	d.Dispatch(context.Background(), &agent.Request{Agent: "slow"}, nil)
	d.Dispatch(context.Background(), &agent.Request{Agent: "slow"}, nil)

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("requests to the same agent did not run concurrently")
		}
	}
	close(release)
	d.Wait()
}

func TestDispatcher_RateLimit(t *testing.T) {
	limiter := NewAgentRateLimiter()
	limiter.SetAgentLimit("limited", 0, 1)

	logger, _ := test.NewNullLogger()
	reg := agent.NewRegistry()
	for _, name := range []string{"limited", "free"} {
		_, err := reg.RegisterAgent(funcAgent{name: name, fn: func(context.Context, *agent.Request) (json.RawMessage, error) {
			return nil, nil
		}})
		require.NoError(t, err)
	}
	d := NewDispatcher(reg, WithDispatcherLogger(logger), WithRateLimiter(limiter))

	assert.True(t, d.Dispatch(context.Background(), &agent.Request{Agent: "limited"}, nil))
	assert.False(t, d.Dispatch(context.Background(), &agent.Request{Agent: "limited"}, nil))
	for range 5 {
		assert.True(t, d.Dispatch(context.Background(), &agent.Request{Agent: "free"}, nil))
	}
	d.Wait()
}
