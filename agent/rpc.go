package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/aixgo-dev/fleet/internal/rpc"
)

// ActionFunc implements one action. It fills reply.Data and returns an
// *ActionError to report a specific status code. Any other error is
// reported as rpc.UnknownError.
type ActionFunc func(ctx context.Context, req *Request, data map[string]any, reply *rpc.Reply) error

// ActionError carries the status code an action failed with.
type ActionError struct {
	Code    rpc.StatusCode
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Abort fails the current action with rpc.Aborted.
func Abort(format string, args ...any) error {
	return &ActionError{Code: rpc.Aborted, Message: fmt.Sprintf(format, args...)}
}

// InvalidData fails the current action with rpc.InvalidData.
func InvalidData(format string, args ...any) error {
	return &ActionError{Code: rpc.InvalidData, Message: fmt.Sprintf(format, args...)}
}

// RPC is an Agent made of named actions that speak the rpc request and
// reply bodies. Embed or wrap it to build agents.
//
//	a := agent.NewRPC(agent.Metadata{Name: "service", Version: "1.0"})
//	a.Action("status", func(ctx context.Context, req *agent.Request, data map[string]any, reply *rpc.Reply) error {
//	    reply.Data["status"] = "running"
//	    return nil
//	}, "service")
type RPC struct {
	meta    Metadata
	actions map[string]action
}

type action struct {
	fn     ActionFunc
	inputs []Input
}

// NewRPC creates an RPC agent without actions.
func NewRPC(meta Metadata) *RPC {
	return &RPC{meta: meta, actions: make(map[string]action)}
}

// Action adds an action. Keys listed in required must be present in the
// request data, otherwise the action is not run and the reply carries
// rpc.MissingData.
func (a *RPC) Action(name string, fn ActionFunc, required ...string) *RPC {
	inputs := make([]Input, 0, len(required))
	for _, key := range required {
		inputs = append(inputs, Input{Name: key})
	}
	return a.ActionWithInputs(name, fn, inputs...)
}

// ActionWithInputs adds an action with typed inputs. A missing required
// input fails with rpc.MissingData, a value of the wrong type or length
// with rpc.InvalidData. Undeclared keys are passed through.
func (a *RPC) ActionWithInputs(name string, fn ActionFunc, inputs ...Input) *RPC {
	a.actions[name] = action{fn: fn, inputs: inputs}
	return a
}

func (a *RPC) Metadata() Metadata { return a.meta }

// Actions returns the action names, sorted.
func (a *RPC) Actions() []string {
	names := make([]string, 0, len(a.actions))
	for name := range a.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle decodes an rpc.Request, runs the action and encodes the reply.
// Requests that asked not to process results get no reply.
func (a *RPC) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	var body rpc.Request
	if err := req.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("decode rpc request for %s: %w", a.meta.Name, err)
	}
	if body.Data == nil {
		body.Data = map[string]any{}
	}

	reply := a.run(ctx, req, body)

	// A handler that ran out of time must not answer.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !body.ProcessResults {
		return nil, nil
	}
	return json.Marshal(reply)
}

func (a *RPC) run(ctx context.Context, req *Request, body rpc.Request) *rpc.Reply {
	reply := rpc.NewReply()

	act, ok := a.actions[body.Action]
	if !ok {
		reply.Fail(rpc.UnknownAction, fmt.Sprintf("Unknown action '%s' for agent '%s'", body.Action, a.meta.Name))
		return reply
	}

	for _, in := range act.inputs {
		if err := in.validate(body.Action, body.Data); err != nil {
			fail(reply, err)
			return reply
		}
	}

	if err := act.fn(ctx, req, body.Data, reply); err != nil {
		fail(reply, err)
	}
	return reply
}

func fail(reply *rpc.Reply, err error) {
	var ae *ActionError
	if errors.As(err, &ae) {
		reply.Fail(ae.Code, ae.Message)
		return
	}
	reply.Fail(rpc.UnknownError, err.Error())
}

// HasAction reports whether name is an action of this agent.
func (a *RPC) HasAction(name string) bool {
	return slices.Contains(a.Actions(), name)
}
