package agent_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/internal/rpc"
)

// Example demonstrates building and calling an RPC agent
func Example() {
	svc := agent.NewRPC(agent.Metadata{Name: "service", Version: "1.0"})
	svc.Action("status", func(ctx context.Context, req *agent.Request, data map[string]any, reply *rpc.Reply) error {
		reply.Data["service"] = data["service"]
		reply.Data["status"] = "running"
		return nil
	}, "service")

	reg := agent.NewRegistry()
	if _, err := reg.RegisterAgent(svc); err != nil {
		fmt.Println(err)
		return
	}

	body, _ := json.Marshal(rpc.Request{
		Agent:          "service",
		Action:         "status",
		Data:           map[string]any{"service": "sshd"},
		ProcessResults: true,
	})

	a, _ := reg.Get("service")
	raw, err := a.Handle(context.Background(), &agent.Request{Agent: "service", Body: body})
	if err != nil {
		fmt.Println(err)
		return
	}

	var reply rpc.Reply
	_ = json.Unmarshal(raw, &reply)
	fmt.Println(reply.StatusCode, reply.Data["service"], reply.Data["status"])
	// Output: OK sshd running
}
