// Package agent provides the public interfaces for building node agents
// with fleet.
//
// An agent is addressed by name. Every request sent to that name on a node
// is handed to the agent's Handle method by the node dispatcher, which
// runs it in its own goroutine under the agent's declared timeout.
//
// # Basic Usage
//
// Most agents are built from named actions with RPC:
//
//	a := agent.NewRPC(agent.Metadata{
//	    Name:    "service",
//	    Version: "1.0",
//	    Timeout: 5 * time.Second,
//	})
//	a.Action("status", func(ctx context.Context, req *agent.Request, data map[string]any, reply *rpc.Reply) error {
//	    name, _ := data["service"].(string)
//	    reply.Data["service"] = name
//	    reply.Data["status"] = "running"
//	    return nil
//	}, "service")
//
// # Registration
//
// Agents live on an explicit Registry owned by the node daemon:
//
//	reg := agent.NewRegistry()
//	reg.Register(agent.Definition{Factory: newService})
//	reg.RegisterAgent(a) // single instance
//
// Agents implementing Activatable are asked once, at registration, whether
// they should load on this node.
package agent
