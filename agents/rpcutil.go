package agents

import (
	"context"
	"sort"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/internal/facts"
	"github.com/aixgo-dev/fleet/internal/rpc"
)

// Version is reported by rpcutil#inventory.
var Version = "dev"

// NodeInfo is what rpcutil reports about the local node.
type NodeInfo struct {
	Identity       string
	Collectives    []string
	MainCollective string
	Facts          facts.Source
	ClassesFile    string
	Agents         *agent.Registry
	// DataPlugins lists installed data plugin names
	DataPlugins func() []string
	// Stats returns the node daemon counters
	Stats func() any
}

// NewRPCUtil builds the rpcutil agent with ping, inventory, get_fact,
// agent_inventory and daemon_stats actions.
func NewRPCUtil(info NodeInfo) *agent.RPC {
	a := agent.NewRPC(agent.Metadata{
		Name:        "rpcutil",
		Description: "General helpful actions that expose stats and internals to clients",
		Author:      "fleet",
		Version:     "1.0",
		License:     "Apache-2.0",
		Timeout:     10 * time.Second,
	})

	a.Action("ping", func(_ context.Context, _ *agent.Request, _ map[string]any, reply *rpc.Reply) error {
		reply.Data["pong"] = time.Now().Unix()
		return nil
	})

	a.ActionWithInputs("get_fact", func(_ context.Context, _ *agent.Request, data map[string]any, reply *rpc.Reply) error {
		name := data["fact"].(string)
		if name == "" {
			return agent.InvalidData("fact must be a non empty string")
		}
		reply.Data["fact"] = name
		reply.Data["value"] = nil
		if info.Facts == nil {
			return nil
		}
		all, err := info.Facts.Facts()
		if err != nil {
			return agent.Abort("could not load facts: %v", err)
		}
		reply.Data["value"] = all[name]
		return nil
	}, agent.Input{Name: "fact", Type: agent.String, MaxLength: 90})

	a.Action("inventory", func(_ context.Context, _ *agent.Request, _ map[string]any, reply *rpc.Reply) error {
		reply.Data["version"] = Version
		reply.Data["collectives"] = info.Collectives
		reply.Data["main_collective"] = info.MainCollective
		reply.Data["agents"] = agentNames(info.Agents)
		reply.Data["facts"] = map[string]any{}
		reply.Data["classes"] = []string{}
		reply.Data["data_plugins"] = []string{}

		if info.Facts != nil {
			if all, err := info.Facts.Facts(); err == nil {
				reply.Data["facts"] = all
			}
		}
		if info.ClassesFile != "" {
			if classes, err := facts.ReadClasses(info.ClassesFile); err == nil {
				reply.Data["classes"] = classes
			}
		}
		if info.DataPlugins != nil {
			reply.Data["data_plugins"] = info.DataPlugins()
		}
		return nil
	})

	a.Action("agent_inventory", func(_ context.Context, _ *agent.Request, _ map[string]any, reply *rpc.Reply) error {
		var out []map[string]any
		for _, name := range agentNames(info.Agents) {
			meta, ok := info.Agents.Metadata(name)
			if !ok {
				continue
			}
			out = append(out, map[string]any{
				"agent":       name,
				"name":        meta.Name,
				"description": meta.Description,
				"author":      meta.Author,
				"version":     meta.Version,
				"license":     meta.License,
				"timeout":     int64(meta.TimeoutOrDefault().Seconds()),
			})
		}
		reply.Data["agents"] = out
		return nil
	})

	a.Action("daemon_stats", func(_ context.Context, _ *agent.Request, _ map[string]any, reply *rpc.Reply) error {
		if info.Stats == nil {
			return agent.Abort("daemon stats are not available")
		}
		reply.Data["stats"] = info.Stats()
		return nil
	})

	return a
}

func agentNames(reg *agent.Registry) []string {
	if reg == nil {
		return []string{}
	}
	names := reg.Names()
	sort.Strings(names)
	return names
}
