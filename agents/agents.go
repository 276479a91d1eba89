// Package agents contains the agents every fleet node runs.
package agents

import (
	"fmt"

	"github.com/aixgo-dev/fleet/agent"
)

// RegisterBuiltins loads the discovery and rpcutil agents into reg.
func RegisterBuiltins(reg *agent.Registry, info NodeInfo) error {
	if info.Agents == nil {
		info.Agents = reg
	}
	for _, a := range []agent.Agent{Discovery{}, NewRPCUtil(info)} {
		if _, err := reg.RegisterAgent(a); err != nil {
			return fmt.Errorf("register %s: %w", a.Metadata().Name, err)
		}
	}
	return nil
}
