package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixgo-dev/fleet/agent"
)

// Discovery answers the broadcast ping behind the mc discovery method.
// Filtering happens before dispatch, so every ping that reaches it gets a
// pong.
type Discovery struct{}

func (Discovery) Metadata() agent.Metadata {
	return agent.Metadata{
		Name:        "discovery",
		Description: "Discovery Agent",
		Author:      "fleet",
		Version:     "1.0",
		License:     "Apache-2.0",
		Timeout:     2 * time.Second,
	}
}

func (Discovery) Handle(_ context.Context, req *agent.Request) (json.RawMessage, error) {
	var body string
	if err := req.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("decode discovery request: %w", err)
	}
	if body != "ping" {
		return nil, fmt.Errorf("unknown discovery request %q", body)
	}
	return json.RawMessage(`"pong"`), nil
}
