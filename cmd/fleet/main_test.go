package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aixgo-dev/fleet/internal/inventory"
	"github.com/aixgo-dev/fleet/internal/transport"
	"github.com/aixgo-dev/fleet/pkg/config"
	"github.com/aixgo-dev/fleet/pkg/logging"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCLI(t *testing.T, identity string, broker *transport.Broker) (*cli, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity = identity

	out := &bytes.Buffer{}
	return &cli{
		cfg:    cfg,
		logger: logging.Discard(),
		broker: broker,
		stdin:  &bytes.Buffer{},
		out:    out,
	}, out
}

func execute(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(c)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return c.out.(*bytes.Buffer).String(), err
}

// startNode runs a node daemon with the given facts on broker.
func startNode(t *testing.T, broker *transport.Broker, identity string, facts string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(facts), 0o600))

	c, _ := testCLI(t, identity, broker)
	c.cfg.FactSource = []string{path}
	d, err := c.newDaemon(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-d.runner.Ready():
	case <-time.After(time.Second):
		t.Fatal("node did not become ready")
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", nil, map[string]any{}, false},
		{"typed", []string{"fact=country", "count=3", "force=true", "ratio=0.5"},
			map[string]any{"fact": "country", "count": int64(3), "force": true, "ratio": 0.5}, false},
		{"value with equals", []string{"query=a=b"}, map[string]any{"query": "a=b"}, false},
		{"missing equals", []string{"fact"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArguments(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildFilter(t *testing.T) {
	c, _ := testCLI(t, "client1", nil)
	c.opts.facts = []string{"country=uk", "cpus>=4"}
	c.opts.classes = []string{"/^web/"}
	c.opts.identities = []string{"web1"}
	c.opts.compound = []string{"country=uk and not role=db"}

	f, err := c.buildFilter()
	require.NoError(t, err)
	assert.Len(t, f.Fact, 2)
	assert.Equal(t, []string{"/^web/"}, f.Class)
	assert.Equal(t, []string{"web1"}, f.Identity)
	assert.Len(t, f.Compound, 1)

	c.opts.compound = []string{"fact(\"x"}
	_, err = c.buildFilter()
	assert.Error(t, err)
}

func TestDescribeFilterCmd(t *testing.T) {
	c, _ := testCLI(t, "client1", nil)
	out, err := execute(t, c, "describe-filter", "-F", "country=uk", "-C", "apache", "-A", "rpcutil")
	require.NoError(t, err)
	assert.Contains(t, out, "fact comparisons")
	assert.Contains(t, out, "country")
	assert.Contains(t, out, "apache")
	assert.Contains(t, out, "rpcutil")

	c, _ = testCLI(t, "client1", nil)
	out, err = execute(t, c, "describe-filter")
	require.NoError(t, err)
	assert.Contains(t, out, "every node matches")
}

func TestFindCmd(t *testing.T) {
	broker := transport.NewBroker()
	startNode(t, broker, "uk1", "country: uk\n")
	startNode(t, broker, "de1", "country: de\n")

	c, _ := testCLI(t, "client1", broker)
	out, err := execute(t, c, "find", "-j", "-F", "country=uk", "--dt", "200ms")
	require.NoError(t, err)

	var nodes []string
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	assert.Equal(t, []string{"uk1"}, nodes)
}

func TestPingCmd(t *testing.T) {
	broker := transport.NewBroker()
	startNode(t, broker, "node1", "country: uk\n")

	c, _ := testCLI(t, "client1", broker)
	out, err := execute(t, c, "ping", "--dt", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "node1")
	assert.Contains(t, out, "1 replies")
}

func TestRPCCmd(t *testing.T) {
	broker := transport.NewBroker()
	startNode(t, broker, "node1", "country: uk\n")
	startNode(t, broker, "node2", "country: uk\n")

	c, _ := testCLI(t, "client1", broker)
	out, err := execute(t, c, "rpc", "rpcutil", "get_fact", "fact=country", "--summarize", "value", "--dt", "200ms", "--timeout", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "Summary of value")
	assert.Contains(t, out, "uk")
	assert.Contains(t, out, "Finished processing 2 / 2 hosts")
}

func TestRPCCmd_JSON(t *testing.T) {
	broker := transport.NewBroker()
	startNode(t, broker, "node1", "country: uk\n")

	c, _ := testCLI(t, "client1", broker)
	out, err := execute(t, c, "rpc", "rpcutil", "ping", "-j", "--dt", "200ms")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "node1", results[0]["sender"])
}

func TestRPCCmd_BatchRequiresDirectAddressing(t *testing.T) {
	c, _ := testCLI(t, "client1", transport.NewBroker())
	_, err := execute(t, c, "rpc", "rpcutil", "ping", "--batch", "2")
	assert.ErrorContains(t, err, "direct addressing")
}

func TestInventoryCmd_NeedsRedis(t *testing.T) {
	c, _ := testCLI(t, "client1", nil)
	_, err := execute(t, c, "inventory")
	assert.ErrorContains(t, err, "redis.addr")
}

func TestFactsCmd(t *testing.T) {
	broker := transport.NewBroker()
	startNode(t, broker, "uk1", "country: uk\n")
	startNode(t, broker, "uk2", "country: uk\n")
	startNode(t, broker, "de1", "country: de\n")

	c, _ := testCLI(t, "client1", broker)
	out, err := execute(t, c, "facts", "country", "--show-nodes", "--dt", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Report for fact: country")
	assert.Contains(t, out, "found 2 times")
	assert.Contains(t, out, "uk1, uk2")
	assert.Contains(t, out, "found 1 times")
}

func TestInventoryCmd(t *testing.T) {
	mr := miniredis.RunT(t)
	c, _ := testCLI(t, "client1", nil)
	c.cfg.Redis.Addr = mr.Addr()

	store, err := c.inventoryStore()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &inventory.Registration{
		Identity:    "web1",
		Collectives: []string{"mcollective"},
		Agents:      []string{"discovery", "rpcutil"},
		Facts:       map[string]any{"country": "uk"},
		UpdatedAt:   time.Now(),
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, c, "inventory")
	require.NoError(t, err)
	assert.Contains(t, out, "web1")
	assert.Contains(t, out, "1 registered nodes")

	c.out.(*bytes.Buffer).Reset()
	out, err = execute(t, c, "inventory", "web1")
	require.NoError(t, err)
	assert.Contains(t, out, "discovery, rpcutil")
	assert.Contains(t, out, "country")
}
