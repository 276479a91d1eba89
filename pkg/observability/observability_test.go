package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func TestHealthChecker_Status(t *testing.T) {
	ready := make(chan struct{})
	close(ready)

	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all passing", []*HealthCheck{SubscriptionCheck(ready), ConnectorCheck(passing), InventoryCheck(passing)}, HealthStatusHealthy},
		{"inventory down", []*HealthCheck{ConnectorCheck(passing), InventoryCheck(func(context.Context) error { return errors.New("refused") })}, HealthStatusDegraded},
		{"connector down", []*HealthCheck{ConnectorCheck(func(context.Context) error { return errors.New("closed") }), InventoryCheck(passing)}, HealthStatusUnhealthy},
		{"not subscribed", []*HealthCheck{SubscriptionCheck(make(chan struct{}))}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("dev", nil)
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	hc := NewHealthChecker("dev", nil)
	hc.RegisterCheck(&HealthCheck{
		Name:      "slow",
		Critical:  true,
		Timeout:   20 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestHealthChecker_NodeStatus(t *testing.T) {
	calls := 0
	hc := NewHealthChecker("1.2.3", func() NodeStatus {
		calls++
		return NodeStatus{Identity: "web1", Agents: []string{"rpcutil"}, Stats: map[string]int{"passed": calls}}
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "web1", resp.Node.Identity)
	assert.Equal(t, map[string]int{"passed": 1}, resp.Node.Stats)

	resp = hc.Check(context.Background())
	assert.Equal(t, map[string]int{"passed": 2}, resp.Node.Stats, "node status is read on every check")
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestServer_Handler(t *testing.T) {
	InitMetrics()
	RecordNodeMessage("passed")

	ready := make(chan struct{})
	hc := NewHealthChecker("1.2.3", func() NodeStatus { return NodeStatus{Identity: "web1"} })
	hc.RegisterCheck(SubscriptionCheck(ready))

	logger, _ := test.NewNullLogger()
	srv := httptest.NewServer(NewServer(0, hc, logger).Handler())
	defer srv.Close()

	code, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, "web1", health.Node.Identity)
	assert.Equal(t, HealthStatusUnhealthy, health.Checks["subscription"].Status)

	code, _ = get(t, srv.URL+"/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	close(ready)
	code, _ = get(t, srv.URL+"/health/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, srv.URL+"/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"alive","identity":"web1"}`, string(body))

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `fleet_node_messages_total{result="passed"}`)
}
