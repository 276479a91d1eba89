package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the rolled up state of a node daemon
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// HealthCheck tests one node dependency. A failing critical check
// makes the node unhealthy, any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// NodeStatus identifies the node in health responses. Stats carries the
// runner counters.
type NodeStatus struct {
	Identity    string   `json:"identity"`
	Collectives []string `json:"collectives,omitempty"`
	Agents      []string `json:"agents,omitempty"`
	Stats       any      `json:"stats,omitempty"`
}

// CheckStatus is the outcome of a single check
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// HealthResponse is served on /health
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Node      NodeStatus             `json:"node"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// HealthChecker runs the registered checks for one node daemon.
type HealthChecker struct {
	version string
	node    func() NodeStatus
	started time.Time

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// NewHealthChecker creates a checker reporting version. node is called on
// every check and may be nil.
func NewHealthChecker(version string, node func() NodeStatus) *HealthChecker {
	if node == nil {
		node = func() NodeStatus { return NodeStatus{} }
	}
	return &HealthChecker{
		version: version,
		node:    node,
		started: time.Now(),
		checks:  make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds or replaces the check with the same name
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultCheckTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check runs every check concurrently and rolls the results up.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Node:      hc.node(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}
	for i, check := range checks {
		status := results[i]
		resp.Checks[check.Name] = status
		switch {
		case status.Status == HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case status.Status == HealthStatusDegraded && resp.Status == HealthStatusHealthy:
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

func runCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- check.CheckFunc(checkCtx) }()

	var err error
	select {
	case err = <-errc:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	status := CheckStatus{Status: HealthStatusHealthy, Message: "OK", Duration: time.Since(start).String()}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}

// HealthHandler serves the full report. Degraded nodes still answer 200.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process serves HTTP
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "alive",
			"identity": hc.node().Identity,
		})
	}
}

// ReadinessHandler reports ready only when every check passes
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status == HealthStatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// SubscriptionCheck fails until ready is closed. A node that is not
// subscribed cannot receive requests.
func SubscriptionCheck(ready <-chan struct{}) *HealthCheck {
	return &HealthCheck{
		Name:     "subscription",
		Critical: true,
		Timeout:  time.Second,
		CheckFunc: func(context.Context) error {
			select {
			case <-ready:
				return nil
			default:
				return errors.New("not subscribed to the middleware")
			}
		},
	}
}

// ConnectorCheck pings the middleware connection.
func ConnectorCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "connector",
		CheckFunc: ping,
		Critical:  true,
	}
}

// InventoryCheck pings the registration store. Registration failures
// degrade the node but do not stop it serving requests.
func InventoryCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "inventory",
		CheckFunc: ping,
	}
}
