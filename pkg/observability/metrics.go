package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Client metrics
	requestsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_requests_published_total",
			Help: "Total number of requests published",
		},
		[]string{"agent", "type"},
	)

	repliesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_replies_received_total",
			Help: "Total number of replies accepted by the receive loop",
		},
		[]string{"agent"},
	)

	noResponseNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_no_response_nodes_total",
			Help: "Total number of expected nodes that did not reply in time",
		},
		[]string{"agent"},
	)

	publishTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_publish_timeouts_total",
			Help: "Total number of publishes abandoned after the publish timeout",
		},
	)

	// Discovery metrics
	discoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_discovery_duration_seconds",
			Help:    "Discovery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	discoveredNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_discovered_nodes_total",
			Help: "Total number of nodes returned by discovery",
		},
		[]string{"method"},
	)

	// Node metrics
	nodeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_node_messages_total",
			Help: "Total number of requests seen by the node, by validation result",
		},
		[]string{"result"},
	)

	agentDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_dispatch_total",
			Help: "Total number of agent handler invocations by outcome",
		},
		[]string{"agent", "outcome"},
	)

	agentHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_agent_handler_duration_seconds",
			Help:    "Agent handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// System metrics
	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestsPublishedTotal,
			repliesReceivedTotal,
			noResponseNodesTotal,
			publishTimeoutsTotal,
			discoveryDuration,
			discoveredNodesTotal,
			nodeMessagesTotal,
			agentDispatchTotal,
			agentHandlerDuration,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRequestPublished records a request leaving the client
func RecordRequestPublished(agent, msgType string) {
	requestsPublishedTotal.WithLabelValues(agent, msgType).Inc()
}

// RecordReplies records the outcome of one receive loop
func RecordReplies(agent string, received, missing int) {
	repliesReceivedTotal.WithLabelValues(agent).Add(float64(received))
	noResponseNodesTotal.WithLabelValues(agent).Add(float64(missing))
}

// RecordPublishTimeout records a publish that did not finish in time
func RecordPublishTimeout() {
	publishTimeoutsTotal.Inc()
}

// RecordDiscovery records a discovery run
func RecordDiscovery(method string, nodes int, duration time.Duration) {
	discoveryDuration.WithLabelValues(method).Observe(duration.Seconds())
	discoveredNodesTotal.WithLabelValues(method).Add(float64(nodes))
}

// RecordNodeMessage records a request received by a node
func RecordNodeMessage(result string) {
	nodeMessagesTotal.WithLabelValues(result).Inc()
}

// RecordAgentDispatch records a handler invocation on a node
func RecordAgentDispatch(agent, outcome string, duration time.Duration) {
	agentDispatchTotal.WithLabelValues(agent, outcome).Inc()
	agentHandlerDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
