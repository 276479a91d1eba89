package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Server exposes /metrics and the /health endpoints of the node daemon
type Server struct {
	httpServer *http.Server
	port       int
	health     *HealthChecker
	logger     logrus.FieldLogger
}

// NewServer creates a server answering health requests from health
func NewServer(port int, health *HealthChecker, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if health == nil {
		health = NewHealthChecker("", nil)
	}
	return &Server{
		port:   port,
		health: health,
		logger: logger,
	}
}

// Handler returns the mux served by Start
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.health.HealthHandler())
	mux.HandleFunc("/health/live", s.health.LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())

	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("observability server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
