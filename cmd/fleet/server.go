package main

import (
	"context"
	"errors"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/agents"
	"github.com/aixgo-dev/fleet/internal/data"
	"github.com/aixgo-dev/fleet/internal/facts"
	"github.com/aixgo-dev/fleet/internal/observability"
	"github.com/aixgo-dev/fleet/internal/server"
	metrics "github.com/aixgo-dev/fleet/pkg/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the node daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, nil)
		},
	}
}

// daemon is a fully wired node.
type daemon struct {
	registry     *agent.Registry
	runner       *server.Runner
	registration *server.Registration
	health       *metrics.HealthChecker
}

// newDaemon wires the node: facts, data plugins, agents, dispatcher and
// runner. register adds extra agents before the runner subscribes.
func (c *cli) newDaemon(register func(*agent.Registry) error) (*daemon, error) {
	cfg := c.cfg
	logger := c.logger.WithField("identity", cfg.Identity)

	conn, err := c.connector()
	if err != nil {
		return nil, err
	}
	sec, err := c.securityProvider()
	if err != nil {
		return nil, err
	}

	factSource := facts.NewYAMLSource(logger, cfg.FactSource...)
	reg := agent.NewRegistry()

	functions := data.NewRegistry()
	for _, p := range []data.Plugin{
		data.FactPlugin{Source: factSource},
		data.FstatPlugin{},
		data.CollectivePlugin{Collectives: cfg.Collectives},
		data.AgentPlugin{Agents: reg},
	} {
		if _, err := functions.Register(p); err != nil {
			return nil, err
		}
	}

	d := &daemon{registry: reg}
	err = agents.RegisterBuiltins(reg, agents.NodeInfo{
		Identity:       cfg.Identity,
		Collectives:    cfg.Collectives,
		MainCollective: cfg.MainCollective,
		Facts:          factSource,
		ClassesFile:    cfg.ClassesFile,
		Agents:         reg,
		DataPlugins:    functions.Names,
		Stats:          func() any { return d.runner.Stats() },
	})
	if err != nil {
		return nil, err
	}
	if register != nil {
		if err := register(reg); err != nil {
			return nil, err
		}
	}

	limiter := server.NewAgentRateLimiter()
	for name, a := range cfg.Agents {
		if a.RateLimit > 0 {
			limiter.SetAgentLimit(name, a.RateLimit, max(a.Burst, 1))
		}
	}
	dispatcher := server.NewDispatcher(reg, server.WithDispatcherLogger(logger), server.WithRateLimiter(limiter))

	node := &facts.Node{
		Identity:    cfg.Identity,
		Facts:       factSource,
		ClassesFile: cfg.ClassesFile,
		Agents:      reg,
		Logger:      logger,
	}
	d.runner = server.NewRunner(conn, sec, reg, dispatcher, node, functions, server.RunnerConfig{
		Identity:    cfg.Identity,
		Collectives: cfg.Collectives,
		Logger:      c.logger,
	})

	d.health = metrics.NewHealthChecker(Version, func() metrics.NodeStatus {
		return metrics.NodeStatus{
			Identity:    cfg.Identity,
			Collectives: cfg.Collectives,
			Agents:      reg.Names(),
			Stats:       d.runner.Stats(),
		}
	})
	d.health.RegisterCheck(metrics.SubscriptionCheck(d.runner.Ready()))
	d.health.RegisterCheck(metrics.ConnectorCheck(conn.Ping))

	if cfg.Registration.Enabled {
		store, err := c.inventoryStore()
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.New("registration needs redis.addr")
		}
		d.registration = &server.Registration{
			Identity:    cfg.Identity,
			Collectives: cfg.Collectives,
			Agents:      reg,
			Facts:       factSource,
			ClassesFile: cfg.ClassesFile,
			Store:       store,
			Interval:    cfg.Registration.Interval.Duration,
			Logger:      logger,
		}
		d.health.RegisterCheck(metrics.InventoryCheck(func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		}))
	}
	return d, nil
}

// serve runs the node daemon until ctx is canceled.
func (c *cli) serve(ctx context.Context, register func(*agent.Registry) error) error {
	cfg := c.cfg

	if err := observability.Init(observability.Config{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Logger:   c.logger,
	}); err != nil {
		return err
	}
	defer func() { _ = observability.Shutdown(context.Background()) }()

	d, err := c.newDaemon(register)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runner.Run(ctx) })

	if d.registration != nil {
		g.Go(func() error {
			select {
			case <-d.runner.Ready():
			case <-ctx.Done():
				return nil
			}
			if err := d.registration.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			d.registration.Stop()
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
		srv := metrics.NewServer(cfg.Metrics.Port, d.health, c.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					metrics.SetGoroutines(runtime.NumGoroutine())
				}
			}
		})
	}

	c.logger.WithField("identity", cfg.Identity).Info("fleet node starting")
	err = g.Wait()
	if d.registration != nil {
		_ = d.registration.Store.Close()
	}
	c.logger.Info("fleet node stopped")
	return err
}
