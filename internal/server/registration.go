package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/internal/facts"
	"github.com/aixgo-dev/fleet/internal/inventory"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRegistrationInterval is used when no interval is configured.
const DefaultRegistrationInterval = time.Minute

// Registration periodically publishes what this node is into the
// inventory store, backing the inventory discovery method.
type Registration struct {
	Identity    string
	Collectives []string
	Agents      *agent.Registry
	Facts       facts.Source
	ClassesFile string
	Store       inventory.Store
	Interval    time.Duration
	Logger      logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// Start registers once immediately and then on every interval until
// Stop is called or ctx is canceled.
func (r *Registration) Start(ctx context.Context) error {
	if r.Store == nil {
		return fmt.Errorf("registration requires an inventory store")
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRegistrationInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("registration already started")
	}

	if err := r.Register(ctx); err != nil {
		r.logger().WithError(err).Warn("initial registration failed")
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := r.Register(ctx); err != nil {
			r.logger().WithError(err).Warn("registration failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule registration: %w", err)
	}
	c.Start()
	r.cron = c

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running registration.
func (r *Registration) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Register saves the current node state once.
func (r *Registration) Register(ctx context.Context) error {
	reg := &inventory.Registration{
		Identity:    r.Identity,
		Collectives: r.Collectives,
		Facts:       map[string]any{},
		UpdatedAt:   time.Now(),
	}
	if r.Agents != nil {
		reg.Agents = r.Agents.Names()
	}
	if r.Facts != nil {
		f, err := r.Facts.Facts()
		if err != nil {
			return fmt.Errorf("load facts: %w", err)
		}
		reg.Facts = f
	}
	if r.ClassesFile != "" {
		classes, err := facts.ReadClasses(r.ClassesFile)
		if err != nil {
			r.logger().WithError(err).Debug("could not read classes file")
		}
		reg.Classes = classes
	}

	if err := r.Store.Save(ctx, reg); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	r.logger().WithField("agents", len(reg.Agents)).Debug("registered node")
	return nil
}

func (r *Registration) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
