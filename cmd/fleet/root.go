package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aixgo-dev/fleet/internal/client"
	"github.com/aixgo-dev/fleet/internal/data"
	"github.com/aixgo-dev/fleet/internal/discovery"
	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/inventory"
	"github.com/aixgo-dev/fleet/internal/rpc"
	"github.com/aixgo-dev/fleet/internal/security"
	"github.com/aixgo-dev/fleet/internal/transport"
	"github.com/aixgo-dev/fleet/pkg/config"
	"github.com/aixgo-dev/fleet/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

// globalOptions are the filter and request flags shared by every client
// command.
type globalOptions struct {
	configFile string
	logLevel   string

	collective string
	facts      []string
	classes    []string
	agents     []string
	identities []string
	compound   []string

	discoveryMethod  string
	discoveryOptions []string
	discoveryTimeout time.Duration
	timeout          time.Duration

	limit      string
	limitSeed  int64
	batch      string
	batchSleep string
	nodesFile  string
	threaded   bool
}

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	opts   globalOptions
	cfg    *config.Config
	logger *logrus.Logger
	closer io.Closer

	// broker backs the memory connector. Commands sharing a cli instance
	// share one in-process network.
	broker *transport.Broker
	stdin  io.Reader
	out    io.Writer

	flagChanged func(name string) bool
}

func newCLI() *cli {
	return &cli{stdin: os.Stdin, out: os.Stdout}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Fleet orchestration client and node daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.flagChanged = func(name string) bool { return cmd.Flags().Changed(name) }
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}
	root.SetOut(c.out)

	f := root.PersistentFlags()
	f.StringVar(&c.opts.configFile, "config", os.Getenv("FLEET_CONFIG"), "Configuration file")
	f.StringVar(&c.opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVarP(&c.opts.collective, "target", "T", "", "Target collective")
	f.StringArrayVarP(&c.opts.facts, "wf", "F", nil, "Fact filter, e.g. country=uk")
	f.StringArrayVarP(&c.opts.classes, "wc", "C", nil, "Class filter, /regex/ allowed")
	f.StringArrayVarP(&c.opts.agents, "wa", "A", nil, "Agent filter")
	f.StringArrayVarP(&c.opts.identities, "wi", "I", nil, "Identity filter, /regex/ allowed")
	f.StringArrayVarP(&c.opts.compound, "select", "S", nil, "Compound filter expression")
	f.StringVar(&c.opts.discoveryMethod, "dm", "", "Discovery method")
	f.StringArrayVar(&c.opts.discoveryOptions, "do", nil, "Discovery method option")
	f.DurationVar(&c.opts.discoveryTimeout, "dt", 0, "Discovery timeout")
	f.DurationVar(&c.opts.timeout, "timeout", 0, "Agent action timeout")
	f.StringVar(&c.opts.limit, "limit", "", "Limit to N nodes or N% of nodes")
	f.Int64Var(&c.opts.limitSeed, "limit-seed", 0, "Seed for random limiting")
	f.StringVar(&c.opts.batch, "batch", "", "Send requests in batches of N nodes or N%")
	f.StringVar(&c.opts.batchSleep, "batch-sleep", "", "Sleep between batches, in seconds")
	f.StringVar(&c.opts.nodesFile, "nodes", "", "File of node identities to address directly")
	f.BoolVar(&c.opts.threaded, "threaded", false, "Publish and receive concurrently")

	root.AddCommand(
		newPingCmd(c),
		newFindCmd(c),
		newRPCCmd(c),
		newFactsCmd(c),
		newDescribeFilterCmd(c),
		newServerCmd(c),
		newInventoryCmd(c),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (c *cli) setup() error {
	if c.cfg == nil {
		var err error
		if c.opts.configFile != "" {
			c.cfg, err = config.LoadConfig(c.opts.configFile)
			if err != nil {
				return err
			}
		} else {
			c.cfg = config.Default()
		}
	}
	if c.opts.logLevel != "" {
		c.cfg.Logging.Level = c.opts.logLevel
	}
	if c.flagChanged != nil && c.flagChanged("threaded") {
		c.cfg.Threaded = c.opts.threaded
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.logger == nil {
		logger, closer, err := logging.New(c.cfg.Logging)
		if err != nil {
			return err
		}
		c.logger, c.closer = logger, closer
	}
	return nil
}

func (c *cli) collective() string {
	if c.opts.collective != "" {
		return c.opts.collective
	}
	return c.cfg.MainCollective
}

// buildFilter turns the filter flags into a Filter.
func (c *cli) buildFilter() (*filter.Filter, error) {
	f := filter.New()
	for _, s := range c.opts.facts {
		if err := f.AddFactString(s); err != nil {
			return nil, err
		}
	}
	for _, s := range c.opts.classes {
		f.AddClass(s)
	}
	for _, s := range c.opts.agents {
		f.AddAgent(s)
	}
	for _, s := range c.opts.identities {
		f.AddIdentity(s)
	}
	for _, s := range c.opts.compound {
		if err := f.AddCompound(s); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (c *cli) securityProvider() (security.Provider, error) {
	return security.New(security.Config{
		Provider: c.cfg.Security.Provider,
		Identity: c.cfg.Identity,
		PSK:      c.cfg.Security.PSK,
		CallerID: c.cfg.Security.CallerID,
	})
}

func (c *cli) connector() (transport.Connector, error) {
	if c.broker == nil {
		c.broker = transport.NewBroker(transport.WithBrokerLogger(c.logger))
	}
	return transport.New(transport.Options{
		Name:     c.cfg.Connector,
		Identity: c.cfg.Identity,
		Broker:   c.broker,
		Redis: transport.RedisConfig{
			Addr:     c.cfg.Redis.Addr,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
			Prefix:   c.cfg.Redis.Prefix,
		},
		Logger: c.logger,
	})
}

// inventoryStore opens the registration store, or returns nil when no
// Redis server is configured.
func (c *cli) inventoryStore() (inventory.Store, error) {
	if c.cfg.Redis.Addr == "" {
		return nil, nil
	}
	return inventory.NewRedisStore(inventory.RedisConfig{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
		Prefix:   c.cfg.Redis.Prefix + "inventory:",
		TTL:      c.cfg.Registration.TTL.Duration,
	})
}

// session is a connected client plus its discovery engine.
type session struct {
	client *client.Client
	engine *discovery.Engine
	store  inventory.Store
}

func (s *session) Close(ctx context.Context) {
	_ = s.client.Disconnect(ctx)
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (c *cli) connect(ctx context.Context) (*session, error) {
	conn, err := c.connector()
	if err != nil {
		return nil, err
	}
	sec, err := c.securityProvider()
	if err != nil {
		return nil, err
	}

	cl := client.New(conn, sec, client.Config{
		Collective:       c.collective(),
		PublishTimeout:   c.cfg.PublishTimeout.Duration,
		Threaded:         c.cfg.Threaded,
		DirectAddressing: c.cfg.DirectAddressing,
		Threshold:        c.cfg.DirectAddressingThreshold,
		TTL:              c.cfg.TTL.Duration,
		Logger:           c.logger,
	})
	if err := cl.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &session{client: cl}

	methods := discovery.NewRegistry()
	for _, m := range []discovery.Method{
		discovery.MC{Client: cl},
		discovery.Flatfile{},
		discovery.Stdin{Reader: c.stdin},
		discovery.External{Command: os.Args[0], Method: discovery.DefaultMethod, Logger: c.logger},
	} {
		if err := methods.Register(m); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}
	store, err := c.inventoryStore()
	if err != nil {
		c.logger.WithError(err).Warn("inventory discovery unavailable")
	} else if store != nil {
		s.store = store
		if err := methods.Register(discovery.Inventory{Store: store, Logger: c.logger}); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}

	s.engine = discovery.NewEngine(methods, discovery.Config{
		DefaultMethod:    c.cfg.DefaultDiscoveryMethod,
		DirectAddressing: c.cfg.DirectAddressing,
		Collective:       c.collective(),
		DataTimeout:      dataTimeouts().Timeout,
		Logger:           c.logger,
	})
	method, options := c.cfg.DefaultDiscoveryMethod, c.cfg.DefaultDiscoveryOptions
	if c.opts.discoveryMethod != "" {
		method, options = c.opts.discoveryMethod, nil
	}
	if len(c.opts.discoveryOptions) > 0 {
		options = c.opts.discoveryOptions
	}
	if method != c.cfg.DefaultDiscoveryMethod || len(options) > 0 {
		s.engine.SetMethod(method, options...)
	}
	return s, nil
}

// dataTimeouts describes the data plugins nodes are expected to carry so
// compound filters can budget discovery time for them.
func dataTimeouts() *data.Registry {
	reg := data.NewRegistry()
	for _, p := range []data.Plugin{data.FactPlugin{}, data.FstatPlugin{}, data.CollectivePlugin{}, data.AgentPlugin{}} {
		_, _ = reg.Register(p)
	}
	return reg
}

// newRPC builds an RPC client for agent from the flags and configuration.
func (c *cli) newRPC(s *session, agentName string) (*rpc.Client, error) {
	f, err := c.buildFilter()
	if err != nil {
		return nil, err
	}

	method, err := rpc.ParseLimitMethod(c.cfg.RPCLimitMethod)
	if err != nil {
		return nil, err
	}
	opts := []rpc.Option{
		rpc.WithFilter(f),
		rpc.WithLimitMethod(method),
		rpc.WithLogger(c.logger),
	}
	if c.opts.timeout > 0 {
		opts = append(opts, rpc.WithTimeout(c.opts.timeout))
	}
	discoveryTimeout := c.cfg.DiscoveryTimeout.Duration
	if c.opts.discoveryTimeout > 0 {
		discoveryTimeout = c.opts.discoveryTimeout
	}
	if discoveryTimeout > 0 {
		opts = append(opts, rpc.WithDiscoveryTimeout(discoveryTimeout))
	}
	if c.flagChanged != nil && c.flagChanged("limit-seed") {
		opts = append(opts, rpc.WithLimitSeed(c.opts.limitSeed))
	}

	rc := rpc.NewClient(agentName, s.client, s.engine, opts...)

	if c.opts.limit != "" {
		if err := rc.SetLimit(c.opts.limit); err != nil {
			return nil, err
		}
	}

	batch := c.opts.batch
	if batch == "" && c.cfg.DefaultBatchSize > 0 {
		batch = fmt.Sprint(c.cfg.DefaultBatchSize)
	}
	if batch != "" {
		if err := rc.SetBatchSize(batch); err != nil {
			return nil, err
		}
		sleep := c.cfg.DefaultBatchSleepTime.Duration
		if c.opts.batchSleep != "" {
			if sleep, err = rpc.ParseBatchSleep(c.opts.batchSleep); err != nil {
				return nil, err
			}
		}
		if err := rc.SetBatchSleep(sleep); err != nil {
			return nil, err
		}
	}

	if c.opts.nodesFile != "" {
		raw, err := os.ReadFile(c.opts.nodesFile)
		if err != nil {
			return nil, fmt.Errorf("read nodes: %w", err)
		}
		if err := rc.SetNodes(strings.Fields(string(raw))); err != nil {
			return nil, err
		}
	}
	return rc, nil
}
