package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/internal/client"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newPingCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Ping all nodes matching the filter and report their response times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ping(cmd.Context())
		},
	}
}

type pingReply struct {
	identity string
	elapsed  time.Duration
}

func (c *cli) ping(ctx context.Context) error {
	f, err := c.buildFilter()
	if err != nil {
		return err
	}
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	timeout := c.cfg.DiscoveryTimeout.Duration
	if c.opts.discoveryTimeout > 0 {
		timeout = c.opts.discoveryTimeout
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var (
		mu      sync.Mutex
		replies []pingReply
	)
	start := time.Now()
	f.AddAgent(client.DiscoveryAgent)
	err = s.client.Ping(ctx, f, c.collective(), timeout, 0, func(identity string) {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, pingReply{identity: identity, elapsed: time.Since(start)})
	})
	if err != nil {
		return err
	}

	if len(replies) == 0 {
		pterm.Warning.WithWriter(c.out).Println("No responses received")
		return nil
	}

	fastest, slowest := replies[0].elapsed, replies[0].elapsed
	var total time.Duration
	for _, r := range replies {
		pterm.Fprintln(c.out, fmt.Sprintf("%-40s time=%.2f ms", r.identity, ms(r.elapsed)))
		fastest = min(fastest, r.elapsed)
		slowest = max(slowest, r.elapsed)
		total += r.elapsed
	}
	avg := total / time.Duration(len(replies))
	pterm.Fprintln(c.out)
	pterm.Fprintln(c.out, "---- ping statistics ----")
	pterm.Fprintln(c.out, fmt.Sprintf("%d replies max: %.2f min: %.2f avg: %.2f", len(replies), ms(slowest), ms(fastest), ms(avg)))
	return nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func newFindCmd(c *cli) *cobra.Command {
	var (
		asJSON bool
		silent bool
	)
	cmd := &cobra.Command{
		Use:     "find",
		Aliases: []string{"discover"},
		Short:   "Find nodes matching the filter",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := c.find(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(c.out).Encode(nodes)
			}
			for _, n := range nodes {
				pterm.Fprintln(c.out, n)
			}
			if !silent {
				pterm.Info.WithWriter(c.out).Printfln("Discovered %d nodes", len(nodes))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Print identities as a JSON array")
	cmd.Flags().BoolVar(&silent, "silent", false, "Do not print a summary")
	return cmd
}

// find runs discovery with the current filter and limits and returns the
// sorted identities.
func (c *cli) find(ctx context.Context) ([]string, error) {
	s, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close(context.WithoutCancel(ctx))

	rc, err := c.newRPC(s, client.DiscoveryAgent)
	if err != nil {
		return nil, err
	}
	nodes, err := rc.Discover(ctx)
	if err != nil {
		return nil, err
	}
	nodes = slices.Clone(nodes)
	slices.Sort(nodes)
	return nodes, nil
}
