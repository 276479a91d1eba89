package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aixgo-dev/fleet/internal/rpc"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newFactsCmd(c *cli) *cobra.Command {
	var showNodes bool
	cmd := &cobra.Command{
		Use:   "facts <fact>",
		Short: "Report on usage for a specific fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.factReport(cmd.Context(), args[0], showNodes)
		},
	}
	cmd.Flags().BoolVar(&showNodes, "show-nodes", false, "List the nodes reporting each value")
	return cmd
}

func (c *cli) factReport(ctx context.Context, fact string, showNodes bool) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	rc, err := c.newRPC(s, "rpcutil")
	if err != nil {
		return err
	}
	results, stats, err := rc.Results(ctx, "get_fact", map[string]any{"fact": fact})
	if err != nil {
		return err
	}

	nodesByValue := make(map[string][]string)
	for _, r := range results {
		if r.OK() {
			v := fmt.Sprint(r.Data["value"])
			nodesByValue[v] = append(nodesByValue[v], r.Sender)
		}
	}

	pterm.Fprintln(c.out, "Report for fact:", fact)
	pterm.Fprintln(c.out)
	table := pterm.TableData{}
	for _, cnt := range rpc.Summary(results, "value") {
		row := []string{cnt.Value, fmt.Sprintf("found %d times", cnt.Count)}
		if showNodes {
			nodes := nodesByValue[cnt.Value]
			sort.Strings(nodes)
			row = append(row, strings.Join(nodes, ", "))
		}
		table = append(table, row)
	}
	if len(table) > 0 {
		if err := pterm.DefaultTable.WithWriter(c.out).WithData(table).Render(); err != nil {
			return err
		}
	}
	c.printStats(stats)
	return nil
}
