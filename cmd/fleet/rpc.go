package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/rpc"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type rpcOptions struct {
	asJSON    bool
	summarize []string
	noResults bool
	verbose   bool
}

func newRPCCmd(c *cli) *cobra.Command {
	var o rpcOptions
	cmd := &cobra.Command{
		Use:   "rpc <agent> <action> [key=value ...]",
		Short: "Call an agent action on every node matching the filter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseArguments(args[2:])
			if err != nil {
				return err
			}
			return c.rpc(cmd.Context(), args[0], args[1], data, o)
		},
	}
	cmd.Flags().BoolVarP(&o.asJSON, "json", "j", false, "Print results as JSON")
	cmd.Flags().StringArrayVar(&o.summarize, "summarize", nil, "Summarize a reply data key across nodes")
	cmd.Flags().BoolVar(&o.noResults, "no-results", false, "Send the request without waiting for replies")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "Print successful replies too")
	return cmd
}

// parseArguments turns key=value pairs into request data. Values are
// typed the same way filter comparands are.
func parseArguments(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("could not parse %q as key=value", arg)
		}
		data[k] = filter.ParseLiteral(v)
	}
	return data, nil
}

func (c *cli) rpc(ctx context.Context, agentName, action string, data map[string]any, o rpcOptions) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	rc, err := c.newRPC(s, agentName)
	if err != nil {
		return err
	}

	if o.noResults {
		stats, err := rc.Call(ctx, action, data, nil, rpc.WithoutResults())
		if err != nil {
			return err
		}
		pterm.Fprintln(c.out, "Request sent with id:", stats.RequestID)
		return nil
	}

	results, stats, err := rc.Results(ctx, action, data)
	if err != nil {
		return err
	}

	if o.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Sender < results[j].Sender })
	c.printResults(results, o.verbose)

	for _, key := range o.summarize {
		c.printSummary(key, rpc.Summary(results, key))
	}
	c.printStats(stats)
	return nil
}

func (c *cli) printResults(results []rpc.Result, verbose bool) {
	table := pterm.TableData{{"Node", "Status", "Data"}}
	for _, r := range results {
		if r.OK() && !verbose && len(results) > 1 {
			continue
		}
		table = append(table, []string{r.Sender, r.StatusMsg, formatData(r.Data)})
	}
	if len(table) == 1 {
		return
	}
	_ = pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(table).Render()
}

func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := data[k]
		switch v.(type) {
		case map[string]any, []any:
			raw, _ := json.Marshal(v)
			v = string(raw)
		}
		lines = append(lines, fmt.Sprintf("%s: %v", k, v))
	}
	return strings.Join(lines, "\n")
}

func (c *cli) printSummary(key string, counts []rpc.Count) {
	pterm.Fprintln(c.out)
	pterm.Fprintln(c.out, "Summary of", key+":")
	table := pterm.TableData{}
	for _, cnt := range counts {
		table = append(table, []string{cnt.Value, fmt.Sprint(cnt.Count)})
	}
	if len(table) == 0 {
		pterm.Fprintln(c.out, "   no data")
		return
	}
	_ = pterm.DefaultTable.WithWriter(c.out).WithData(table).Render()
}

func (c *cli) printStats(stats rpc.Stats) {
	pterm.Fprintln(c.out)
	pterm.Fprintln(c.out, fmt.Sprintf("Finished processing %d / %d hosts in %.2f ms",
		stats.Responses, len(stats.DiscoveredNodes), ms(stats.TotalTime)))
	if stats.FailCount > 0 {
		pterm.Warning.WithWriter(c.out).Printfln("%d hosts failed the request", stats.FailCount)
	}
	if len(stats.NoResponseFrom) > 0 {
		pterm.Warning.WithWriter(c.out).Printfln("No response from: %s", strings.Join(stats.NoResponseFrom, ", "))
	}
}

func newDescribeFilterCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "describe-filter",
		Short: "Explain how the filter flags will be evaluated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.buildFilter()
			if err != nil {
				return err
			}
			if f.Empty() {
				pterm.Fprintln(c.out, "Empty filter: every node matches")
				return nil
			}
			pterm.Fprint(c.out, f.Describe())
			if len(f.Agent) > 0 {
				pterm.Fprintln(c.out, "-A filter requires these agents:", strings.Join(f.Agent, ", "))
			}
			if len(f.Identity) > 0 {
				pterm.Fprintln(c.out, "-I filter matches these identities:", strings.Join(f.Identity, ", "))
			}
			return nil
		},
	}
}
