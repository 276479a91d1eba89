package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newInventoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory [identity]",
		Short: "List node registrations, or show one node in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.showNode(cmd.Context(), args[0])
			}
			return c.listInventory(cmd.Context())
		},
	}
}

func (c *cli) listInventory(ctx context.Context) error {
	store, err := c.inventoryStore()
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("the inventory needs redis.addr")
	}
	defer store.Close()

	regs, err := store.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Identity < regs[j].Identity })

	table := pterm.TableData{{"Identity", "Collectives", "Agents", "Last seen"}}
	for _, r := range regs {
		table = append(table, []string{
			r.Identity,
			strings.Join(r.Collectives, ", "),
			fmt.Sprint(len(r.Agents)),
			time.Since(r.UpdatedAt).Truncate(time.Second).String() + " ago",
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(table).Render(); err != nil {
		return err
	}
	pterm.Fprintln(c.out, fmt.Sprintf("%d registered nodes", len(regs)))
	return nil
}

func (c *cli) showNode(ctx context.Context, identity string) error {
	store, err := c.inventoryStore()
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("the inventory needs redis.addr")
	}
	defer store.Close()

	r, err := store.Get(ctx, identity)
	if err != nil {
		return err
	}

	pterm.Fprintln(c.out, pterm.Bold.Sprint(r.Identity))
	pterm.Fprintln(c.out)
	pterm.Fprintln(c.out, "Collectives:", strings.Join(r.Collectives, ", "))
	pterm.Fprintln(c.out, "Agents:     ", strings.Join(r.Agents, ", "))
	pterm.Fprintln(c.out, "Classes:    ", strings.Join(r.Classes, ", "))
	pterm.Fprintln(c.out, "Last seen:  ", r.UpdatedAt.Format(time.RFC3339))

	keys := make([]string, 0, len(r.Facts))
	for k := range r.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	table := pterm.TableData{{"Fact", "Value"}}
	for _, k := range keys {
		table = append(table, []string{k, fmt.Sprint(r.Facts[k])})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(table).Render()
}
