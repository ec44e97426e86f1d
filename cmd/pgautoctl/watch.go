package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// watchCmd re-renders `show state` on an interval, clearing the
// terminal between draws like a poor man's watch(1) — spec.md §6
// lists it as its own verb rather than a flag on `show state`.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Repeatedly print node state until interrupted",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Second, "Redraw interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	formation, group := formationAndGroup(cmd)
	interval, _ := cmd.Flags().GetDuration("interval")

	client, _, err := dialMonitor(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for {
		func() {
			rctx, cancel := context.WithTimeout(ctx, defaultTimeout)
			defer cancel()
			nodes, err := client.GetCurrentState(rctx, formation, group)
			fmt.Print("\033[H\033[2J")
			fmt.Printf("pg_autoctl watch — formation %s group %d — %s\n\n", formation, group, time.Now().Format(time.RFC3339))
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return
			}
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
			fmt.Printf("%-4s %-16s %-20s %-14s %-14s %-10s\n", "ID", "NAME", "HOST:PORT", "REPORTED", "GOAL", "HEALTH")
			for _, n := range nodes {
				fmt.Printf("%-4d %-16s %-20s %-14s %-14s %-10s\n",
					n.ID, n.Name, fmt.Sprintf("%s:%d", n.Host, n.Port), n.ReportedState, n.GoalState, n.Health)
			}
		}()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
