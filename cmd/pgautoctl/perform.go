package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// performCmd groups the three operator-triggered transitions spec.md
// §6 names. `switchover` has no RPC of its own: a planned switchover
// and an operator-forced failover both resolve to the same monitor
// decision (the assignment engine doesn't distinguish planned from
// forced once it's asked to reassign a group), so both subcommands
// call PerformFailover.
var performCmd = &cobra.Command{
	Use:   "perform",
	Short: "Trigger a failover, switchover or targeted promotion",
}

var performFailoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Force a failover in a group even without an observed fault",
	RunE:  runPerformFailover,
}

var performSwitchoverCmd = &cobra.Command{
	Use:   "switchover",
	Short: "Plan a graceful handover of the primary role",
	RunE:  runPerformFailover,
}

var performPromotionCmd = &cobra.Command{
	Use:   "promotion",
	Short: "Target a specific node for promotion",
	RunE:  runPerformPromotion,
}

func init() {
	performCmd.AddCommand(performFailoverCmd)
	performCmd.AddCommand(performSwitchoverCmd)
	performCmd.AddCommand(performPromotionCmd)
}

func runPerformFailover(cmd *cobra.Command, args []string) error {
	formation, group := formationAndGroup(cmd)
	client, _, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	if err := client.PerformFailover(ctx, formation, group); err != nil {
		return wrap(codeMonitorRPC, err)
	}
	fmt.Printf("failover requested for formation %q group %d\n", formation, group)
	return nil
}

func runPerformPromotion(cmd *cobra.Command, args []string) error {
	name, _ := rootCmd.PersistentFlags().GetString("name")
	if name == "" {
		return fail(codeBadArguments, "--name is required")
	}
	formation, _ := formationAndGroup(cmd)

	client, _, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	wasNeeded, err := client.PerformPromotion(ctx, formation, name)
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}
	if !wasNeeded {
		fmt.Printf("node %q is already the primary\n", name)
		return nil
	}
	fmt.Printf("promotion of %q requested\n", name)
	return nil
}
