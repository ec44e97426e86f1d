package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// enableCmd/disableCmd implement `enable|disable maintenance`: pinning
// or releasing a node's assignment engine override via the monitor's
// SetMaintenance RPC (pkg/monitor/raftfsm.go's opSetMaintenance).
var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable a maintenance mode on a node",
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a maintenance mode on a node",
}

var enableMaintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Pause a node's assignment so it can be safely taken down for maintenance",
	RunE:  runSetMaintenance(true),
}

var disableMaintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Resume normal assignment for a node coming back from maintenance",
	RunE:  runSetMaintenance(false),
}

func init() {
	enableCmd.AddCommand(enableMaintenanceCmd)
	disableCmd.AddCommand(disableMaintenanceCmd)
}

func runSetMaintenance(paused bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name, _ := rootCmd.PersistentFlags().GetString("name")
		if name == "" {
			return fail(codeBadArguments, "--name is required")
		}
		formation, group := formationAndGroup(cmd)

		client, _, err := dialMonitor(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
		defer cancel()

		if err := client.SetMaintenance(ctx, formation, group, name, paused); err != nil {
			return wrap(codeMonitorRPC, err)
		}
		verb := "enabled"
		if !paused {
			verb = "disabled"
		}
		fmt.Printf("maintenance %s for node %q\n", verb, name)
		return nil
	}
}
