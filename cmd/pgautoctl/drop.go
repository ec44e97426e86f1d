package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// dropCmd removes a node from a formation. RemoveNodeRequest only
// carries a node id, so --name is resolved client-side against
// GetCurrentState first, unlike SetMaintenance/PerformPromotion, which
// send the name and let the monitor resolve it.
var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop a node from its formation",
}

var dropNodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Remove a node by name, finally de-registering it",
	RunE:  runDropNode,
}

func init() {
	dropCmd.AddCommand(dropNodeCmd)
}

func runDropNode(cmd *cobra.Command, args []string) error {
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

	nodes, err := client.GetCurrentState(ctx, formation, group)
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}
	var nodeID int64
	found := false
	for _, n := range nodes {
		if n.Name == name {
			nodeID = n.ID
			found = true
			break
		}
	}
	if !found {
		return fail(codeBadArguments, "no node named %q in formation %q group %d", name, formation, group)
	}

	if err := client.RemoveNode(ctx, nodeID); err != nil {
		return wrap(codeMonitorRPC, err)
	}
	fmt.Printf("dropped node %q (id %d)\n", name, nodeID)
	return nil
}
