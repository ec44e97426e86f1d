package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgautofailover/pkg/config"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// showCmd groups the read-only inspection subcommands of spec.md §6.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Inspect cluster state, events, or local configuration",
}

var showStateCmd = &cobra.Command{Use: "state", Short: "List every node's current and goal state", RunE: runShowState}
var showEventsCmd = &cobra.Command{Use: "events", Short: "List the formation's recent event log", RunE: runShowEvents}
var showURICmd = &cobra.Command{Use: "uri", Short: "Print the monitor and/or Postgres connection strings", RunE: runShowURI}
var showSettingsCmd = &cobra.Command{Use: "settings", Short: "Print the computed replication settings for a group", RunE: runShowSettings}
var showFileCmd = &cobra.Command{Use: "file", Short: "Print the path to this node's config or state files", RunE: runShowFile}
var showStandbyNamesCmd = &cobra.Command{Use: "standby-names", Short: "Print the synchronous_standby_names expression for a group", RunE: runShowStandbyNames}

func init() {
	showCmd.AddCommand(showStateCmd, showEventsCmd, showURICmd, showSettingsCmd, showFileCmd, showStandbyNamesCmd)
	showEventsCmd.Flags().Int("limit", 20, "Maximum number of events to print, most recent first")
	showFileCmd.Flags().String("which", "config", "Which file to print the path of: config, state, init, nodes, pg")
}

func runShowState(cmd *cobra.Command, args []string) error {
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
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	if jsonOutput(cmd) {
		return printJSON(nodes)
	}
	fmt.Printf("%-4s %-16s %-20s %-14s %-14s %-10s\n", "ID", "NAME", "HOST:PORT", "REPORTED", "GOAL", "HEALTH")
	for _, n := range nodes {
		fmt.Printf("%-4d %-16s %-20s %-14s %-14s %-10s\n",
			n.ID, n.Name, fmt.Sprintf("%s:%d", n.Host, n.Port), n.ReportedState, n.GoalState, n.Health)
	}
	return nil
}

func runShowEvents(cmd *cobra.Command, args []string) error {
	formation, group := formationAndGroup(cmd)
	limit, _ := cmd.Flags().GetInt("limit")

	client, _, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	events, err := client.GetEvents(ctx, formation, group)
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID > events[j].ID })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	if jsonOutput(cmd) {
		return printJSON(events)
	}
	for _, e := range events {
		fmt.Printf("%s  [%d/%d] node %d  %s -> %s  %s  %s\n",
			e.Time.Format("2006-01-02T15:04:05Z07:00"), e.GroupID, e.NodeID, e.NodeID, e.ReportedState, e.GoalState, e.Type, e.Description)
	}
	return nil
}

func runShowURI(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		return err
	}
	fmt.Printf("monitor: %s\n", cfg.PgAutoctl.Monitor)
	fmt.Printf("postgres: postgresql://%s@%s:%d/%s\n", cfg.Postgresql.Username, localHostOrDefault(cfg.Postgresql.Host), cfg.Postgresql.Port, cfg.Postgresql.DBName)
	return nil
}

func runShowSettings(cmd *cobra.Command, args []string) error {
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
	names := quorumStandbyNames(nodes)
	fmt.Printf("formation: %s  group: %d\n", formation, group)
	fmt.Printf("number_sync_standbys: %d\n", len(names))
	fmt.Printf("synchronous_standby_names: %s\n", synchronousStandbyExpr(names))
	return nil
}

func runShowFile(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	which, _ := cmd.Flags().GetString("which")
	if which == "config" {
		path, err := config.Path(pgdataAbs)
		if err != nil {
			return wrap(codeBadConfig, err)
		}
		fmt.Println(path)
		return nil
	}
	paths, err := statePaths(pgdataAbs)
	if err != nil {
		return err
	}
	switch which {
	case "state":
		fmt.Println(paths.State)
	case "init":
		fmt.Println(paths.Init)
	case "nodes":
		fmt.Println(paths.Nodes)
	case "pg":
		fmt.Println(paths.PgExpected)
	default:
		return fail(codeBadArguments, "unknown --which %q", which)
	}
	return nil
}

func runShowStandbyNames(cmd *cobra.Command, args []string) error {
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
	fmt.Println(synchronousStandbyExpr(quorumStandbyNames(nodes)))
	return nil
}

// quorumStandbyNames lists the names of every node that counts toward
// number_sync_standbys and currently holds a secondary role, mirroring
// the set pkg/fsm's handleWaitPrimaryToPrimary asks the monitor for.
func quorumStandbyNames(nodes []types.Node) []string {
	var names []string
	for _, n := range nodes {
		if n.ReplicationQuorum && n.ReportedState == types.StateSecondary {
			names = append(names, n.Name)
		}
	}
	return names
}

func synchronousStandbyExpr(names []string) string {
	if len(names) == 0 {
		return ""
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return fmt.Sprintf("ANY %d (%s)", len(names), strings.Join(quoted, ","))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
