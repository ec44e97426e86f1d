// Command pgautoctl is the keeper/monitor CLI: it creates, runs and
// operates one PGDATA's pg_autoctl state, and issues the few remote
// commands (show, perform, drop, maintenance) an operator runs
// against an already-running monitor.
//
// Grounded on the pack's cobra root (cmd/warren/main.go): a package
// level rootCmd with persistent global flags, cobra.OnInitialize
// wiring up the logger once flags are parsed, and subcommand trees
// grouped by domain noun registered from each file's own init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgautofailover/pkg/log"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pg_autoctl: %v\n", err)
		os.Exit(int(codeOf(err)))
	}
}

var rootCmd = &cobra.Command{
	Use:     "pg_autoctl",
	Short:   "Run and operate a pg_auto_failover-style Postgres cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pg_autoctl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("pgdata", "", "PGDATA directory this command operates on (default $PGDATA)")
	rootCmd.PersistentFlags().String("monitor", "", "Monitor connection string (postgres://... or host:port)")
	rootCmd.PersistentFlags().String("formation", "", "Formation name (default \"default\")")
	rootCmd.PersistentFlags().Int("group", 0, "Replication group id (default 0)")
	rootCmd.PersistentFlags().String("name", "", "Node name")
	rootCmd.PersistentFlags().Bool("json", false, "Emit machine-readable JSON instead of text")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose (debug) logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Quiet (warn-and-above) logging")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(performCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(doCmd)
}

func initLogging() {
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	quiet, _ := rootCmd.PersistentFlags().GetBool("quiet")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("json")

	level := log.InfoLevel
	switch {
	case verbose:
		level = log.DebugLevel
	case quiet:
		level = log.WarnLevel
	}

	log.Init(log.Config{Level: level, JSONOutput: jsonOut})
}
