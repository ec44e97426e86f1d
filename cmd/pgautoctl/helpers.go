package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgautofailover/pkg/config"
	"github.com/cuemby/pgautofailover/pkg/monitorclient"
	"github.com/cuemby/pgautofailover/pkg/statestore"
)

// defaultTimeout bounds the one-shot RPCs every CLI command (other
// than run/watch) issues against the monitor.
const defaultTimeout = 10 * time.Second

// pgdataFlag resolves --pgdata, falling back to $PGDATA, the way the
// pack's own commands fall back to an environment variable when a
// flag is left at its zero value.
func pgdataFlag(cmd *cobra.Command) (string, error) {
	pgdata, _ := cmd.Flags().GetString("pgdata")
	if pgdata == "" {
		pgdata = os.Getenv("PGDATA")
	}
	if pgdata == "" {
		return "", fail(codeBadArguments, "--pgdata is required (or set $PGDATA)")
	}
	return filepath.Abs(pgdata)
}

// loadLocalConfig loads the INI file pg_autoctl wrote for this PGDATA
// at `create` time; callers that only talk to a remote monitor
// (--monitor plus no local state) should use monitorAddr instead.
func loadLocalConfig(pgdataAbs string) (*config.Config, error) {
	path, err := config.Path(pgdataAbs)
	if err != nil {
		return nil, wrap(codeBadConfig, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, wrap(codeBadConfig, err)
	}
	return cfg, nil
}

// monitorAddr resolves the monitor connection string a command should
// dial: --monitor always wins, otherwise the local config's
// [pg_autoctl] monitor key.
func monitorAddr(cmd *cobra.Command, cfg *config.Config) (string, error) {
	addr, _ := cmd.Flags().GetString("monitor")
	if addr != "" {
		return addr, nil
	}
	if cfg != nil && cfg.PgAutoctl.Monitor != "" {
		return cfg.PgAutoctl.Monitor, nil
	}
	return "", fail(codeBadArguments, "--monitor is required (or a local pg_autoctl.cfg with [pg_autoctl] monitor set)")
}

// dialMonitor opens a monitorclient.Client against --monitor or the
// local config's monitor address, tolerating a missing local config
// (cfg is then nil, meaning plaintext transport).
func dialMonitor(cmd *cobra.Command) (*monitorclient.Client, *config.Config, error) {
	var cfg *config.Config
	if pgdataAbs, err := pgdataFlag(cmd); err == nil {
		if c, err := loadLocalConfig(pgdataAbs); err == nil {
			cfg = c
		}
	}

	addr, err := monitorAddr(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := monitorclient.Dial(addr, cfg)
	if err != nil {
		return nil, nil, wrap(codeMonitorRPC, fmt.Errorf("dial monitor %s: %w", addr, err))
	}
	return client, cfg, nil
}

// formationAndGroup resolves --formation/--group, defaulting to the
// values every scenario in spec.md §8 uses when a cluster has exactly
// one formation and one replication group.
func formationAndGroup(cmd *cobra.Command) (string, int) {
	formation, _ := cmd.Flags().GetString("formation")
	if formation == "" {
		formation = "default"
	}
	group, _ := cmd.Flags().GetInt("group")
	return formation, group
}

// statePaths resolves the four per-PGDATA state files for pgdataAbs.
func statePaths(pgdataAbs string) (statestore.Paths, error) {
	paths, err := statestore.ForPgData(pgdataAbs)
	if err != nil {
		return statestore.Paths{}, wrap(codeBadInternalState, err)
	}
	return paths, nil
}

// pidfilePath mirrors spec.md §6's runtime-directory convention for
// the supervisor's pidfile.
func pidfilePath(pgdataAbs string) (string, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = filepath.Join(os.TempDir())
	}
	return filepath.Join(base, "pg_autoctl", pgdataAbs, "pg_autoctl.pid"), nil
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}
