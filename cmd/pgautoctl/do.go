package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgautofailover/pkg/keeper"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/monitorclient"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/statestore"
)

// doCmd groups diagnostic subcommands that run a single service in
// the foreground, outside any supervision tree (spec.md §6 marks the
// whole `do service ...` family diagnostic). `do service postgres` is
// the one exception that matters in production: it is the exact
// command `pg_autoctl run` self-execs under pkg/supervisor, because
// unlike pg_ctl's own daemonizing model it stays in the foreground for
// the supervisor to track via exec.Cmd.Wait.
var doCmd = &cobra.Command{
	Use:   "do",
	Short: "Run a single internal service in the foreground (diagnostic)",
}

var doServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run one of postgres, node-active or listener in the foreground",
}

var doServicePostgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Start Postgres and poll it until this process is killed or Postgres goes down",
	RunE:  runDoServicePostgres,
}

var doServiceNodeActiveCmd = &cobra.Command{
	Use:   "node-active",
	Short: "Run the node-active loop standalone, without the postgres supervisor or listener",
	RunE:  runDoServiceNodeActive,
}

var doServiceListenerCmd = &cobra.Command{
	Use:   "listener",
	Short: "Subscribe to the monitor's notification stream and print each one",
	RunE:  runDoServiceListener,
}

func init() {
	doCmd.AddCommand(doServiceCmd)
	doServiceCmd.AddCommand(doServicePostgresCmd, doServiceNodeActiveCmd, doServiceListenerCmd)
	doServicePostgresCmd.Flags().Duration("poll-interval", 2*time.Second, "How often to poll pg_ctl status once started")
}

func runDoServicePostgres(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		return err
	}
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	connString := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		localHostOrDefault(cfg.Postgresql.Host), cfg.Postgresql.Port, cfg.Postgresql.Username, cfg.Postgresql.DBName)
	pg := pgctl.NewPgxController(pgdataAbs, cfg.Postgresql.PgCtl, connString)
	defer pg.Close()

	ctx := cmd.Context()
	if err := pg.Start(ctx); err != nil {
		return wrap(codePgControlFailure, fmt.Errorf("do service postgres: start: %w", err))
	}

	logger := log.WithComponent("do-service-postgres")
	logger.Info().Str("pgdata", pgdataAbs).Msg("postgres started, polling")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pg.Stop(context.Background())
		case <-ticker.C:
			if !pg.IsRunning(ctx) {
				return wrap(codePgControlFailure, fmt.Errorf("do service postgres: postgres is no longer running"))
			}
		}
	}
}

func runDoServiceNodeActive(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		return err
	}

	paths, err := statePaths(pgdataAbs)
	if err != nil {
		return err
	}
	var rec statestore.NodeState
	if err := statestore.ReadWithRetry(paths.State, &rec); err != nil {
		return wrap(codeBadInternalState, fmt.Errorf("load local state: %w", err))
	}

	connString := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		localHostOrDefault(cfg.Postgresql.Host), cfg.Postgresql.Port, cfg.Postgresql.Username, cfg.Postgresql.DBName)
	pg := pgctl.NewPgxController(pgdataAbs, cfg.Postgresql.PgCtl, connString)
	defer pg.Close()

	client, err := monitorclient.Dial(cfg.PgAutoctl.Monitor, cfg)
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}

	kcfg := keeper.DefaultConfig()
	kcfg.NodeID = rec.NodeID
	kcfg.GroupID = int(rec.GroupID)
	kcfg.Formation = cfg.PgAutoctl.Formation
	kcfg.StatePath = paths.State
	kcfg.NodesCachePath = paths.Nodes

	k := keeper.New(kcfg, client, pg, nil, nil)
	return wrap(codeInternal, k.Run(cmd.Context()))
}

func runDoServiceListener(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		return err
	}

	client, err := monitorclient.Dial(cfg.PgAutoctl.Monitor, cfg)
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}

	stream, err := client.Listen(cmd.Context(), []string{"state"})
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}
	for {
		n, err := stream.Recv()
		if err != nil {
			return wrap(codeMonitorRPC, err)
		}
		fmt.Printf("%v\n", n)
	}
}
