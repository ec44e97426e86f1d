package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/cuemby/pgautofailover/pkg/config"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/monitor"
	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/statestore"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// createCmd groups the two ways a pg_autoctl process comes into being
// (spec.md §6): as the monitor, or as a keeper in front of a single
// Postgres instance.
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a monitor or a keeper-managed Postgres node",
}

var createMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Create and bootstrap the monitor's raft cluster",
	RunE:  runCreateMonitor,
}

var createPostgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Create a keeper-managed Postgres node and register it with the monitor",
	RunE:  runCreatePostgres,
}

func init() {
	createCmd.AddCommand(createMonitorCmd)
	createCmd.AddCommand(createPostgresCmd)

	createMonitorCmd.Flags().String("bind-addr", "127.0.0.1:5433", "Raft transport bind address")
	createMonitorCmd.Flags().String("listen", "127.0.0.1:5432", "gRPC listen address keepers dial as --monitor")
	createMonitorCmd.Flags().String("redis-url", "", "Redis URL used to relay state-change notifications (empty disables Listen)")

	createPostgresCmd.Flags().String("pgctl", "pg_ctl", "Path to the pg_ctl binary managing this node's Postgres instance")
	createPostgresCmd.Flags().String("hostname", "", "Hostname/IP this node advertises to peers (default: local hostname)")
	createPostgresCmd.Flags().Int("pgport", 5432, "Port this node's Postgres instance listens on")
	createPostgresCmd.Flags().String("dbname", "postgres", "Database name managed on this node")
	createPostgresCmd.Flags().String("username", "postgres", "Replication/administration role name")
	createPostgresCmd.Flags().String("auth-method", "trust", "pg_hba.conf auth method for the replication user")
	createPostgresCmd.Flags().String("nodekind", string(types.NodeKindStandalone), "Node kind: standalone, coordinator or worker")
	createPostgresCmd.Flags().Int("candidate-priority", 100, "Promotion candidate priority, 0 excludes the node from promotion")
	createPostgresCmd.Flags().Bool("replication-quorum", true, "Whether this node counts toward number_sync_standbys")
}

// runCreateMonitor bootstraps a brand-new single-replica raft cluster
// and writes the config file `run` reads back to serve it. It never
// starts serving itself — that is `run`'s job, grounded on the same
// create/run split the pack's own CLI commands use.
func runCreateMonitor(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	listenAddr, _ := cmd.Flags().GetString("listen")
	redisURL, _ := cmd.Flags().GetString("redis-url")

	cfg := config.Defaults()
	cfg.PgAutoctl.Role = config.RoleMonitor
	cfg.PgAutoctl.Monitor = listenAddr
	cfg.PgAutoctl.Hostname = bindAddr
	cfg.Postgresql.PgData = pgdataAbs
	cfg.Replication.BackupDirectory = redisURL // monitor role has no backup concern; this slot carries the relay URL instead

	cfgPath, err := config.Path(pgdataAbs)
	if err != nil {
		return wrap(codeBadConfig, err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return wrap(codeBadConfig, err)
	}

	engine := monitor.NewAssignmentEngine(monitor.DefaultAssignmentConfig())
	var notifier monitor.Notifier
	if redisURL != "" {
		rn, err := monitor.NewRedisNotifier(redisURL)
		if err != nil {
			return wrap(codeBadInternalState, err)
		}
		notifier = rn
	}

	cluster, err := monitor.NewCluster(monitor.ClusterConfig{
		NodeID:   bindAddr,
		BindAddr: bindAddr,
		DataDir:  pgdataAbs,
	}, engine, notifier)
	if err != nil {
		return wrap(codeBadInternalState, err)
	}
	defer cluster.Shutdown()

	if err := cluster.Bootstrap([]raft.Server{{
		ID:      raft.ServerID(bindAddr),
		Address: cluster.LocalAddr(),
	}}); err != nil {
		return wrap(codeBadInternalState, err)
	}

	fmt.Printf("monitor bootstrapped, config written to %s\n", cfgPath)
	return nil
}

// runCreatePostgres initializes (if needed) a local PGDATA, registers
// it with the monitor, and seeds the per-node state record the
// keeper's first Run() loads back — the lifecycle spec.md §3 and §8
// scenario 1 describe.
func runCreatePostgres(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	name, _ := rootCmd.PersistentFlags().GetString("name")
	if name == "" {
		return fail(codeBadArguments, "--name is required")
	}
	formation, group := formationAndGroup(cmd)

	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		cfg = config.Defaults()
	}
	cfg.PgAutoctl.Role = config.RoleKeeper
	cfg.PgAutoctl.Formation = formation
	cfg.PgAutoctl.Group = group
	cfg.PgAutoctl.Name = name
	cfg.Postgresql.PgData = pgdataAbs

	addr, err := monitorAddr(cmd, cfg)
	if err != nil {
		return err
	}
	cfg.PgAutoctl.Monitor = addr

	cfg.Postgresql.PgCtl, _ = cmd.Flags().GetString("pgctl")
	cfg.Postgresql.Port, _ = cmd.Flags().GetInt("pgport")
	cfg.Postgresql.DBName, _ = cmd.Flags().GetString("dbname")
	cfg.Postgresql.Username, _ = cmd.Flags().GetString("username")
	cfg.Postgresql.AuthMethod, _ = cmd.Flags().GetString("auth-method")
	cfg.PgAutoctl.NodeKind, _ = cmd.Flags().GetString("nodekind")
	cfg.PgAutoctl.Hostname, _ = cmd.Flags().GetString("hostname")
	if cfg.PgAutoctl.Hostname == "" {
		cfg.PgAutoctl.Hostname, _ = os.Hostname()
	}

	candidatePriority, _ := cmd.Flags().GetInt("candidate-priority")
	replicationQuorum, _ := cmd.Flags().GetBool("replication-quorum")

	logger := log.WithComponent("create")
	pg := pgctl.NewPgxController(pgdataAbs, cfg.Postgresql.PgCtl, "")
	wasEmpty := isEmptyOrMissingDir(pgdataAbs)
	if wasEmpty {
		logger.Info().Str("pgdata", pgdataAbs).Msg("initializing new PGDATA")
		if err := pg.InitDB(cmd.Context()); err != nil {
			return wrap(codePgControlFailure, err)
		}
	}

	cfgPath, err := config.Path(pgdataAbs)
	if err != nil {
		return wrap(codeBadConfig, err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return wrap(codeBadConfig, err)
	}

	client, _, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	resp, err := client.Register(ctx, &monitorrpc.RegisterRequest{
		Name:              name,
		Host:              cfg.PgAutoctl.Hostname,
		Port:              cfg.Postgresql.Port,
		Kind:              types.NodeKind(cfg.PgAutoctl.NodeKind),
		Formation:         formation,
		DesiredGroup:      group,
		CandidatePriority: candidatePriority,
		ReplicationQuorum: replicationQuorum,
		DBName:            cfg.Postgresql.DBName,
	})
	if err != nil {
		return wrap(codeMonitorRPC, err)
	}

	paths, err := statePaths(pgdataAbs)
	if err != nil {
		return err
	}
	rec := statestore.NodeState{
		NodeID:       resp.NodeID,
		GroupID:      int32(resp.GroupID),
		CurrentRole:  types.StateInit,
		AssignedRole: resp.AssignedState,
	}
	if err := statestore.Write(paths.State, &rec); err != nil {
		return wrap(codeBadInternalState, err)
	}
	initRec := statestore.InitState{State: types.InitPgdataExists}
	if wasEmpty {
		initRec.State = types.InitPgdataEmpty
	}
	if err := statestore.Write(paths.Init, &initRec); err != nil {
		return wrap(codeBadInternalState, err)
	}

	fmt.Printf("registered node %q as id %d in group %d, assigned state %s\n", name, resp.NodeID, resp.GroupID, resp.AssignedState)
	return nil
}

func isEmptyOrMissingDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return true
	}
	return len(entries) == 0
}
