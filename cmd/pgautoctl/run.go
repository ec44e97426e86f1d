package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/cuemby/pgautofailover/pkg/config"
	"github.com/cuemby/pgautofailover/pkg/hba"
	"github.com/cuemby/pgautofailover/pkg/keeper"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/metrics"
	"github.com/cuemby/pgautofailover/pkg/monitor"
	"github.com/cuemby/pgautofailover/pkg/monitorclient"
	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/statestore"
	"github.com/cuemby/pgautofailover/pkg/supervisor"
)

// runCmd serves the role `create` wrote into the local config: the
// monitor's raft cluster and gRPC front-end, or a keeper's node-active
// loop plus its supervised Postgres subprocess. Grounded on the pack's
// manager-start command (cmd/warren/main.go): wire every long-lived
// component as a goroutine under one cancellation scope, mount
// /metrics, and shut down cleanly on SIGINT/SIGTERM.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor or keeper service this PGDATA was created as",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the /metrics HTTP endpoint listens on")
}

func runRun(cmd *cobra.Command, args []string) error {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig(pgdataAbs)
	if err != nil {
		return err
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metrics.New()
	go serveMetrics(metricsAddr, registry)

	switch cfg.PgAutoctl.Role {
	case config.RoleMonitor:
		return wrap(codeInternal, runMonitor(ctx, cfg, pgdataAbs, registry))
	case config.RoleKeeper:
		return wrap(codeInternal, runKeeper(ctx, cfg, pgdataAbs, registry))
	default:
		return fail(codeBadConfig, "unknown pg_autoctl.role %q", cfg.PgAutoctl.Role)
	}
}

func serveMetrics(addr string, registry *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.WithComponent("run").Warn().Err(err).Msg("metrics server stopped")
	}
}

// runMonitor reopens the raft cluster created by `create monitor`,
// waits for this single replica to elect itself leader, and serves
// the gRPC front-end and health probe until ctx is cancelled.
func runMonitor(ctx context.Context, cfg *config.Config, pgdataAbs string, registry *metrics.Registry) error {
	bindAddr := cfg.PgAutoctl.Hostname
	redisURL := cfg.Replication.BackupDirectory

	engine := monitor.NewAssignmentEngine(monitor.DefaultAssignmentConfig())
	var notifier monitor.Notifier
	if redisURL != "" {
		rn, err := monitor.NewRedisNotifier(redisURL)
		if err != nil {
			return fmt.Errorf("run: redis notifier: %w", err)
		}
		notifier = rn
	}

	cluster, err := monitor.NewCluster(monitor.ClusterConfig{
		NodeID:   bindAddr,
		BindAddr: bindAddr,
		DataDir:  pgdataAbs,
	}, engine, notifier)
	if err != nil {
		return fmt.Errorf("run: open cluster: %w", err)
	}
	defer cluster.Shutdown()
	cluster.SetMetrics(registry)

	if err := waitForLeader(ctx, cluster, 10*time.Second); err != nil {
		return err
	}

	healthProbe := monitor.NewHealthProbe(cluster)
	healthProbe.SetMetrics(registry)
	go healthProbe.Run(ctx)

	server := monitor.NewServer(cluster, redisURL)
	opts, err := monitorrpc.NewServerOptions(cfg)
	if err != nil {
		return fmt.Errorf("run: server tls: %w", err)
	}
	grpcServer := grpc.NewServer(opts...)
	monitorrpc.RegisterServer(grpcServer, server)

	lis, err := net.Listen("tcp", cfg.PgAutoctl.Monitor)
	if err != nil {
		return fmt.Errorf("run: listen %s: %w", cfg.PgAutoctl.Monitor, err)
	}

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	log.WithComponent("run").Info().Str("addr", cfg.PgAutoctl.Monitor).Msg("monitor serving")
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("run: serve: %w", err)
	}
	return nil
}

// waitForLeader polls IsLeader, the way cluster_test.go's
// require.Eventually does, since raft.NewRaft for a single-voter
// cluster elects itself without any further action from this process.
func waitForLeader(ctx context.Context, cluster *monitor.Cluster, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if cluster.IsLeader() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("run: cluster did not elect a leader within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// runKeeper resumes the node-active loop for the local node recorded
// by `create postgres`, under a supervisor that keeps exactly one
// subprocess alive: `do service postgres`, a self-exec'd child whose
// own foreground loop is genuinely trackable via exec.Cmd.Wait, unlike
// pg_ctl's own daemonizing model (pkg/pgctl.PgxController.Start shells
// out to `pg_ctl start -w`, which exits once postgres is backgrounded).
func runKeeper(ctx context.Context, cfg *config.Config, pgdataAbs string, registry *metrics.Registry) error {
	paths, err := statestore.ForPgData(pgdataAbs)
	if err != nil {
		return fmt.Errorf("run: resolve state paths: %w", err)
	}
	var rec statestore.NodeState
	if err := statestore.ReadWithRetry(paths.State, &rec); err != nil {
		return fmt.Errorf("run: load local state (run `create postgres` first): %w", err)
	}

	connString := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		localHostOrDefault(cfg.Postgresql.Host), cfg.Postgresql.Port, cfg.Postgresql.Username, cfg.Postgresql.DBName)
	pg := pgctl.NewPgxController(pgdataAbs, cfg.Postgresql.PgCtl, connString)

	client, err := monitorclient.Dial(cfg.PgAutoctl.Monitor, cfg)
	if err != nil {
		return fmt.Errorf("run: dial monitor: %w", err)
	}

	kcfg := keeper.DefaultConfig()
	kcfg.NodeID = rec.NodeID
	kcfg.GroupID = int(rec.GroupID)
	kcfg.Formation = cfg.PgAutoctl.Formation
	kcfg.HBAPath = filepath.Join(pgdataAbs, "pg_hba.conf")
	kcfg.HBALevelMethod = hba.MethodForLevel(cfg.Postgresql.HBALevel)
	kcfg.StatePath = paths.State
	kcfg.NodesCachePath = paths.Nodes

	watcher, err := config.WatchFile(mustConfigPath(pgdataAbs))
	var reload <-chan struct{}
	if err == nil {
		reload = watcher.Reload()
	} else {
		log.WithComponent("run").Warn().Err(err).Msg("config file watch disabled, SIGHUP-only reload unavailable")
	}

	k := keeper.New(kcfg, client, pg, reload, nil)
	k.SetMetrics(registry)

	pidPath, err := pidfilePath(pgdataAbs)
	if err != nil {
		return err
	}
	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("run: resolve self executable: %w", err)
	}
	sup := supervisor.New([]supervisor.Service{{
		Name:          "postgres",
		RestartPolicy: supervisor.Permanent,
		NewCmd: func(ctx context.Context) (*exec.Cmd, error) {
			c := exec.CommandContext(ctx, selfExe, "do", "service", "postgres", "--pgdata", pgdataAbs)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c, nil
		},
	}}, pidPath)
	sup.SetMetrics(registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return k.RunWithNotifications(ctx, client) })
	return g.Wait()
}

func localHostOrDefault(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

func mustConfigPath(pgdataAbs string) string {
	p, _ := config.Path(pgdataAbs)
	return p
}
