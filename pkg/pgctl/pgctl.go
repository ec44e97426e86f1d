// Package pgctl is the keeper's PgController: the narrow interface
// pkg/fsm and pkg/keeper use to drive the local Postgres instance
// instead of branching on pg_ctl/psql invocations directly. It covers
// both the SQL-level view (recovery status, WAL position, timeline,
// replication slots) and process lifecycle (start/stop/initdb),
// wrapping the pg_ctl and initdb binaries named in postgresql.pg_ctl.
//
// Grounded on the pack's pgx connection-pool pattern (role-aware pool
// acquiring a pgx.Conn per operation, single-purpose Exec/QueryRow
// helpers) for the SQL half, and on pkg/supervisor's own
// exec.Command/CombinedOutput style for the process half.
package pgctl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// Status is a point-in-time snapshot of the managed database's
// replication state, refreshed by the keeper on every node-active
// iteration and fed into pkg/fsm's ensure_current_state checks and
// the monitor's node_active RPC payload.
type Status struct {
	IsRunning      bool
	IsInRecovery   bool
	SystemID       uint64
	ControlVersion uint32
	CatalogVersion uint32
	Timeline       uint32
	CurrentLSN     types.LSN
	ReceiveLSN     types.LSN // meaningful only while in recovery
	ReplayLSN      types.LSN // meaningful only while in recovery
}

// Controller is the interface pkg/fsm and pkg/keeper depend on; tests
// use a fake implementation instead of a real Postgres connection.
type Controller interface {
	Status(ctx context.Context) (Status, error)
	IsRunning(ctx context.Context) bool
	InitDB(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	CreateReplicationSlot(ctx context.Context, slotName string) error
	DropReplicationSlot(ctx context.Context, slotName string) error
	ReplicationSlots(ctx context.Context) ([]string, error)
	AdvanceReplicationSlot(ctx context.Context, slotName string, lsn types.LSN) error
	EnableSynchronousReplication(ctx context.Context, standbyNames []string) error
	Promote(ctx context.Context) error
	Close()
}

// PgxController is the pgx-backed Controller used in production. It
// holds both the connection string (for lazily (re)dialing across
// restarts the keeper itself initiates) and, once dialed, the pool.
type PgxController struct {
	pgData     string
	pgCtlBin   string
	connString string
	pool       *pgxpool.Pool
}

// NewPgxController builds a controller bound to a PGDATA directory and
// pg_ctl binary without dialing; Dial (or Start) establishes the pool.
func NewPgxController(pgData, pgCtlBin, connString string) *PgxController {
	return &PgxController{pgData: pgData, pgCtlBin: pgCtlBin, connString: connString}
}

// Dial opens a connection pool to the local Postgres instance over
// its unix socket or host:port, as configured by pkg/config.
func Dial(ctx context.Context, connString string) (*PgxController, error) {
	c := &PgxController{connString: connString}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PgxController) dial(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(c.connString)
	if err != nil {
		return fmt.Errorf("pgctl: parse connection string: %w", err)
	}
	cfg.MaxConns = 3
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pgctl: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pgctl: ping: %w", err)
	}
	c.pool = pool
	return nil
}

// IsRunning reports whether pg_ctl considers the instance up, the way
// the keeper checks before deciding whether Start is a no-op.
func (c *PgxController) IsRunning(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, c.pgCtlBin, "status", "-D", c.pgData)
	return cmd.Run() == nil
}

// InitDB runs initdb against an empty PGDATA, the first step of the
// init -> single and init -> wait_standby transitions.
func (c *PgxController) InitDB(ctx context.Context) error {
	if err := os.MkdirAll(c.pgData, 0o700); err != nil {
		return fmt.Errorf("pgctl: create pgdata %s: %w", c.pgData, err)
	}
	initdbBin := filepath.Join(filepath.Dir(c.pgCtlBin), "initdb")
	out, err := exec.CommandContext(ctx, initdbBin, "-D", c.pgData, "--auth=trust").CombinedOutput()
	if err != nil {
		return fmt.Errorf("pgctl: initdb: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start brings the instance up via pg_ctl and dials the connection
// pool once it accepts connections; it is idempotent.
func (c *PgxController) Start(ctx context.Context) error {
	if c.IsRunning(ctx) {
		if c.pool == nil {
			return c.dial(ctx)
		}
		return nil
	}
	out, err := exec.CommandContext(ctx, c.pgCtlBin, "start", "-w", "-D", c.pgData, "-l", filepath.Join(c.pgData, "log", "postgresql.log")).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pgctl: start: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return c.dial(ctx)
}

// Stop shuts the instance down via pg_ctl fast mode and releases the
// pool; it is idempotent.
func (c *PgxController) Stop(ctx context.Context) error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	if !c.IsRunning(ctx) {
		return nil
	}
	out, err := exec.CommandContext(ctx, c.pgCtlBin, "stop", "-w", "-m", "fast", "-D", c.pgData).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pgctl: stop: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Reload asks the instance to re-read its configuration files, used
// after pkg/hba rewrites pg_hba.conf or replication settings change.
func (c *PgxController) Reload(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, c.pgCtlBin, "reload", "-D", c.pgData).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pgctl: reload: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// EnableSynchronousReplication sets synchronous_standby_names to the
// standby names the monitor sent, in ANY 1 (a, b) form, and reloads.
// An empty list clears it, the async case.
func (c *PgxController) EnableSynchronousReplication(ctx context.Context, standbyNames []string) error {
	expr := ""
	if len(standbyNames) > 0 {
		expr = fmt.Sprintf("ANY 1 (%s)", strings.Join(quoteIdents(standbyNames), ","))
	}
	_, err := c.pool.Exec(ctx, `alter system set synchronous_standby_names = $1`, expr)
	if err != nil {
		return fmt.Errorf("pgctl: set synchronous_standby_names: %w", err)
	}
	return c.Reload(ctx)
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = `"` + n + `"`
	}
	return out
}

// Status queries pg_control_system/pg_control_checkpoint, the
// is_in_recovery flag, and the appropriate WAL-position function for
// the node's current role (pg_current_wal_lsn on a primary,
// pg_last_wal_receive_lsn/pg_last_wal_replay_lsn on a standby).
func (c *PgxController) Status(ctx context.Context) (Status, error) {
	var s Status
	if c.pool == nil {
		// Nothing dialed yet, most often a brand new node whose FSM
		// has not run init->single's InitDB/Start step; report "not
		// running" rather than forcing every caller to special-case a
		// nil pool the way handleInitToSingle already special-cases a
		// Status error.
		return s, nil
	}

	row := c.pool.QueryRow(ctx, `select
		system_identifier, pg_control_version, catalog_version_no, timeline_id
		from pg_control_system(), pg_control_checkpoint()`)
	if err := row.Scan(&s.SystemID, &s.ControlVersion, &s.CatalogVersion, &s.Timeline); err != nil {
		return Status{}, fmt.Errorf("pgctl: read control file: %w", err)
	}
	s.IsRunning = true

	if err := c.pool.QueryRow(ctx, `select pg_is_in_recovery()`).Scan(&s.IsInRecovery); err != nil {
		return Status{}, fmt.Errorf("pgctl: pg_is_in_recovery: %w", err)
	}

	if s.IsInRecovery {
		var receive, replay *string
		row := c.pool.QueryRow(ctx, `select
			pg_last_wal_receive_lsn()::text, pg_last_wal_replay_lsn()::text`)
		if err := row.Scan(&receive, &replay); err != nil {
			return Status{}, fmt.Errorf("pgctl: read standby lsn: %w", err)
		}
		s.ReceiveLSN = parseLSN(receive)
		s.ReplayLSN = parseLSN(replay)
		s.CurrentLSN = s.ReplayLSN
	} else {
		var current *string
		if err := c.pool.QueryRow(ctx, `select pg_current_wal_lsn()::text`).Scan(&current); err != nil {
			return Status{}, fmt.Errorf("pgctl: read primary lsn: %w", err)
		}
		s.CurrentLSN = parseLSN(current)
	}

	return s, nil
}

// CreateReplicationSlot creates a physical replication slot if it
// does not already exist, idempotently (the keeper calls this every
// time a standby is assigned, not only the first time).
func (c *PgxController) CreateReplicationSlot(ctx context.Context, slotName string) error {
	_, err := c.pool.Exec(ctx, `select pg_create_physical_replication_slot($1, false)
		where not exists (select 1 from pg_replication_slots where slot_name = $1)`, slotName)
	if err != nil {
		return fmt.Errorf("pgctl: create replication slot %s: %w", slotName, err)
	}
	return nil
}

// DropReplicationSlot drops a physical replication slot if present.
func (c *PgxController) DropReplicationSlot(ctx context.Context, slotName string) error {
	_, err := c.pool.Exec(ctx, `select pg_drop_replication_slot(slot_name)
		from pg_replication_slots where slot_name = $1`, slotName)
	if err != nil {
		return fmt.Errorf("pgctl: drop replication slot %s: %w", slotName, err)
	}
	return nil
}

// ReplicationSlots lists every physical replication slot currently
// present, used by the keeper to reconcile against the set of peers
// the monitor says it should be streaming to.
func (c *PgxController) ReplicationSlots(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `select slot_name from pg_replication_slots where slot_type = 'physical'`)
	if err != nil {
		return nil, fmt.Errorf("pgctl: list replication slots: %w", err)
	}
	defer rows.Close()

	var slots []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("pgctl: scan replication slot: %w", err)
		}
		slots = append(slots, name)
	}
	return slots, rows.Err()
}

// AdvanceReplicationSlot moves a physical slot's restart_lsn forward
// to the peer's last reported flush position so WAL already consumed
// can be recycled, without waiting for the peer to actually stream
// past it again.
func (c *PgxController) AdvanceReplicationSlot(ctx context.Context, slotName string, lsn types.LSN) error {
	hi := uint32(lsn >> 32)
	lo := uint32(lsn)
	target := fmt.Sprintf("%X/%X", hi, lo)
	_, err := c.pool.Exec(ctx, `select pg_replication_slot_advance($1, $2::pg_lsn)`, slotName, target)
	if err != nil {
		return fmt.Errorf("pgctl: advance replication slot %s: %w", slotName, err)
	}
	return nil
}

// Promote ends recovery, turning a standby into a read-write primary.
// It is idempotent: called against an already-promoted instance it is
// a no-op rather than an error.
func (c *PgxController) Promote(ctx context.Context) error {
	var inRecovery bool
	if err := c.pool.QueryRow(ctx, `select pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return fmt.Errorf("pgctl: promote: pg_is_in_recovery: %w", err)
	}
	if !inRecovery {
		return nil
	}
	_, err := c.pool.Exec(ctx, `select pg_promote(wait := true, wait_seconds := 60)`)
	if err != nil {
		return fmt.Errorf("pgctl: promote: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool, if dialed.
func (c *PgxController) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

var _ Controller = (*PgxController)(nil)

func parseLSN(s *string) types.LSN {
	if s == nil {
		return 0
	}
	var hi, lo uint32
	if _, err := fmt.Sscanf(*s, "%X/%X", &hi, &lo); err != nil {
		return 0
	}
	return types.LSN(uint64(hi)<<32 | uint64(lo))
}
