// Package keeper implements the node-active loop: the keeper
// service's core control loop described in spec.md §4.3. Each
// round-trip refreshes the peer list, samples the local database,
// reports it to the monitor, dispatches the returned goal state
// through pkg/fsm, and reconciles replication slots and pg_hba.conf
// before sleeping until the next tick, a SIGHUP, or a monitor
// notification wakes it early.
//
// Grounded on the pack's heartbeatLoop (pkg/worker): a select over a
// ticker, a stop channel and an externally-fed wake channel, with the
// actual unit of work factored into its own method so it can be
// exercised independently of the loop's timing.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/fsm"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/metrics"
	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/statestore"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// ErrDropped is returned by a node-active round once the monitor has
// assigned this node the terminal "dropped" state and the local FSM
// has released every resource tied to it; Run treats it as a clean
// exit and returns nil rather than polling forever.
var ErrDropped = errors.New("keeper: node dropped, exiting node-active loop")

// MonitorClient is the narrow slice of pkg/monitorclient.Client the
// keeper depends on, satisfied structurally so tests can substitute a
// fake without an import cycle back into pkg/monitorclient.
type MonitorClient interface {
	NodeActive(ctx context.Context, req *monitorrpc.NodeActiveRequest) (*monitorrpc.NodeActiveResponse, error)
	GetOtherNodes(ctx context.Context, nodeID int64) ([]types.Node, error)
	LastMonitorContact() time.Time
}

// Config bundles the identity and timeout knobs a Keeper needs,
// corresponding to spec.md §6's [pg_autoctl]/[timeout] sections.
type Config struct {
	NodeID    int64
	GroupID   int
	Formation string

	SleepInterval           time.Duration
	NetworkPartitionTimeout time.Duration
	PromotionCatchupTimeout time.Duration
	WalReceiverTimeout      time.Duration
	LagTolerance            int64

	HBAPath        string
	HBALevelMethod string

	StatePath      string
	NodesCachePath string
}

// DefaultConfig fills in the sleep interval, the three timeout
// defaults named in spec.md §4.3 and the lag tolerance, leaving
// identity and path fields for the caller to set.
func DefaultConfig() Config {
	return Config{
		SleepInterval:           5 * time.Second,
		NetworkPartitionTimeout: 20 * time.Second,
		PromotionCatchupTimeout: 30 * time.Second,
		WalReceiverTimeout:      5 * time.Second,
		LagTolerance:            16 * 1024 * 1024,
	}
}

// Keeper runs the node-active loop for one local Postgres instance.
type Keeper struct {
	cfg     Config
	monitor MonitorClient
	pg      pgctl.Controller

	current types.NodeState
	peers   []types.Node

	reload <-chan struct{}
	wake   <-chan struct{}

	metrics         *metrics.Registry
	lastTickOutcome string
}

// SetMetrics attaches a metrics registry; nil (the default) leaves
// the node-active loop's counters and histogram unrecorded.
func (k *Keeper) SetMetrics(m *metrics.Registry) { k.metrics = m }

// New constructs a Keeper. reload is the caller's reload channel
// (cmd/pgautoctl's run passes pkg/config.Watcher's, which fires on
// config-file changes; SIGHUP is handled by pkg/supervisor and does
// not reach it); wake fires when the
// notification listener relays any monitor state-change notification
// (of any node or group). Either may be nil, in which case the loop
// simply sleeps the full SleepInterval every round.
func New(cfg Config, monitor MonitorClient, pg pgctl.Controller, reload, wake <-chan struct{}) *Keeper {
	return &Keeper{cfg: cfg, monitor: monitor, pg: pg, reload: reload, wake: wake}
}

// Run executes the node-active loop until ctx is cancelled. It loads
// the last persisted current state before the first round-trip so a
// restarted keeper resumes from where it left off rather than from
// init.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.loadState(); err != nil {
		return fmt.Errorf("keeper: load state: %w", err)
	}
	k.loadPeerCache()

	logger := log.WithComponent("keeper")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.tick(ctx); err != nil {
			if errors.Is(err, ErrDropped) {
				logger.Info().Msg("node dropped, exiting node-active loop")
				return nil
			}
			logger.Error().Err(err).Msg("node-active round failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.reload:
		case <-k.wake:
		case <-time.After(k.cfg.SleepInterval):
		}
	}
}

// tick times one node-active round-trip and records its outcome
// before delegating to tickOnce.
func (k *Keeper) tick(ctx context.Context) error {
	start := time.Now()
	k.lastTickOutcome = "ok"
	err := k.tickOnce(ctx)
	if k.metrics != nil {
		k.metrics.NodeActiveLatency.Observe(time.Since(start).Seconds())
		k.metrics.NodeActiveRounds.WithLabelValues(tickOutcome(err, k.lastTickOutcome)).Inc()
	}
	return err
}

func tickOutcome(err error, fallback string) string {
	switch {
	case err == nil, errors.Is(err, ErrDropped):
		return fallback
	default:
		return "dispatch_error"
	}
}

// tickOnce runs exactly one node-active round-trip: steps 1-5 of
// spec.md §4.3's node-active loop, plus the replication-slot/HBA
// reconciliation and the network_partition_timeout self-demotion
// check that ride along on every round.
func (k *Keeper) tickOnce(ctx context.Context) error {
	logger := log.WithNodeID(k.cfg.NodeID)

	if peers, err := k.monitor.GetOtherNodes(ctx, k.cfg.NodeID); err != nil {
		logger.Warn().Err(err).Msg("refresh_other_nodes failed, using cached peer list")
	} else {
		k.peers = peers
		k.savePeerCache()
	}

	status, err := k.pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("update_local_pg_state: %w", err)
	}

	reportedLSN := status.CurrentLSN
	if status.IsInRecovery {
		reportedLSN = status.ReplayLSN
	}

	if k.selfDemoteOnPartition(ctx, status) {
		return nil
	}

	resp, err := k.monitor.NodeActive(ctx, &monitorrpc.NodeActiveRequest{
		NodeID:        k.cfg.NodeID,
		ReportedState: k.current,
		ReportedLSN:   reportedLSN,
		ReportedTLI:   status.Timeline,
		IsInRecovery:  status.IsInRecovery,
	})
	if err != nil {
		// network_partition_timeout governs how long the keeper keeps
		// serving in its current role despite a failed node_active;
		// the call itself never changes state on failure.
		k.lastTickOutcome = "monitor_error"
		return nil
	}

	tc := k.transitionContext(resp.AssignedState, resp.SyncStandbyNames)

	if resp.AssignedState != k.current {
		if !fsm.HasHandler(k.current, resp.AssignedState) {
			logger.Error().
				Str("current", string(k.current)).
				Str("assigned", string(resp.AssignedState)).
				Msg("monitor assigned a state with no local transition handler")
			return fmt.Errorf("%w", fsm.ErrNoHandler)
		}
		if err := fsm.Dispatch(ctx, tc); err != nil {
			k.recordTransition(k.current, resp.AssignedState, err)
			// persisted state is left untouched; the next round-trip
			// will receive the same assignment and retry.
			return fmt.Errorf("dispatch %s->%s: %w", k.current, resp.AssignedState, err)
		}
		k.recordTransition(k.current, resp.AssignedState, nil)
		if err := k.persist(tc.ResultState, tc.ResultLSN, status); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	} else {
		if err := fsm.EnsureCurrentState(ctx, tc); err != nil {
			return fmt.Errorf("ensure_current_state: %w", err)
		}
		if err := k.persist(tc.ResultState, tc.ResultLSN, status); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}

	if err := k.reconcile(ctx, tc); err != nil {
		logger.Warn().Err(err).Msg("replication slot or hba reconciliation failed")
	}

	if k.current == types.StateDropped {
		return ErrDropped
	}
	return nil
}

// selfDemoteOnPartition implements spec.md §4.3's network_partition_timeout:
// a writable node that has lost contact with the monitor for too long
// demotes itself proactively rather than risk a split-brain primary.
func (k *Keeper) selfDemoteOnPartition(ctx context.Context, status pgctl.Status) bool {
	if !k.current.IsWritable() {
		return false
	}
	last := k.monitor.LastMonitorContact()
	if last.IsZero() || time.Since(last) < k.cfg.NetworkPartitionTimeout {
		return false
	}

	logger := log.WithNodeID(k.cfg.NodeID)
	logger.Warn().
		Dur("since_last_contact", time.Since(last)).
		Msg("network_partition_timeout exceeded, demoting proactively")

	tc := k.transitionContext(types.StateDraining, nil)
	err := fsm.Dispatch(ctx, tc)
	k.recordTransition(k.current, types.StateDraining, err)
	if err != nil {
		logger.Error().Err(err).Msg("proactive self-demotion failed")
		return false
	}
	if err := k.persist(tc.ResultState, tc.ResultLSN, status); err != nil {
		logger.Error().Err(err).Msg("failed to persist self-demotion")
	}
	return true
}

// recordTransition reports one local FSM dispatch, by the state pair
// the monitor assigned, to FSMTransitions/FSMTransitionErrors.
func (k *Keeper) recordTransition(current, assigned types.NodeState, err error) {
	if k.metrics == nil {
		return
	}
	k.metrics.FSMTransitions.WithLabelValues(string(current), string(assigned)).Inc()
	if err != nil {
		k.metrics.FSMTransitionErrors.WithLabelValues(string(current), string(assigned)).Inc()
	}
}

func (k *Keeper) transitionContext(assigned types.NodeState, syncStandbyNames []string) *fsm.TransitionContext {
	return &fsm.TransitionContext{
		Current:                 k.current,
		Assigned:                assigned,
		Peers:                   k.peers,
		Pg:                      k.pg,
		HBAPath:                 k.cfg.HBAPath,
		HBALevelMethod:          k.cfg.HBALevelMethod,
		SyncStandbyNames:        syncStandbyNames,
		LagTolerance:            k.cfg.LagTolerance,
		PromotionCatchupTimeout: k.cfg.PromotionCatchupTimeout,
		WalReceiverTimeout:      k.cfg.WalReceiverTimeout,
	}
}

// reconcile re-runs replication-slot and HBA maintenance against the
// current peer list on every round-trip, independent of whether a
// state transition happened this tick (spec.md §4.3).
func (k *Keeper) reconcile(ctx context.Context, tc *fsm.TransitionContext) error {
	if _, err := fsm.ReconcileReplicationSlots(ctx, k.pg, k.peers); err != nil {
		return err
	}
	return fsm.SyncHBA(ctx, tc)
}

func (k *Keeper) loadState() error {
	if k.cfg.StatePath == "" {
		k.current = types.StateInit
		return nil
	}
	var rec statestore.NodeState
	err := statestore.ReadWithRetry(k.cfg.StatePath, &rec)
	switch {
	case err == nil:
		k.current = rec.CurrentRole
		return nil
	case errors.Is(err, statestore.ErrNotFound):
		k.current = types.StateInit
		return nil
	default:
		return err
	}
}

func (k *Keeper) persist(newState types.NodeState, lsn types.LSN, status pgctl.Status) error {
	k.current = newState
	if k.cfg.StatePath == "" {
		return nil
	}
	rec := statestore.NodeState{
		NodeID:               k.cfg.NodeID,
		GroupID:              int32(k.cfg.GroupID),
		CurrentRole:          newState,
		AssignedRole:         newState,
		LastMonitorContactAt: k.monitor.LastMonitorContact(),
		XLogLag:              int64(lsn),
		PgSystemIdentifier:   status.SystemID,
		PgControlVersion:     status.ControlVersion,
		PgCatalogVersion:     status.CatalogVersion,
		PgTimeline:           status.Timeline,
	}
	return statestore.Write(k.cfg.StatePath, &rec)
}

func (k *Keeper) loadPeerCache() {
	if k.cfg.NodesCachePath == "" {
		return
	}
	peers, err := readPeerCache(k.cfg.NodesCachePath)
	if err != nil {
		return
	}
	k.peers = peers
}

func (k *Keeper) savePeerCache() {
	if k.cfg.NodesCachePath == "" {
		return
	}
	if err := writePeerCache(k.cfg.NodesCachePath, k.peers); err != nil {
		log.WithNodeID(k.cfg.NodeID).Warn().Err(err).Msg("failed to cache peer list")
	}
}

// Current reports the keeper's last-known current state.
func (k *Keeper) Current() types.NodeState { return k.current }
