package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// handleInitToSingle runs first-time local database initialization,
// starts it, and opens it for writes as the sole node in its group.
// It also backs demoted -> single, the path a former primary takes
// when the monitor decides to re-seed the group from it.
func handleInitToSingle(ctx context.Context, tc *TransitionContext) error {
	status, err := tc.Pg.Status(ctx)
	if err != nil || !status.IsRunning {
		if err := tc.Pg.InitDB(ctx); err != nil {
			return fmt.Errorf("fsm: init->single: initdb: %w", err)
		}
	}
	if err := tc.Pg.Start(ctx); err != nil {
		return fmt.Errorf("fsm: init->single: start: %w", err)
	}
	if err := SyncHBA(ctx, tc); err != nil {
		return fmt.Errorf("fsm: init->single: %w", err)
	}
	return nil
}

// handleInitToWaitStandby prepares the node to receive a base backup
// as the first standby of a group that already has a primary; no
// local database exists yet, so there is nothing to start.
func handleInitToWaitStandby(ctx context.Context, tc *TransitionContext) error {
	return SyncHBA(ctx, tc)
}

// handleWaitStandbyToCatchingUp begins streaming once the base backup
// has completed and the standby is ready to catch up.
func handleWaitStandbyToCatchingUp(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Start(ctx); err != nil {
		return fmt.Errorf("fsm: wait_standby->catchingup: start: %w", err)
	}
	return SyncHBA(ctx, tc)
}

// handleSingleToWaitPrimary does no local work beyond keeping the HBA
// file open for the standby that is about to join.
func handleSingleToWaitPrimary(ctx context.Context, tc *TransitionContext) error {
	return SyncHBA(ctx, tc)
}

// handleWaitPrimaryToPrimary configures synchronous replication to
// include the standbys the monitor has decided form quorum, and
// reloads so the setting takes effect.
func handleWaitPrimaryToPrimary(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.EnableSynchronousReplication(ctx, tc.SyncStandbyNames); err != nil {
		return fmt.Errorf("fsm: wait_primary->primary: %w", err)
	}
	return nil
}

// handleApplySettings re-applies a replication setting change while
// remaining in the primary role; it shares the same mechanics as
// reaching primary from wait_primary.
func handleApplySettings(ctx context.Context, tc *TransitionContext) error {
	return handleWaitPrimaryToPrimary(ctx, tc)
}

// handlePrepareMaintenance records the primary's current WAL position
// as the transition's LSN. It does not wait for, or check, the
// progress of the synchronous standbys.
func handlePrepareMaintenance(ctx context.Context, tc *TransitionContext) error {
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: primary->prepare_maintenance: status: %w", err)
	}
	tc.ResultLSN = status.CurrentLSN
	return nil
}

// handleWaitMaintenance is the state a primary sits in after
// prepare_maintenance until maintenance actually begins; it does no
// local work and the database keeps running as before.
func handleWaitMaintenance(ctx context.Context, tc *TransitionContext) error {
	return nil
}

// handleCatchingUpToSecondary verifies the standby is streaming and
// within tolerated lag before the monitor is told it is eligible for
// promotion.
func handleCatchingUpToSecondary(ctx context.Context, tc *TransitionContext) error {
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: catchingup->secondary: status: %w", err)
	}
	if !status.IsInRecovery {
		return fmt.Errorf("fsm: catchingup->secondary: node is not in recovery")
	}
	tc.ResultLSN = status.ReplayLSN
	return nil
}

// handlePreparePromotion waits for pending WAL to apply before the
// promotion target is asked to stop_replication, bounded by
// tc.PromotionCatchupTimeout (prepare_promotion_catchup): past that
// deadline it proceeds anyway rather than blocking the round-trip
// forever on a standby that cannot fully catch up.
func handlePreparePromotion(ctx context.Context, tc *TransitionContext) error {
	deadline := time.Now().Add(tc.PromotionCatchupTimeout)
	for {
		status, err := tc.Pg.Status(ctx)
		if err != nil {
			return fmt.Errorf("fsm: secondary->prepare_promotion: status: %w", err)
		}
		tc.ResultLSN = status.ReplayLSN
		caughtUp := status.ReceiveLSN == 0 || status.ReplayLSN >= status.ReceiveLSN
		if caughtUp || tc.PromotionCatchupTimeout <= 0 || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// handleStopReplication promotes the local database, ending recovery,
// after waiting the full tc.WalReceiverTimeout
// (prepare_promotion_walreceiver) for the WAL receiver to disconnect;
// it does not check whether the receiver has already exited.
func handleStopReplication(ctx context.Context, tc *TransitionContext) error {
	if tc.WalReceiverTimeout > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tc.WalReceiverTimeout):
		}
	}
	if err := tc.Pg.Promote(ctx); err != nil {
		return fmt.Errorf("fsm: prepare_promotion->stop_replication: promote: %w", err)
	}
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: prepare_promotion->stop_replication: status: %w", err)
	}
	tc.ResultLSN = status.CurrentLSN
	return nil
}

// handleStopReplicationToSingle lands a freshly promoted node as the
// sole node of its group (no other live standbys survived a failover).
func handleStopReplicationToSingle(ctx context.Context, tc *TransitionContext) error {
	return SyncHBA(ctx, tc)
}

// handleStopReplicationToWaitPrimary lands a freshly promoted node
// back in wait_primary, the degraded case where quorum could not be
// re-established with the surviving standbys.
func handleStopReplicationToWaitPrimary(ctx context.Context, tc *TransitionContext) error {
	return SyncHBA(ctx, tc)
}

// handleFastForward stops the local database. It does not rewind it
// against the new primary's timeline: pgctl.Controller has no rewind
// operation and nothing else in the keeper runs one.
func handleFastForward(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Stop(ctx); err != nil {
		return fmt.Errorf("fsm: secondary->fast_forward: stop: %w", err)
	}
	return nil
}

// handleFastForwardToSecondary starts the local database again, on
// its existing data directory, and records its replay position.
func handleFastForwardToSecondary(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Start(ctx); err != nil {
		return fmt.Errorf("fsm: fast_forward->secondary: start: %w", err)
	}
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: fast_forward->secondary: status: %w", err)
	}
	tc.ResultLSN = status.ReplayLSN
	return nil
}

// handleSecondaryFallingBehind is a no-op at the database level: the
// monitor has already decided this standby lags too far to count
// toward quorum, the local action is purely the state report that
// removes it from synchronous_standby_names on the primary's side.
func handleSecondaryFallingBehind(ctx context.Context, tc *TransitionContext) error {
	return nil
}

// handleDemotedToCatchingUp restarts a demoted former primary as a
// standby of the new primary.
func handleDemotedToCatchingUp(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Start(ctx); err != nil {
		return fmt.Errorf("fsm: demoted->catchingup: start: %w", err)
	}
	return SyncHBA(ctx, tc)
}

// handleDraining applies regardless of current state but is only ever
// assigned to a primary: stop accepting new writes by dropping
// synchronous replication, stop the database cleanly, and report the
// node as demoted.
func handleDraining(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.EnableSynchronousReplication(ctx, nil); err != nil {
		return fmt.Errorf("fsm: *->draining: clear synchronous replication: %w", err)
	}
	if err := tc.Pg.Stop(ctx); err != nil {
		return fmt.Errorf("fsm: *->draining: stop: %w", err)
	}
	tc.ResultState = types.StateDemoted
	return nil
}

// handleReportLSN is the post-crash probe: every node, regardless of
// its prior state, reads its current WAL position (replay LSN on a
// standby) so the assignment engine can run an election. It leaves
// the database running.
func handleReportLSN(ctx context.Context, tc *TransitionContext) error {
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: *->report_lsn: status: %w", err)
	}
	tc.ResultLSN = status.CurrentLSN
	return nil
}

// handleMaintenance stops the database for an operator-requested
// maintenance window, regardless of the node's prior role.
func handleMaintenance(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Stop(ctx); err != nil {
		return fmt.Errorf("fsm: *->maintenance: stop: %w", err)
	}
	return nil
}

// handleDropped releases every local resource tied to this node:
// stop the database, remove replication slots, and let the caller
// delete the on-disk state file and exit the node-active loop.
func handleDropped(ctx context.Context, tc *TransitionContext) error {
	if err := tc.Pg.Stop(ctx); err != nil {
		return fmt.Errorf("fsm: *->dropped: stop: %w", err)
	}
	slots, err := tc.Pg.ReplicationSlots(ctx)
	if err != nil {
		return fmt.Errorf("fsm: *->dropped: list slots: %w", err)
	}
	for _, slot := range slots {
		if err := tc.Pg.DropReplicationSlot(ctx, slot); err != nil {
			return fmt.Errorf("fsm: *->dropped: drop slot %s: %w", slot, err)
		}
	}
	return nil
}
