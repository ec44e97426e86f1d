package fsm

import (
	"context"
	"fmt"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// SlotName is the physical replication slot name used for a peer,
// shared between the side that creates it (this node, when primary)
// and the side that streams through it (the peer).
func SlotName(nodeID int64) string {
	return fmt.Sprintf("node_%d", nodeID)
}

// SlotReconciliation reports what ReconcileReplicationSlots did, so
// the caller can log or assert on it without re-querying Postgres.
type SlotReconciliation struct {
	Created []string
	Dropped []string
}

// ReconcileReplicationSlots runs the per-round-trip slot maintenance
// described for the local FSM: drop slots for peers no longer known,
// create slots for peers that don't have one yet, and advance every
// surviving slot's restart_lsn to the peer's last reported flush LSN
// so WAL already consumed can be recycled.
func ReconcileReplicationSlots(ctx context.Context, pg interface {
	ReplicationSlots(ctx context.Context) ([]string, error)
	CreateReplicationSlot(ctx context.Context, slotName string) error
	DropReplicationSlot(ctx context.Context, slotName string) error
	AdvanceReplicationSlot(ctx context.Context, slotName string, lsn types.LSN) error
}, peers []types.Node) (SlotReconciliation, error) {
	var result SlotReconciliation

	wanted := make(map[string]types.Node, len(peers))
	for _, p := range peers {
		wanted[SlotName(p.ID)] = p
	}

	existing, err := pg.ReplicationSlots(ctx)
	if err != nil {
		return result, fmt.Errorf("fsm: reconcile slots: list: %w", err)
	}
	existingSet := make(map[string]bool, len(existing))
	for _, s := range existing {
		existingSet[s] = true
		if _, ok := wanted[s]; !ok {
			if err := pg.DropReplicationSlot(ctx, s); err != nil {
				return result, fmt.Errorf("fsm: reconcile slots: drop %s: %w", s, err)
			}
			result.Dropped = append(result.Dropped, s)
		}
	}

	for name, peer := range wanted {
		if !existingSet[name] {
			if err := pg.CreateReplicationSlot(ctx, name); err != nil {
				return result, fmt.Errorf("fsm: reconcile slots: create %s: %w", name, err)
			}
			result.Created = append(result.Created, name)
		}
		if peer.ReportedLSN > 0 {
			if err := pg.AdvanceReplicationSlot(ctx, name, peer.ReportedLSN); err != nil {
				return result, fmt.Errorf("fsm: reconcile slots: advance %s: %w", name, err)
			}
		}
	}

	return result, nil
}

// EnsureCurrentState is the recovery hook called both on every
// round-trip where the monitor's assigned state matches what was
// already reported, and on process restart after current is read
// back from disk. It re-asserts the invariants of the current role
// without attempting any transition.
func EnsureCurrentState(ctx context.Context, tc *TransitionContext) error {
	status, err := tc.Pg.Status(ctx)
	if err != nil {
		return fmt.Errorf("fsm: ensure_current_state: status: %w", err)
	}

	switch tc.Current {
	case types.StateSingle, types.StateWaitPrimary, types.StatePrimary, types.StateApplySettings:
		if !status.IsRunning {
			return fmt.Errorf("fsm: ensure_current_state: role %s requires the database to be running", tc.Current)
		}
		if status.IsInRecovery {
			return fmt.Errorf("fsm: ensure_current_state: role %s must not be in recovery", tc.Current)
		}
	case types.StateCatchingUp, types.StateSecondary:
		if !status.IsRunning {
			return fmt.Errorf("fsm: ensure_current_state: role %s requires the database to be running", tc.Current)
		}
		if !status.IsInRecovery {
			return fmt.Errorf("fsm: ensure_current_state: role %s must be in recovery", tc.Current)
		}
	case types.StateMaintenance, types.StateDemoted, types.StateDropped:
		if status.IsRunning {
			return fmt.Errorf("fsm: ensure_current_state: role %s requires the database to be stopped", tc.Current)
		}
	}

	tc.ResultState = tc.Current
	tc.ResultLSN = status.CurrentLSN
	return nil
}
