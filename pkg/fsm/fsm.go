// Package fsm is the local node FSM: given (current, assigned,
// observations) it reconciles the managed Postgres instance and
// reports the node's new current state. It is edge-triggered — each
// (current, assigned) pair for which current != assigned has a
// handler registered in a dispatch table, grounded on pkg/scheduler's
// table-driven dispatch in the teacher repo. A pair with no handler is
// refused and reported as a protocol error rather than guessed at.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/hba"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// ErrNoHandler is returned when no transition handler exists for a
// (current, assigned) pair. The node-active loop reports this back to
// the monitor unchanged rather than silently dropping the assignment.
var ErrNoHandler = errors.New("fsm: no transition handler registered for this state pair")

// Handler performs the side effects of moving from tc.Current to
// tc.Assigned and sets tc.ResultState to the state actually reached
// (usually, but not always, tc.Assigned — some transitions land on an
// intermediate state that a later round-trip advances further).
type Handler func(ctx context.Context, tc *TransitionContext) error

// TransitionContext carries everything a handler needs and the
// outputs the caller (pkg/keeper) persists once the handler returns.
type TransitionContext struct {
	Current  types.NodeState
	Assigned types.NodeState

	Self  types.Node   // this node's own identity/role fields
	Peers []types.Node // every other node in the group, from the monitor

	Pg             pgctl.Controller
	HBAPath        string
	HBALevelMethod string // pre-resolved via hba.MethodForLevel

	SyncStandbyNames []string // names the monitor wants in synchronous_standby_names
	LagTolerance     int64    // bytes of xlog lag still considered "caught up"

	PromotionCatchupTimeout time.Duration // prepare_promotion_catchup
	WalReceiverTimeout      time.Duration // prepare_promotion_walreceiver

	// ResultState/ResultLSN are set by the handler for the caller to persist.
	ResultState types.NodeState
	ResultLSN   types.LSN
}

type key struct {
	Current  types.NodeState
	Assigned types.NodeState
}

// table holds handlers keyed on an exact (current, assigned) pair.
var table = map[key]Handler{
	{types.StateInit, types.StateSingle}:                        handleInitToSingle,
	{types.StateInit, types.StateWaitStandby}:                   handleInitToWaitStandby,
	{types.StateWaitStandby, types.StateCatchingUp}:              handleWaitStandbyToCatchingUp,
	{types.StateSingle, types.StateWaitPrimary}:                  handleSingleToWaitPrimary,
	{types.StateWaitPrimary, types.StatePrimary}:                 handleWaitPrimaryToPrimary,
	{types.StatePrimary, types.StateApplySettings}:               handleApplySettings,
	{types.StateApplySettings, types.StatePrimary}:               handleWaitPrimaryToPrimary,
	{types.StatePrimary, types.StatePrepareMaintenance}:          handlePrepareMaintenance,
	{types.StatePrepareMaintenance, types.StateWaitMaintenance}:  handleWaitMaintenance,
	{types.StateCatchingUp, types.StateSecondary}:                handleCatchingUpToSecondary,
	{types.StateSecondary, types.StatePreparePromotion}:          handlePreparePromotion,
	{types.StatePreparePromotion, types.StateStopReplication}:    handleStopReplication,
	{types.StateStopReplication, types.StateSingle}:              handleStopReplicationToSingle,
	{types.StateStopReplication, types.StateWaitPrimary}:         handleStopReplicationToWaitPrimary,
	{types.StateSecondary, types.StateFastForward}:               handleFastForward,
	{types.StateFastForward, types.StateSecondary}:               handleFastForwardToSecondary,
	{types.StateSecondary, types.StateCatchingUp}:                handleSecondaryFallingBehind,
	{types.StateDemoted, types.StateCatchingUp}:                  handleDemotedToCatchingUp,
	{types.StateDemoted, types.StateSingle}:                      handleInitToSingle,
}

// wildcard holds handlers that apply regardless of the current state,
// the "* -> X" transitions called out explicitly.
var wildcard = map[types.NodeState]Handler{
	types.StateDraining:    handleDraining,
	types.StateReportLSN:   handleReportLSN,
	types.StateMaintenance: handleMaintenance,
	types.StateDropped:     handleDropped,
}

// Dispatch finds and runs the handler for tc.Current -> tc.Assigned.
// Exact pairs take precedence over wildcard ones so e.g. a dedicated
// primary -> draining handler, if ever added, would win over the
// generic one.
func Dispatch(ctx context.Context, tc *TransitionContext) error {
	if tc.Current == tc.Assigned {
		return fmt.Errorf("fsm: dispatch called with no state change (%s)", tc.Current)
	}
	h, ok := table[key{tc.Current, tc.Assigned}]
	if !ok {
		h, ok = wildcard[tc.Assigned]
	}
	if !ok {
		log.WithComponent("fsm").Error().
			Str("current", string(tc.Current)).
			Str("assigned", string(tc.Assigned)).
			Msg("BUG: no transition handler for assigned state pair")
		return fmt.Errorf("%w: %s -> %s", ErrNoHandler, tc.Current, tc.Assigned)
	}
	if tc.ResultState == "" {
		tc.ResultState = tc.Assigned
	}
	return h(ctx, tc)
}

// HasHandler reports whether Dispatch would find a handler for the
// pair, without running it; the keeper uses this to decide whether an
// assignment is even worth attempting before it touches the database.
func HasHandler(current, assigned types.NodeState) bool {
	if _, ok := table[key{current, assigned}]; ok {
		return true
	}
	_, ok := wildcard[assigned]
	return ok
}

// SyncHBA diff-applies tc.Peers to the local pg_hba.conf and, when the
// file actually changed, signals the database to reload. Several
// transition handlers call it as part of their work (before the keeper
// persists the new state), and the keeper calls it again on every
// round-trip through its reconcile step.
func SyncHBA(ctx context.Context, tc *TransitionContext) error {
	rules := make([]hba.Rule, 0, len(tc.Peers))
	for _, p := range tc.Peers {
		rules = append(rules, hba.Rule{CIDR: p.Host + "/32", Method: tc.HBALevelMethod})
	}
	changed, err := hba.Sync(tc.HBAPath, rules)
	if err != nil {
		return fmt.Errorf("fsm: sync hba: %w", err)
	}
	if changed {
		return tc.Pg.Reload(ctx)
	}
	return nil
}
