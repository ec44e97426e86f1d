package fsm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/types"
)

func writeHBAFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg_hba.conf")
	require.NoError(t, os.WriteFile(path, []byte("local all all trust\n"), 0o600))
	return path
}

func TestDispatchInitToSingle(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	tc := &TransitionContext{
		Current:        types.StateInit,
		Assigned:       types.StateSingle,
		Pg:             pg,
		HBAPath:        writeHBAFixture(t),
		HBALevelMethod: "md5",
	}

	require.NoError(t, Dispatch(ctx, tc))
	assert.Equal(t, types.StateSingle, tc.ResultState)
	assert.True(t, pg.WasInitialized())
	assert.True(t, pg.IsRunning(ctx))
}

func TestDispatchWaitPrimaryToPrimaryConfiguresSyncReplication(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	tc := &TransitionContext{
		Current:          types.StateWaitPrimary,
		Assigned:         types.StatePrimary,
		Pg:               pg,
		SyncStandbyNames: []string{"node_2"},
	}

	require.NoError(t, Dispatch(ctx, tc))
	assert.Equal(t, []string{"node_2"}, pg.SyncStandbyNames())
	assert.Equal(t, 1, pg.ReloadCount())
}

func TestDispatchWildcardDraining(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	tc := &TransitionContext{
		Current:  types.StatePrimary,
		Assigned: types.StateDraining,
		Pg:       pg,
	}

	require.NoError(t, Dispatch(ctx, tc))
	assert.Equal(t, types.StateDemoted, tc.ResultState, "draining lands on demoted, not draining")
	assert.False(t, pg.IsRunning(ctx))
}

func TestDispatchWildcardDropped(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	require.NoError(t, pg.CreateReplicationSlot(ctx, "node_2"))

	tc := &TransitionContext{Current: types.StateSecondary, Assigned: types.StateDropped, Pg: pg}
	require.NoError(t, Dispatch(ctx, tc))

	slots, err := pg.ReplicationSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestDispatchNoHandlerIsProtocolError(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	tc := &TransitionContext{Current: types.StateSingle, Assigned: types.StatePreparePromotion, Pg: pg}

	err := Dispatch(ctx, tc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestDispatchRejectsNoOp(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	tc := &TransitionContext{Current: types.StateSingle, Assigned: types.StateSingle, Pg: pg}
	assert.Error(t, Dispatch(ctx, tc))
}

func TestHasHandler(t *testing.T) {
	assert.True(t, HasHandler(types.StateInit, types.StateSingle))
	assert.True(t, HasHandler(types.StateSecondary, types.StateDropped), "dropped is a wildcard handler")
	assert.False(t, HasHandler(types.StateSingle, types.StatePreparePromotion))
}

func TestEnsureCurrentStatePrimaryRequiresRunning(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: false})
	tc := &TransitionContext{Current: types.StatePrimary, Pg: pg}

	err := EnsureCurrentState(ctx, tc)
	require.Error(t, err)
}

func TestEnsureCurrentStateSecondaryRequiresRecovery(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true, IsInRecovery: false})
	tc := &TransitionContext{Current: types.StateSecondary, Pg: pg}

	err := EnsureCurrentState(ctx, tc)
	require.Error(t, err)
}

func TestEnsureCurrentStateHealthyPrimaryPasses(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true, IsInRecovery: false, CurrentLSN: 42})
	tc := &TransitionContext{Current: types.StatePrimary, Pg: pg}

	require.NoError(t, EnsureCurrentState(ctx, tc))
	assert.Equal(t, types.LSN(42), tc.ResultLSN)
}

func TestReconcileReplicationSlotsCreatesDropsAndAdvances(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	require.NoError(t, pg.CreateReplicationSlot(ctx, "node_99"))

	peers := []types.Node{
		{ID: 2, ReportedLSN: 100},
		{ID: 3, ReportedLSN: 200},
	}

	result, err := ReconcileReplicationSlots(ctx, pg, peers)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node_2", "node_3"}, result.Created)
	assert.ElementsMatch(t, []string{"node_99"}, result.Dropped)
	assert.Equal(t, types.LSN(100), pg.SlotLSN("node_2"))
	assert.Equal(t, types.LSN(200), pg.SlotLSN("node_3"))
}
