package keeper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/pgctl"
	"github.com/cuemby/pgautofailover/pkg/types"
)

type fakeMonitor struct {
	mu            sync.Mutex
	assigned      types.NodeState
	syncStandbys  []string
	peers         []types.Node
	contact       time.Time
	nodeActiveErr error
	calls         int
}

func (f *fakeMonitor) NodeActive(ctx context.Context, req *monitorrpc.NodeActiveRequest) (*monitorrpc.NodeActiveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.nodeActiveErr != nil {
		return nil, f.nodeActiveErr
	}
	f.contact = time.Now()
	return &monitorrpc.NodeActiveResponse{AssignedState: f.assigned, SyncStandbyNames: f.syncStandbys}, nil
}

func (f *fakeMonitor) GetOtherNodes(ctx context.Context, nodeID int64) ([]types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers, nil
}

func (f *fakeMonitor) LastMonitorContact() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contact
}

func writeHBAFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg_hba.conf")
	require.NoError(t, os.WriteFile(path, []byte("local all all trust\n"), 0o600))
	return path
}

func testKeeper(t *testing.T, pg pgctl.Controller, monitor *fakeMonitor) *Keeper {
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.GroupID = 0
	cfg.Formation = "default"
	cfg.HBAPath = writeHBAFixture(t)
	cfg.HBALevelMethod = "md5"
	cfg.StatePath = filepath.Join(t.TempDir(), "pg_autoctl.state")
	k := New(cfg, monitor, pg, nil, nil)
	k.current = types.StateInit
	return k
}

func TestTickBootstrapsFromInitToSingle(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	monitor := &fakeMonitor{assigned: types.StateSingle}
	k := testKeeper(t, pg, monitor)

	require.NoError(t, k.tick(ctx))
	assert.Equal(t, types.StateSingle, k.Current())
	assert.True(t, pg.WasInitialized())
}

func TestTickPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	monitor := &fakeMonitor{assigned: types.StateSingle}
	k := testKeeper(t, pg, monitor)
	require.NoError(t, k.tick(ctx))

	k2 := New(k.cfg, monitor, pg, nil, nil)
	require.NoError(t, k2.loadState())
	assert.Equal(t, types.StateSingle, k2.Current())
}

func TestTickEnsureCurrentStateWhenAssignmentUnchanged(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true, CurrentLSN: 10})
	monitor := &fakeMonitor{assigned: types.StateSingle}
	k := testKeeper(t, pg, monitor)
	k.current = types.StateSingle

	require.NoError(t, k.tick(ctx))
	assert.Equal(t, types.StateSingle, k.Current())
}

func TestTickNoHandlerReturnsProtocolError(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{})
	monitor := &fakeMonitor{assigned: types.StatePreparePromotion}
	k := testKeeper(t, pg, monitor)
	k.current = types.StateSingle

	err := k.tick(ctx)
	require.Error(t, err)
}

func TestTickSurvivesTransientMonitorFailure(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	monitor := &fakeMonitor{nodeActiveErr: assertError{}}
	k := testKeeper(t, pg, monitor)
	k.current = types.StateSingle

	require.NoError(t, k.tick(ctx))
	assert.Equal(t, types.StateSingle, k.Current(), "state must not change on a failed node_active call")
}

func TestSelfDemoteOnNetworkPartition(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	monitor := &fakeMonitor{assigned: types.StatePrimary}
	k := testKeeper(t, pg, monitor)
	k.current = types.StatePrimary
	k.cfg.NetworkPartitionTimeout = 10 * time.Millisecond
	monitor.contact = time.Now().Add(-time.Hour)

	require.NoError(t, k.tick(ctx))
	assert.Equal(t, types.StateDemoted, k.Current())
	assert.False(t, pg.IsRunning(ctx))
}

func TestReconcileCreatesSlotsForPeers(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	monitor := &fakeMonitor{
		assigned: types.StateSingle,
		peers:    []types.Node{{ID: 7, ReportedLSN: 42}},
	}
	k := testKeeper(t, pg, monitor)

	require.NoError(t, k.tick(ctx))
	assert.Equal(t, types.LSN(42), pg.SlotLSN("node_7"))
}

func TestPeerCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	monitor := &fakeMonitor{
		assigned: types.StateSingle,
		peers:    []types.Node{{ID: 2, Name: "node2", Host: "10.0.0.2", ReplicationQuorum: true}},
	}
	k := testKeeper(t, pg, monitor)
	k.cfg.NodesCachePath = filepath.Join(t.TempDir(), "pg_autoctl.nodes")

	require.NoError(t, k.tick(ctx))

	k2 := New(k.cfg, &fakeMonitor{}, pg, nil, nil)
	k2.loadPeerCache()
	require.Len(t, k2.peers, 1)
	assert.Equal(t, "node2", k2.peers[0].Name)
}

func TestTickDroppedReturnsErrDropped(t *testing.T) {
	ctx := context.Background()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	require.NoError(t, pg.CreateReplicationSlot(ctx, "node_2"))
	monitor := &fakeMonitor{assigned: types.StateDropped}
	k := testKeeper(t, pg, monitor)
	k.current = types.StateSecondary

	err := k.tick(ctx)
	require.ErrorIs(t, err, ErrDropped)
	assert.False(t, pg.IsRunning(ctx))
}

func TestRunExitsCleanlyWhenDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pg := pgctl.NewFake(pgctl.Status{IsRunning: true})
	monitor := &fakeMonitor{assigned: types.StateDropped}
	k := testKeeper(t, pg, monitor)
	k.cfg.SleepInterval = time.Millisecond

	require.NoError(t, k.Run(ctx))
}

type assertError struct{}

func (assertError) Error() string { return "monitorclient: node_active: simulated transport failure" }
