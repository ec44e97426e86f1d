package monitor

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// testNotifier records every publish instead of talking to redis, for
// assertions on the FSM's NOTIFY-on-commit behavior.
type testNotifier struct {
	published []types.Node
}

func (n *testNotifier) Publish(channel string, node types.Node) {
	n.published = append(n.published, node)
}

func newTestFSM(t *testing.T) (*FSM, *Store, *testNotifier) {
	t.Helper()
	store := openTestStore(t)
	notifier := &testNotifier{}
	fsm := NewFSM(store, NewAssignmentEngine(DefaultAssignmentConfig()), notifier)
	return fsm, store, notifier
}

func applyCommand(t *testing.T, fsm *FSM, op string, payload interface{}) ApplyResult {
	t.Helper()
	data, err := marshalPayload(payload)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: data}
	raw, err := marshalPayload(cmd)
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Data: raw})
	applyResult, ok := result.(ApplyResult)
	require.True(t, ok)
	require.NoError(t, applyResult.Err)
	return applyResult
}

func TestFSMRegisterBootstrapsFirstNodeToSingle(t *testing.T) {
	fsm, store, notifier := newTestFSM(t)
	require.NoError(t, store.PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	result := applyCommand(t, fsm, opRegisterNode, registerNodePayload{
		Formation: "default", GroupID: 0, Name: "node1", Host: "10.0.0.1", Port: 5432,
	})

	assert.Equal(t, types.StateSingle, result.Node.GoalState)
	assert.NotEmpty(t, notifier.published)

	events, err := store.ListEvents("default", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestFSMNodeActiveAdvancesGoalState(t *testing.T) {
	fsm, store, _ := newTestFSM(t)
	require.NoError(t, store.PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	reg := applyCommand(t, fsm, opRegisterNode, registerNodePayload{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	id := reg.Node.ID

	result := applyCommand(t, fsm, opNodeActive, nodeActivePayload{NodeID: id, ReportedState: types.StateSingle, At: time.Now()})
	assert.Equal(t, types.StateSingle, result.Node.GoalState)
}

func TestFSMRemoveNodeMarksWantsRemoval(t *testing.T) {
	fsm, store, _ := newTestFSM(t)
	require.NoError(t, store.PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	reg := applyCommand(t, fsm, opRegisterNode, registerNodePayload{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	id := reg.Node.ID

	result := applyCommand(t, fsm, opRemoveNode, removeNodePayload{NodeID: id})
	assert.Equal(t, types.StateDraining, result.Node.GoalState)

	n, found, err := store.GetNode(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, n.WantsRemoval)
}

func TestFSMDropNodeDeletesRecordAndRecordsEvent(t *testing.T) {
	fsm, store, _ := newTestFSM(t)
	require.NoError(t, store.PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	reg := applyCommand(t, fsm, opRegisterNode, registerNodePayload{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	id := reg.Node.ID

	applyCommand(t, fsm, opDropNode, dropNodePayload{NodeID: id})

	_, found, err := store.GetNode(id)
	require.NoError(t, err)
	assert.False(t, found)

	events, err := store.ListEvents("default", 0)
	require.NoError(t, err)
	var sawDropped bool
	for _, e := range events {
		if e.Type == types.EventNodeDropped {
			sawDropped = true
		}
	}
	assert.True(t, sawDropped)
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	fsm, store, _ := newTestFSM(t)
	require.NoError(t, store.PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))
	applyCommand(t, fsm, opRegisterNode, registerNodePayload{Formation: "default", Name: "node1", Host: "h1", Port: 5432})

	fsmSnap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := newMemorySnapshotSink()
	require.NoError(t, fsmSnap.Persist(sink))

	restoredFSM, restoredStore, _ := newTestFSM(t)
	require.NoError(t, restoredFSM.Restore(sink.readCloser()))

	nodes, err := restoredStore.AllNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node1", nodes[0].Name)
}
