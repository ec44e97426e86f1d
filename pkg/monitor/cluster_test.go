package monitor

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

func newBootstrappedCluster(t *testing.T) *Cluster {
	t.Helper()
	cluster, err := NewCluster(ClusterConfig{
		NodeID:   "node1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, NewAssignmentEngine(DefaultAssignmentConfig()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cluster.Shutdown() })

	require.NoError(t, cluster.Bootstrap([]raft.Server{
		{ID: raft.ServerID("node1"), Address: cluster.LocalAddr()},
	}))

	require.Eventually(t, cluster.IsLeader, 5*time.Second, 50*time.Millisecond)
	return cluster
}

func TestClusterBootstrapBecomesLeader(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	assert.True(t, cluster.IsLeader())
}

func TestClusterProposeRegisterCommits(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	require.NoError(t, cluster.Store().PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	result, err := cluster.Propose(5*time.Second, opRegisterNode, registerNodePayload{
		Formation: "default", Name: "node1", Host: "10.0.0.1", Port: 5432,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateSingle, result.Node.GoalState)

	nodes, err := cluster.Store().ListGroupNodes("default", 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}
