package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/types"
)

func TestServerRegisterAndGetOtherNodes(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	server := NewServer(cluster, "")

	resp, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{
		Formation: "default", Name: "node1", Host: "10.0.0.1", Port: 5432,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateSingle, resp.AssignedState)

	resp2, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{
		Formation: "default", Name: "node2", Host: "10.0.0.2", Port: 5432,
	})
	require.NoError(t, err)

	peers, err := server.GetOtherNodes(context.Background(), &monitorrpc.GetOtherNodesRequest{NodeID: resp2.NodeID})
	require.NoError(t, err)
	require.Len(t, peers.Peers, 1)
	assert.Equal(t, resp.NodeID, peers.Peers[0].ID)
}

func TestServerNodeActiveReturnsGoalState(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	server := NewServer(cluster, "")

	resp, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{
		Formation: "default", Name: "node1", Host: "10.0.0.1", Port: 5432,
	})
	require.NoError(t, err)

	active, err := server.NodeActive(context.Background(), &monitorrpc.NodeActiveRequest{
		NodeID: resp.NodeID, ReportedState: types.StateSingle,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateSingle, active.AssignedState)
}

func TestServerGetCurrentState(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	server := NewServer(cluster, "")

	_, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	require.NoError(t, err)

	resp, err := server.GetCurrentState(context.Background(), &monitorrpc.GetCurrentStateRequest{Formation: "default", GroupID: 0})
	require.NoError(t, err)
	require.Len(t, resp.Nodes, 1)
}

func TestServerRemoveNode(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	server := NewServer(cluster, "")

	resp, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	require.NoError(t, err)

	_, err = server.RemoveNode(context.Background(), &monitorrpc.RemoveNodeRequest{NodeID: resp.NodeID})
	require.NoError(t, err)

	n, found, err := cluster.Store().GetNode(resp.NodeID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, n.WantsRemoval)
}

func TestServerPerformPromotionReportsWasNeeded(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	server := NewServer(cluster, "")

	_, err := server.Register(context.Background(), &monitorrpc.RegisterRequest{Formation: "default", Name: "node1", Host: "h1", Port: 5432})
	require.NoError(t, err)

	resp, err := server.PerformPromotion(context.Background(), &monitorrpc.PerformPromotionRequest{Formation: "default", TargetName: "node1"})
	require.NoError(t, err)
	assert.True(t, resp.WasNeeded)
}
