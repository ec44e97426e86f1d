package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

func TestHealthProbeDetectsOpenAndClosedPorts(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	addr := lis.Addr().(*net.TCPAddr)

	probe := &HealthProbe{dialer: net.Dialer{Timeout: time.Second}}
	assert.True(t, probe.probe("127.0.0.1", addr.Port))
	assert.False(t, probe.probe("127.0.0.1", 1))
}

func TestHealthProbeIntegrationUpdatesNodeHealth(t *testing.T) {
	cluster := newBootstrappedCluster(t)
	require.NoError(t, cluster.Store().PutFormation(types.Formation{Name: "default", NumberSyncStandbys: 1}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	addr := lis.Addr().(*net.TCPAddr)

	result, err := cluster.Propose(5*time.Second, opRegisterNode, registerNodePayload{
		Formation: "default", Name: "node1", Host: "127.0.0.1", Port: addr.Port,
	})
	require.NoError(t, err)

	probe := NewHealthProbe(cluster)
	probe.probeOnce(context.Background())

	n, found, err := cluster.Store().GetNode(result.Node.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.HealthHealthy, n.Health)
}
