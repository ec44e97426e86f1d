package pgctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

func TestParseLSN(t *testing.T) {
	cases := []struct {
		in   string
		want types.LSN
	}{
		{"0/0", 0},
		{"0/16B2488", 0x16B2488},
		{"16/B2488000", (0x16 << 32) | 0xB2488000},
	}
	for _, c := range cases {
		got := parseLSN(&c.in)
		assert.Equal(t, c.want, got, "parseLSN(%q)", c.in)
	}
}

func TestParseLSNNil(t *testing.T) {
	assert.Equal(t, types.LSN(0), parseLSN(nil))
}

func TestFakePromoteRequiresRecovery(t *testing.T) {
	ctx := context.Background()
	f := NewFake(Status{IsInRecovery: false})
	err := f.Promote(ctx)
	require.Error(t, err)
}

func TestFakePromoteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := NewFake(Status{IsInRecovery: true})

	require.NoError(t, f.Promote(ctx))
	status, err := f.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsInRecovery)

	require.NoError(t, f.Promote(ctx))
}

func TestFakeLifecycleAndReload(t *testing.T) {
	ctx := context.Background()
	f := NewFake(Status{})

	require.NoError(t, f.InitDB(ctx))
	assert.True(t, f.WasInitialized())

	assert.False(t, f.IsRunning(ctx))
	require.NoError(t, f.Start(ctx))
	assert.True(t, f.IsRunning(ctx))

	require.NoError(t, f.EnableSynchronousReplication(ctx, []string{"node_2", "node_3"}))
	assert.Equal(t, []string{"node_2", "node_3"}, f.SyncStandbyNames())
	assert.Equal(t, 1, f.ReloadCount(), "enabling synchronous replication reloads")

	require.NoError(t, f.Stop(ctx))
	assert.False(t, f.IsRunning(ctx))
}

func TestFakeReplicationSlotLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake(Status{})

	require.NoError(t, f.CreateReplicationSlot(ctx, "node_2"))
	slots, err := f.ReplicationSlots(ctx)
	require.NoError(t, err)
	assert.Contains(t, slots, "node_2")

	require.NoError(t, f.DropReplicationSlot(ctx, "node_2"))
	slots, err = f.ReplicationSlots(ctx)
	require.NoError(t, err)
	assert.NotContains(t, slots, "node_2")
}
