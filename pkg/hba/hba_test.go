package hba

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/config"
)

func writeHBA(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg_hba.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestSyncAppendsManagedBlockToFreshFile(t *testing.T) {
	path := writeHBA(t, "local all all trust\n")

	changed, err := Sync(path, []Rule{{CIDR: "10.0.0.2/32", Method: "md5"}})
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "local all all trust")
	assert.Contains(t, string(data), "host replication all 10.0.0.2/32 md5")
}

func TestSyncIsNoOpWhenNothingChanged(t *testing.T) {
	path := writeHBA(t, "local all all trust\n")
	rules := []Rule{{CIDR: "10.0.0.2/32", Method: "md5"}}

	changed, err := Sync(path, rules)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = Sync(path, rules)
	require.NoError(t, err)
	assert.False(t, changed, "re-syncing identical rules must not report a change")
}

func TestSyncReplacesStaleRules(t *testing.T) {
	path := writeHBA(t, "local all all trust\n")

	_, err := Sync(path, []Rule{{CIDR: "10.0.0.2/32", Method: "md5"}})
	require.NoError(t, err)

	changed, err := Sync(path, []Rule{{CIDR: "10.0.0.3/32", Method: "md5"}})
	require.NoError(t, err)
	assert.True(t, changed)

	cidrs, err := ReadReplicationCIDRs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3/32"}, cidrs)
}

func TestMethodForLevel(t *testing.T) {
	assert.Equal(t, "trust", MethodForLevel(config.HBAMinimal))
	assert.Equal(t, "md5", MethodForLevel(config.HBANetwork))
	assert.Equal(t, "md5", MethodForLevel(config.HBALan))
	assert.Equal(t, "scram-sha-256", MethodForLevel(config.HBAApp))
}
