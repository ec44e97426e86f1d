package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

func testNodeState() *NodeState {
	return &NodeState{
		NodeID:                 42,
		GroupID:                0,
		CurrentRole:            types.StateCatchingUp,
		AssignedRole:           types.StateSecondary,
		Sequence:               7,
		LastMonitorContactAt:   time.Unix(1700000000, 0).UTC(),
		LastSecondaryContactAt: time.Unix(1700000100, 0).UTC(),
		XLogLag:                4096,
		IsPaused:               false,
		PgSystemIdentifier:     7123456789012345678,
		PgControlVersion:       1300,
		PgCatalogVersion:       202307071,
		PgTimeline:             3,
	}
}

// R1: write-then-read of any persistent record returns a byte-identical record.
func TestNodeStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.state")
	want := testNodeState()

	require.NoError(t, Write(path, want))

	got := &NodeState{}
	require.NoError(t, Read(path, got))
	require.Equal(t, want, got)
}

func TestNodeStateRoundTripZeroTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.state")
	want := testNodeState()
	want.LastMonitorContactAt = time.Time{}
	want.LastSecondaryContactAt = time.Time{}

	require.NoError(t, Write(path, want))

	got := &NodeState{}
	require.NoError(t, Read(path, got))
	require.True(t, got.LastMonitorContactAt.IsZero())
	require.True(t, got.LastSecondaryContactAt.IsZero())
}

func TestInitStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.init")
	want := &InitState{State: types.InitPgdataExists, CreatedAt: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, Write(path, want))

	got := &InitState{}
	require.NoError(t, Read(path, got))
	require.Equal(t, want.State, got.State)
	require.Equal(t, want.CreatedAt, got.CreatedAt)
}

func TestPgExpectationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.pg")
	want := &PgExpectation{Status: types.PgExpectedRunning, SetAt: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, Write(path, want))

	got := &PgExpectation{}
	require.NoError(t, Read(path, got))
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.SetAt, got.SetAt)
}

func TestReadNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.state")
	err := Read(path, &NodeState{})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestReadCorruptShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.state")
	require.NoError(t, os.WriteFile(path, []byte("not a state file"), 0o600))

	err := Read(path, &NodeState{})
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestReadVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.state")
	buf := make([]byte, PageSize)
	buf[3] = 99 // version 99, big-endian uint32 at offset 0
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	err := Read(path, &NodeState{})
	require.True(t, errors.Is(err, ErrVersionMismatch))
}

// P3: a reader never observes a partially written record — Write never
// leaves anything at the final path except a complete one, and cleans
// up its temp file on every error path.
func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.state")
	require.NoError(t, Write(path, testNodeState()))

	_, err := os.Stat(path + ".new")
	require.True(t, os.IsNotExist(err), "temp file must not survive a successful write")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, PageSize)
}

func TestWriteRemovesStaleTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_autoctl.state")
	require.NoError(t, os.WriteFile(path+".new", []byte("leftover from a crashed writer"), 0o600))

	require.NoError(t, Write(path, testNodeState()))

	got := &NodeState{}
	require.NoError(t, Read(path, got))
	require.Equal(t, testNodeState(), got)
}

func TestReadWithRetrySucceedsOnceFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_autoctl.state")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_ = Write(path, testNodeState())
	}()

	got := &NodeState{}
	err := ReadWithRetry(path, got)
	<-done
	require.NoError(t, err)
	require.Equal(t, testNodeState(), got)
}

func TestForPgDataProducesDistinctFilesPerPgdata(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	a, err := ForPgData("/var/lib/postgresql/a")
	require.NoError(t, err)
	b, err := ForPgData("/var/lib/postgresql/b")
	require.NoError(t, err)

	require.NotEqual(t, a.State, b.State)
	require.Contains(t, a.State, dataHome)
}
