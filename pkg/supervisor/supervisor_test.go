package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmdThatExitsImmediately(_ context.Context) (*exec.Cmd, error) {
	return exec.Command("true"), nil
}

func cmdThatSleeps(d time.Duration) func(context.Context) (*exec.Cmd, error) {
	return func(ctx context.Context) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sleep", formatSeconds(d)), nil
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func TestRunExhaustsRestartBudgetOnCrashLoop(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	svc := Service{Name: "crashy", RestartPolicy: Permanent, NewCmd: cmdThatExitsImmediately}
	sup := New([]Service{svc}, pidfile)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestartBudgetExceeded))
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	svc := Service{Name: "long-runner", RestartPolicy: Permanent, NewCmd: cmdThatSleeps(10 * time.Second)}
	sup := New([]Service{svc}, pidfile)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestFindServicePIDReturnsZeroWhenAbsent(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	svc := Service{Name: "long-runner", RestartPolicy: Permanent, NewCmd: cmdThatSleeps(5 * time.Second)}
	sup := New([]Service{svc}, pidfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	pid, err := FindServicePID(pidfile, "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	pid, err = FindServicePID(pidfile, "long-runner")
	require.NoError(t, err)
	assert.NotEqual(t, 0, pid)
}

func TestShouldRestart(t *testing.T) {
	assert.True(t, shouldRestart(Permanent, nil))
	assert.True(t, shouldRestart(Permanent, errors.New("boom")))
	assert.False(t, shouldRestart(Temporary, errors.New("boom")))
	assert.False(t, shouldRestart(Transient, nil))
	assert.True(t, shouldRestart(Transient, errors.New("boom")))
}

func TestTemporaryServiceIsNotRestarted(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	svc := Service{Name: "one-shot", RestartPolicy: Temporary, NewCmd: cmdThatExitsImmediately}
	sup := New([]Service{svc}, pidfile)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	assert.NoError(t, err)
}

func TestReloadIsNonBlockingAndCoalesced(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	sup := New(nil, pidfile)

	sup.broadcastReload()
	sup.broadcastReload()
	sup.broadcastReload()

	select {
	case <-sup.Reload():
	default:
		t.Fatal("expected a coalesced reload signal to be pending")
	}

	select {
	case <-sup.Reload():
		t.Fatal("expected only one coalesced reload signal")
	default:
	}
}
