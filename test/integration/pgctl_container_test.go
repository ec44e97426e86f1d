// Package integration exercises single packages against real
// dependencies (a real Postgres, a real monitor raft cluster) rather
// than the framework's subprocess-level Cluster, for faster
// iteration than a full test/e2e scenario.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cuemby/pgautofailover/pkg/pgctl"
)

func startPostgresContainer(t *testing.T) (connString string, cleanup func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	connString = fmt.Sprintf("host=%s port=%s user=postgres password=postgres dbname=postgres sslmode=disable", host, port.Port())
	cleanup = func() {
		_ = container.Terminate(context.Background())
	}
	return connString, cleanup
}

// TestPgxControllerStatusAgainstRealPostgres exercises Status against
// a real, freshly-started primary: it must report IsRunning and
// IsInRecovery=false, the state handleInitToSingle (and every
// single-node FSM transition) polls for.
func TestPgxControllerStatusAgainstRealPostgres(t *testing.T) {
	connString, cleanup := startPostgresContainer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := pgctl.Dial(ctx, connString)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pg.Close()

	status, err := pg.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsRunning {
		t.Fatalf("expected IsRunning, got %+v", status)
	}
	if status.IsInRecovery {
		t.Fatalf("expected a freshly started instance not to be in recovery, got %+v", status)
	}
}

// TestPgxControllerReplicationSlotLifecycle exercises the create →
// list → drop round trip the keeper runs every time a standby is
// assigned and later dropped.
func TestPgxControllerReplicationSlotLifecycle(t *testing.T) {
	connString, cleanup := startPostgresContainer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := pgctl.Dial(ctx, connString)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pg.Close()

	const slot = "node_2"
	if err := pg.CreateReplicationSlot(ctx, slot); err != nil {
		t.Fatalf("create slot: %v", err)
	}
	// Idempotent: a second create for the same node must not error.
	if err := pg.CreateReplicationSlot(ctx, slot); err != nil {
		t.Fatalf("create slot (idempotent): %v", err)
	}

	slots, err := pg.ReplicationSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	found := false
	for _, s := range slots {
		if s == slot {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected slot %q in %v", slot, slots)
	}

	if err := pg.DropReplicationSlot(ctx, slot); err != nil {
		t.Fatalf("drop slot: %v", err)
	}
}

// TestPgxControllerEnableSynchronousReplication exercises the
// synchronous_standby_names write path against a real server, since
// `alter system` plus reload behavior can't be faithfully faked.
func TestPgxControllerEnableSynchronousReplication(t *testing.T) {
	connString, cleanup := startPostgresContainer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := pgctl.Dial(ctx, connString)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pg.Close()

	if err := pg.EnableSynchronousReplication(ctx, []string{"node_2"}); err != nil {
		t.Fatalf("enable synchronous replication: %v", err)
	}
}
