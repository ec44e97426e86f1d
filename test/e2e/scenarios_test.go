// Package e2e runs pg_autoctl as real subprocesses against a real
// monitor and real PGDATA directories, covering the seed scenarios a
// complete implementation of this system is expected to pass end to
// end, rather than unit-level FSM transitions.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
	"github.com/cuemby/pgautofailover/test/framework"
)

func newScenarioCluster(t *testing.T, numNodes int) *framework.Cluster {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	cfg := framework.DefaultClusterConfig()
	cfg.NumNodes = numNodes
	cfg.DataDir = t.TempDir()

	cluster, err := framework.NewCluster(cfg)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	t.Cleanup(func() { _ = cluster.Stop() })

	if err := cluster.Start(); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	return cluster
}

// TestBootstrapSingleNode covers spec.md §8 scenario 1: a lone node
// registers against a fresh monitor and is promoted straight to single.
func TestBootstrapSingleNode(t *testing.T) {
	cluster := newScenarioCluster(t, 1)
	ctx := context.Background()
	waiter := framework.DefaultWaiter()

	if err := waiter.WaitForNodeState(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, "node-1", types.StateSingle); err != nil {
		t.Fatalf("node-1 never reached single: %v", err)
	}
}

// TestAddFirstStandby covers spec.md §8 scenario 2: joining a second
// node promotes the first to primary and brings the second up as a
// caught-up secondary.
func TestAddFirstStandby(t *testing.T) {
	cluster := newScenarioCluster(t, 2)
	ctx := context.Background()
	waiter := framework.DefaultWaiter()

	primary, err := waiter.WaitForPrimary(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group)
	if err != nil {
		t.Fatalf("no primary elected: %v", err)
	}
	if primary != "node-1" {
		t.Fatalf("expected node-1 as primary, got %q", primary)
	}
	if err := waiter.WaitForNodeState(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, "node-2", types.StateSecondary); err != nil {
		t.Fatalf("node-2 never caught up to secondary: %v", err)
	}
}

// TestPrimaryCrashTriggersFailover covers spec.md §8 scenario 4: an
// unresponsive primary is demoted and the secondary is promoted in
// its place without operator intervention.
func TestPrimaryCrashTriggersFailover(t *testing.T) {
	cluster := newScenarioCluster(t, 2)
	ctx := context.Background()
	waiter := framework.DefaultWaiter()

	primary, err := waiter.WaitForPrimary(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group)
	if err != nil {
		t.Fatalf("no initial primary: %v", err)
	}
	crashedIndex := 0
	if primary != cluster.Nodes[0].Name {
		crashedIndex = 1
	}

	if err := cluster.KillNode(crashedIndex); err != nil {
		t.Fatalf("kill primary: %v", err)
	}

	longWaiter := framework.NewWaiter(2*time.Minute, 2*time.Second)
	newPrimary, err := longWaiter.WaitForPrimary(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group)
	if err != nil {
		t.Fatalf("no new primary elected after crash: %v", err)
	}
	if newPrimary == primary {
		t.Fatalf("expected a new primary after killing %q, still see %q", primary, newPrimary)
	}
}

// TestMaintenanceWindow covers spec.md §8 scenario 5: a node taken
// into maintenance is excluded from promotion/assignment decisions
// while paused, and resumes normal participation once released.
func TestMaintenanceWindow(t *testing.T) {
	cluster := newScenarioCluster(t, 2)
	ctx := context.Background()
	waiter := framework.DefaultWaiter()

	if _, err := waiter.WaitForPrimary(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group); err != nil {
		t.Fatalf("no initial primary: %v", err)
	}

	client, err := framework.DialMonitor(cluster.Monitor.BindAddr)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.SetMaintenance(rctx, cluster.Config.Formation, cluster.Config.Group, "node-2", true); err != nil {
		t.Fatalf("enable maintenance: %v", err)
	}
	if err := waiter.WaitForNodeState(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, "node-2", types.StateMaintenance); err != nil {
		t.Fatalf("node-2 never entered maintenance: %v", err)
	}

	rctx2, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	if err := client.SetMaintenance(rctx2, cluster.Config.Formation, cluster.Config.Group, "node-2", false); err != nil {
		t.Fatalf("disable maintenance: %v", err)
	}
	if err := waiter.WaitForNodeState(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, "node-2", types.StateSecondary); err != nil {
		t.Fatalf("node-2 never resumed as secondary: %v", err)
	}
}

// TestDropNode covers spec.md §8 scenario 6: removing a registered
// node retires it from the formation's current-state listing.
func TestDropNode(t *testing.T) {
	cluster := newScenarioCluster(t, 2)
	ctx := context.Background()
	waiter := framework.DefaultWaiter()

	if err := waiter.WaitForNodeCount(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, 2); err != nil {
		t.Fatalf("nodes never joined: %v", err)
	}

	client, err := framework.DialMonitor(cluster.Monitor.BindAddr)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	nodes, err := client.GetCurrentState(rctx, cluster.Config.Formation, cluster.Config.Group)
	if err != nil {
		t.Fatalf("get current state: %v", err)
	}
	var dropID int64
	for _, n := range nodes {
		if n.Name == "node-2" {
			dropID = n.ID
		}
	}
	if dropID == 0 {
		t.Fatalf("node-2 not found in current state")
	}

	rctx2, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	if err := client.RemoveNode(rctx2, dropID); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if err := waiter.WaitForNodeCount(ctx, cluster.Monitor.BindAddr, cluster.Config.Formation, cluster.Config.Group, 1); err != nil {
		t.Fatalf("formation never settled back to 1 node: %v", err)
	}
}
