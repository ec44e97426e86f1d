package framework

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NewCluster creates a new test Cluster using config, or
// DefaultClusterConfig() if config is nil.
func NewCluster(config *ClusterConfig) (*Cluster, error) {
	if config == nil {
		config = DefaultClusterConfig()
	}
	if config.NumNodes < 1 {
		return nil, fmt.Errorf("invalid cluster config: NumNodes must be >= 1")
	}
	if _, err := os.Stat(config.Binary); err != nil {
		return nil, fmt.Errorf("invalid cluster config: binary %s: %w", config.Binary, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cluster{
		Config: config,
		Nodes:  make([]*KeeperNode, 0, config.NumNodes),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start bootstraps the monitor, waits for it to become reachable, then
// creates and runs every keeper node, waiting for each to register —
// the bootstrap-then-join sequence spec.md §8 scenario 1 describes.
func (c *Cluster) Start() error {
	if err := c.startMonitor(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	waiter := DefaultWaiter()
	if err := waiter.WaitForMonitorReady(c.ctx, c.Monitor.BindAddr); err != nil {
		return fmt.Errorf("monitor never became ready: %w", err)
	}

	for i := 0; i < c.Config.NumNodes; i++ {
		if err := c.startNode(i); err != nil {
			return fmt.Errorf("failed to start node-%d: %w", i+1, err)
		}
	}
	return nil
}

// Stop terminates the monitor and every keeper node, in reverse
// dependency order, and removes the data directory unless
// KeepOnFailure was requested.
func (c *Cluster) Stop() error {
	defer c.cancel()

	for _, n := range c.Nodes {
		if n.Process != nil {
			_ = n.Process.Stop()
		}
	}
	if c.Monitor != nil && c.Monitor.Process != nil {
		_ = c.Monitor.Process.Stop()
	}
	if !c.Config.KeepOnFailure {
		return os.RemoveAll(c.Config.DataDir)
	}
	return nil
}

func (c *Cluster) startMonitor() error {
	dataDir := filepath.Join(c.Config.DataDir, "monitor")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	bindAddr := "127.0.0.1:15433"
	listenAddr := "127.0.0.1:15432"

	bootstrap := NewProcess(c.Config.Binary)
	bootstrap.Args = []string{"create", "monitor", "--pgdata", dataDir, "--bind-addr", bindAddr, "--listen", listenAddr}
	if err := bootstrap.Start(); err != nil {
		return err
	}
	if err := bootstrap.Wait(); err != nil {
		return fmt.Errorf("create monitor: %w\n%s", err, bootstrap.Logs())
	}

	run := NewProcess(c.Config.Binary)
	run.Args = []string{"run", "--pgdata", dataDir}
	if err := run.Start(); err != nil {
		return err
	}

	c.Monitor = &MonitorNode{
		ID:       "monitor",
		Process:  run,
		BindAddr: listenAddr,
		DataDir:  dataDir,
	}
	return nil
}

func (c *Cluster) startNode(index int) error {
	name := fmt.Sprintf("node-%d", index+1)
	dataDir := filepath.Join(c.Config.DataDir, name)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	port := 25432 + index

	create := NewProcess(c.Config.Binary)
	create.Args = []string{
		"create", "postgres",
		"--pgdata", dataDir,
		"--monitor", c.Monitor.BindAddr,
		"--name", name,
		"--formation", c.Config.Formation,
		"--group", fmt.Sprintf("%d", c.Config.Group),
		"--pgport", fmt.Sprintf("%d", port),
	}
	if err := create.Start(); err != nil {
		return err
	}
	if err := create.Wait(); err != nil {
		return fmt.Errorf("create postgres %s: %w\n%s", name, err, create.Logs())
	}

	run := NewProcess(c.Config.Binary)
	run.Args = []string{"run", "--pgdata", dataDir}
	if err := run.Start(); err != nil {
		return err
	}

	c.Nodes = append(c.Nodes, &KeeperNode{
		ID:      name,
		Name:    name,
		Process: run,
		PGData:  dataDir,
		PGPort:  port,
		Monitor: c.Monitor.BindAddr,
	})
	return nil
}

// KillNode forcefully kills the keeper process for nodes[index],
// simulating a primary crash without a graceful shutdown notification.
func (c *Cluster) KillNode(index int) error {
	if index < 0 || index >= len(c.Nodes) {
		return fmt.Errorf("node index %d out of range", index)
	}
	return c.Nodes[index].Process.Kill()
}

// WaitReady blocks up to timeout until the monitor lists exactly
// len(c.Nodes) nodes in the formation's group; node states are not
// checked.
func (c *Cluster) WaitReady(timeout time.Duration) error {
	waiter := NewWaiter(timeout, time.Second)
	return waiter.WaitForNodeCount(c.ctx, c.Monitor.BindAddr, c.Config.Formation, c.Config.Group, len(c.Nodes))
}
