package monitor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/pgautofailover/pkg/metrics"
)

// ClusterConfig describes a single raft replica of the monitor.
type ClusterConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster wraps a hashicorp/raft instance around an FSM/Store pair,
// tuned for sub-10s failover the same way the pack's Manager tunes its
// own raft cluster (pkg/manager/manager.go's Bootstrap).
type Cluster struct {
	raft      *raft.Raft
	fsm       *FSM
	store     *Store
	localAddr raft.ServerAddress
}

func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

// NewCluster opens the store/FSM and the raft transport/log/stable/
// snapshot stores, but does not yet join or bootstrap a cluster.
func NewCluster(cc ClusterConfig, engine *AssignmentEngine, notify Notifier) (*Cluster, error) {
	if err := os.MkdirAll(cc.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("monitor: create data dir: %w", err)
	}

	store, err := NewStore(cc.DataDir)
	if err != nil {
		return nil, err
	}
	fsm := NewFSM(store, engine, notify)

	config := raftConfig(cc.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cc.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("monitor: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cc.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("monitor: create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cc.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("monitor: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cc.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("monitor: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cc.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("monitor: create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("monitor: create raft: %w", err)
	}

	return &Cluster{raft: r, fsm: fsm, store: store, localAddr: transport.LocalAddr()}, nil
}

// Bootstrap initializes a brand-new raft cluster with the given peer
// set (a single entry for a monitor running alone).
func (c *Cluster) Bootstrap(peers []raft.Server) error {
	future := c.raft.BootstrapCluster(raft.Configuration{Servers: peers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("monitor: bootstrap cluster: %w", err)
	}
	return nil
}

// LocalAddr is this replica's raft transport address, used to build
// the raft.Server entry passed to Bootstrap or a peer's AddVoter call.
func (c *Cluster) LocalAddr() raft.ServerAddress { return c.localAddr }

// IsLeader reports whether this replica currently holds raft
// leadership; only the leader may propose commands.
func (c *Cluster) IsLeader() bool { return c.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's transport address, if known.
func (c *Cluster) LeaderAddr() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds a new monitor replica to the cluster; only callable on
// the leader.
func (c *Cluster) AddVoter(nodeID, addr string) error {
	if !c.IsLeader() {
		return fmt.Errorf("monitor: not leader, current leader %s", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Propose marshals a command and applies it through raft, returning
// once the command is committed to a quorum of replicas and run
// through this replica's FSM. Only meaningful on the leader; followers
// should forward the RPC instead of calling Propose.
func (c *Cluster) Propose(timeout time.Duration, op string, payload interface{}) (ApplyResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("monitor: marshal command %s: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("monitor: marshal envelope: %w", err)
	}

	future := c.raft.Apply(raw, timeout)
	if err := future.Error(); err != nil {
		return ApplyResult{}, fmt.Errorf("monitor: raft apply %s: %w", op, err)
	}

	result, ok := future.Response().(ApplyResult)
	if !ok {
		return ApplyResult{}, fmt.Errorf("monitor: unexpected apply response for %s", op)
	}
	return result, result.Err
}

// Store exposes the read path directly (GetCurrentState, show events
// etc. never need to go through raft — only mutations do).
func (c *Cluster) Store() *Store { return c.store }

// SetMetrics attaches a metrics registry to the underlying FSM, so
// raft commits and assignment decisions on every replica report to
// the same registry cmd/pgautoctl mounts under /metrics.
func (c *Cluster) SetMetrics(m *metrics.Registry) { c.fsm.SetMetrics(m) }

// Shutdown cleanly stops the raft instance and closes the store.
func (c *Cluster) Shutdown() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("monitor: raft shutdown: %w", err)
	}
	return c.store.Close()
}
