package framework

import (
	"context"

	"github.com/cuemby/pgautofailover/pkg/monitorclient"
)

// RuntimeType selects how test nodes are actually run.
type RuntimeType string

const (
	// RuntimeLocal runs pg_autoctl as local subprocesses against a
	// PGDATA directory under ClusterConfig.DataDir.
	RuntimeLocal RuntimeType = "local"
	// RuntimeContainer names a container-backed runtime. NewCluster
	// and Cluster.Start do not read ClusterConfig.Runtime, so every
	// cluster runs as local subprocesses whichever value is set.
	RuntimeContainer RuntimeType = "container"
)

// ClusterConfig describes a formation to stand up for a test.
type ClusterConfig struct {
	// NumNodes is the number of postgres (keeper) nodes to create,
	// in addition to the one monitor every formation needs.
	NumNodes int
	// Runtime records RuntimeLocal or RuntimeContainer; Cluster does
	// not consult it.
	Runtime RuntimeType
	// DataDir is the base directory for every node's PGDATA and the
	// monitor's raft store.
	DataDir string
	// Binary is the path to the pg_autoctl binary under test.
	Binary string
	// Formation and Group name the formation every node joins.
	Formation string
	Group     int
	// KeepOnFailure leaves process data directories behind for
	// postmortem inspection instead of removing them on Stop.
	KeepOnFailure bool
}

// DefaultClusterConfig mirrors the env-var override convention the
// pack's own test harness uses for locating its binary under test.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		NumNodes:  2,
		Runtime:   RuntimeLocal,
		DataDir:   envOr("PGAUTOCTL_TEST_DATA_DIR", "/tmp/pgautoctl-test"),
		Binary:    envOr("PGAUTOCTL_BINARY", "bin/pgautoctl"),
		Formation: "default",
		Group:     0,
	}
}

// Cluster is a running formation under test: one monitor plus however
// many keeper nodes ClusterConfig.NumNodes asked for.
type Cluster struct {
	Config  *ClusterConfig
	Monitor *MonitorNode
	Nodes   []*KeeperNode

	ctx    context.Context
	cancel context.CancelFunc
}

// MonitorNode is the formation's single monitor process.
type MonitorNode struct {
	ID       string
	Process  *Process
	BindAddr string
	DataDir  string
	Client   *monitorclient.Client
}

// KeeperNode is one `pg_autoctl run` process managing a single
// Postgres instance under the formation's monitor.
type KeeperNode struct {
	ID       string
	Name     string
	Process  *Process
	PGData   string
	PGPort   int
	Monitor  string
}
