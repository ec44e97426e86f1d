package keeper

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// peerCacheEntry mirrors the fields of types.Node the keeper actually
// needs to rebuild HBA rules and replication slots across a restart;
// pg_autoctl.nodes (spec.md §6) is a YAML snapshot of these so a
// keeper that starts up before the monitor answers get_other_nodes
// still has something to reconcile against.
type peerCacheEntry struct {
	ID                int64           `yaml:"id"`
	Name              string          `yaml:"name"`
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	ReportedLSN       types.LSN       `yaml:"reported_lsn"`
	ReplicationQuorum bool            `yaml:"replication_quorum"`
	ReportedState     types.NodeState `yaml:"reported_state"`
}

func readPeerCache(path string) ([]types.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keeper: read peer cache: %w", err)
	}
	var entries []peerCacheEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("keeper: decode peer cache: %w", err)
	}
	nodes := make([]types.Node, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, types.Node{
			ID:                e.ID,
			Name:              e.Name,
			Host:              e.Host,
			Port:              e.Port,
			ReportedLSN:       e.ReportedLSN,
			ReplicationQuorum: e.ReplicationQuorum,
			ReportedState:     e.ReportedState,
		})
	}
	return nodes, nil
}

func writePeerCache(path string, peers []types.Node) error {
	entries := make([]peerCacheEntry, 0, len(peers))
	for _, n := range peers {
		entries = append(entries, peerCacheEntry{
			ID:                n.ID,
			Name:              n.Name,
			Host:              n.Host,
			Port:              n.Port,
			ReportedLSN:       n.ReportedLSN,
			ReplicationQuorum: n.ReplicationQuorum,
			ReportedState:     n.ReportedState,
		})
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("keeper: encode peer cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keeper: write peer cache: %w", err)
	}
	return os.Rename(tmp, path)
}
