// Package monitor is the monitor half of the system: the committed
// store of formations/nodes/events, the assignment engine that
// computes each node's goal state, a raft-replicated HA substrate
// around that store, and the gRPC front-end (pkg/monitorrpc) keepers
// talk to.
//
// Grounded on the pack's BoltStore (pkg/storage/boltdb.go): one bucket
// per logical table, JSON-encoded values, byte-key lookups.
package monitor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/pgautofailover/pkg/types"
)

var (
	bucketFormations = []byte("formations")
	bucketNodes      = []byte("nodes")
	bucketEvents     = []byte("events")
	bucketMeta       = []byte("meta") // next node id, next event id counters
)

// Store is the monitor's committed state: every mutation goes through
// the raft FSM's Apply, so Store itself does no locking of its own —
// raft already serializes Apply calls.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if absent) the bbolt file backing the
// monitor's committed state, one directory per monitor instance.
func NewStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "monitor.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFormations, bucketNodes, bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

func nodeKey(id int64) []byte { return []byte(fmt.Sprintf("%020d", id)) }

// PutFormation upserts a formation by name.
func (s *Store) PutFormation(f types.Formation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFormations).Put([]byte(f.Name), data)
	})
}

// GetFormation looks up a formation by name.
func (s *Store) GetFormation(name string) (types.Formation, bool, error) {
	var f types.Formation
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFormations).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &f)
	})
	return f, found, err
}

// PutNode upserts a node by id.
func (s *Store) PutNode(n types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(nodeKey(n.ID), data)
	})
}

// GetNode looks up a node by id.
func (s *Store) GetNode(id int64) (types.Node, bool, error) {
	var n types.Node
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(nodeKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &n)
	})
	return n, found, err
}

// DeleteNode removes a node's record entirely (called once `dropped`
// has released local resources and the keeper confirms removal).
func (s *Store) DeleteNode(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(nodeKey(id))
	})
}

// ListGroupNodes returns every node of a formation/group, ordered by
// node id ascending (the tie-break order elections and bootstrap use).
func (s *Store) ListGroupNodes(formation string, groupID int) ([]types.Node, error) {
	var nodes []types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Formation == formation && n.GroupID == groupID {
				nodes = append(nodes, n)
			}
			return nil
		})
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, err
}

// AllNodes returns every node in the store, used for raft snapshots.
func (s *Store) AllNodes() ([]types.Node, error) {
	var nodes []types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}

// AllEvents returns every event in the store, used for raft snapshots.
func (s *Store) AllEvents() ([]types.Event, error) {
	var events []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}

// NextNodeID allocates a monotonically increasing node id.
func (s *Store) NextNodeID() (int64, error) {
	return s.nextSeq([]byte("next_node_id"))
}

// NextEventID allocates a monotonically increasing event id.
func (s *Store) NextEventID() (uint64, error) {
	id, err := s.nextSeq([]byte("next_event_id"))
	return uint64(id), err
}

func (s *Store) nextSeq(key []byte) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(key); v != nil {
			if _, err := fmt.Sscanf(string(v), "%d", &id); err != nil {
				return fmt.Errorf("monitor: read counter %s: %w", key, err)
			}
		}
		id++
		return b.Put(key, []byte(fmt.Sprintf("%d", id)))
	})
	return id, err
}

// AppendEvent writes an immutable audit row (invariant I4: once
// written, an event row is never modified).
func (s *Store) AppendEvent(e types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Put([]byte(fmt.Sprintf("%020d", e.ID)), data)
	})
}

// ListEvents returns every event recorded for a formation/group, in
// id (== chronological) order.
func (s *Store) ListEvents(formation string, groupID int) ([]types.Event, error) {
	var events []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Formation == formation && e.GroupID == groupID {
				events = append(events, e)
			}
			return nil
		})
	})
	return events, err
}
