package statestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
)

const nameFieldLen = 64

// NodeState is the fixed-size per-node state record: schema version,
// node/group identity, current and assigned role, contact timestamps,
// replication lag, the paused flag and a snapshot of the local
// database's identity fields used for sanity checks across restarts.
// There is exactly one such record per local node (spec.md §3).
type NodeState struct {
	SchemaVersion uint32
	NodeID        int64
	GroupID       int32
	CurrentRole   types.NodeState
	AssignedRole  types.NodeState
	Sequence      uint64 // monotonic write counter, observability only

	LastMonitorContactAt   time.Time
	LastSecondaryContactAt time.Time

	XLogLag  int64
	IsPaused bool

	PgSystemIdentifier uint64
	PgControlVersion   uint32
	PgCatalogVersion   uint32
	PgTimeline         uint32
}

func (s *NodeState) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, currentSchemaVersion)
	binary.Write(&buf, binary.BigEndian, s.NodeID)
	binary.Write(&buf, binary.BigEndian, s.GroupID)
	writeString(&buf, string(s.CurrentRole), nameFieldLen)
	writeString(&buf, string(s.AssignedRole), nameFieldLen)
	binary.Write(&buf, binary.BigEndian, s.Sequence)
	writeTime(&buf, s.LastMonitorContactAt)
	writeTime(&buf, s.LastSecondaryContactAt)
	binary.Write(&buf, binary.BigEndian, s.XLogLag)
	binary.Write(&buf, binary.BigEndian, s.IsPaused)
	binary.Write(&buf, binary.BigEndian, s.PgSystemIdentifier)
	binary.Write(&buf, binary.BigEndian, s.PgControlVersion)
	binary.Write(&buf, binary.BigEndian, s.PgCatalogVersion)
	binary.Write(&buf, binary.BigEndian, s.PgTimeline)
	return padded(&buf)
}

func (s *NodeState) unmarshal(data []byte) error {
	r := bytes.NewReader(data[4:]) // schema version already validated by Read
	var groupID int32
	var currentRole, assignedRole [nameFieldLen]byte

	if err := binary.Read(r, binary.BigEndian, &s.NodeID); err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &groupID); err != nil {
		return fmt.Errorf("group id: %w", err)
	}
	s.GroupID = groupID
	if _, err := r.Read(currentRole[:]); err != nil {
		return fmt.Errorf("current role: %w", err)
	}
	if _, err := r.Read(assignedRole[:]); err != nil {
		return fmt.Errorf("assigned role: %w", err)
	}
	s.CurrentRole = types.NodeState(readString(currentRole[:]))
	s.AssignedRole = types.NodeState(readString(assignedRole[:]))

	if err := binary.Read(r, binary.BigEndian, &s.Sequence); err != nil {
		return fmt.Errorf("sequence: %w", err)
	}

	var lastMonitor, lastSecondary [8]byte
	if _, err := r.Read(lastMonitor[:]); err != nil {
		return fmt.Errorf("last monitor contact: %w", err)
	}
	s.LastMonitorContactAt = readTime(lastMonitor[:])
	if _, err := r.Read(lastSecondary[:]); err != nil {
		return fmt.Errorf("last secondary contact: %w", err)
	}
	s.LastSecondaryContactAt = readTime(lastSecondary[:])

	if err := binary.Read(r, binary.BigEndian, &s.XLogLag); err != nil {
		return fmt.Errorf("xlog lag: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.IsPaused); err != nil {
		return fmt.Errorf("is paused: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.PgSystemIdentifier); err != nil {
		return fmt.Errorf("system identifier: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.PgControlVersion); err != nil {
		return fmt.Errorf("control version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.PgCatalogVersion); err != nil {
		return fmt.Errorf("catalog version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.PgTimeline); err != nil {
		return fmt.Errorf("timeline: %w", err)
	}
	return nil
}

// InitState is written once at bootstrap and records what the keeper
// found on disk at first launch.
type InitState struct {
	SchemaVersion uint32
	State         types.InitState
	CreatedAt     time.Time
}

func (s *InitState) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, currentSchemaVersion)
	writeString(&buf, string(s.State), nameFieldLen)
	writeTime(&buf, s.CreatedAt)
	return padded(&buf)
}

func (s *InitState) unmarshal(data []byte) error {
	var state [nameFieldLen]byte
	r := bytes.NewReader(data[4:])
	if _, err := r.Read(state[:]); err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	s.State = types.InitState(readString(state[:]))
	var createdAt [8]byte
	if _, err := r.Read(createdAt[:]); err != nil {
		return fmt.Errorf("created at: %w", err)
	}
	s.CreatedAt = readTime(createdAt[:])
	return nil
}

// PgExpectation is the supervisor's local view of whether the managed
// database should currently be running, set by FSM transitions and
// read by the database controller loop (pkg/keeper).
type PgExpectation struct {
	SchemaVersion uint32
	Status        types.PgExpectedStatus
	SetAt         time.Time
}

func (s *PgExpectation) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, currentSchemaVersion)
	writeString(&buf, string(s.Status), nameFieldLen)
	writeTime(&buf, s.SetAt)
	return padded(&buf)
}

func (s *PgExpectation) unmarshal(data []byte) error {
	var status [nameFieldLen]byte
	r := bytes.NewReader(data[4:])
	if _, err := r.Read(status[:]); err != nil {
		return fmt.Errorf("pg expectation: %w", err)
	}
	s.Status = types.PgExpectedStatus(readString(status[:]))
	var setAt [8]byte
	if _, err := r.Read(setAt[:]); err != nil {
		return fmt.Errorf("set at: %w", err)
	}
	s.SetAt = readTime(setAt[:])
	return nil
}

// Paths bundles together the four files the keeper keeps under its
// XDG data directory for a single PGDATA (spec.md §6): the crash-safe
// state record, the init record, the cached peer list, and the
// Postgres-expectation record. The pidfile lives under XDG_RUNTIME_DIR
// and is owned by pkg/supervisor, not here.
type Paths struct {
	State      string // pg_autoctl.state
	Init       string // pg_autoctl.init
	Nodes      string // pg_autoctl.nodes (cached peer list, YAML)
	PgExpected string // pg_autoctl.pg
}

// ForPgData resolves Paths from XDG_DATA_HOME (or ~/.local/share) and
// an absolute PGDATA directory.
func ForPgData(pgdataAbs string) (Paths, error) {
	return resolvePaths(pgdataAbs)
}
