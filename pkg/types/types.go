// Package types defines the data model shared by the keeper and the
// monitor: node identity, the FSM's state alphabet, the monitor's
// logical tables and the events it emits.
package types

import "time"

// NodeState is the FSM alphabet. The monitor assigns a NodeState as a
// node's goal and a node reports a NodeState as its observed current
// state; the pair (current, assigned) drives the local FSM dispatch
// table in pkg/fsm.
type NodeState string

const (
	StateUnknown            NodeState = "unknown"
	StateInit               NodeState = "init"
	StateSingle             NodeState = "single"
	StatePrimary            NodeState = "primary"
	StateWaitPrimary        NodeState = "wait_primary"
	StateJoinPrimary        NodeState = "join_primary"
	StateApplySettings      NodeState = "apply_settings"
	StatePrepareMaintenance NodeState = "prepare_maintenance"
	StateWaitMaintenance    NodeState = "wait_maintenance"
	StateMaintenance        NodeState = "maintenance"
	StateWaitStandby        NodeState = "wait_standby"
	StateCatchingUp         NodeState = "catchingup"
	StateSecondary          NodeState = "secondary"
	StateJoinSecondary      NodeState = "join_secondary"
	StatePreparePromotion   NodeState = "prepare_promotion"
	StateStopReplication    NodeState = "stop_replication"
	StateDemoted            NodeState = "demoted"
	StateDemoteTimeout      NodeState = "demote_timeout"
	StateDraining           NodeState = "draining"
	StateReportLSN          NodeState = "report_lsn"
	StateFastForward        NodeState = "fast_forward"
	StateDropped            NodeState = "dropped"
)

// IsWritable reports whether a node in this state is expected to be
// accepting writes: primary, single, wait_primary or join_primary
// (invariant I1 is stated over primary and single only).
func (s NodeState) IsWritable() bool {
	return s == StatePrimary || s == StateSingle || s == StateWaitPrimary || s == StateJoinPrimary
}

// NodeKind distinguishes the role a node plays in the cluster-extension
// topology; the core only ever branches on primary/secondary role
// semantics, never on kind.
type NodeKind string

const (
	NodeKindStandalone  NodeKind = "standalone"
	NodeKindCoordinator NodeKind = "coordinator"
	NodeKindWorker      NodeKind = "worker"
)

// InitState records what the keeper found on disk the first time it
// ran, consulted by transitions that behave differently on a brand
// new versus a pre-existing database (pkg/statestore persists it).
type InitState string

const (
	InitPgdataEmpty     InitState = "pgdata-empty"
	InitPgdataExists    InitState = "pgdata-exists"
	InitPostgresRunning InitState = "postgres-running"
	InitPostgresPrimary InitState = "postgres-is-primary"
)

// PgExpectedStatus is the supervisor's local view of whether the
// managed database should currently be running.
type PgExpectedStatus string

const (
	PgExpectedRunning    PgExpectedStatus = "running"
	PgExpectedSubprocess PgExpectedStatus = "running-as-subprocess"
	PgExpectedStopped    PgExpectedStatus = "stopped"
	PgExpectedUnknown    PgExpectedStatus = "unknown"
)

// SyncState mirrors Postgres's pg_stat_replication.sync_state for a
// standby as observed by the primary it streams from; the assignment
// engine uses it to tell quorum-eligible standbys from async ones.
type SyncState string

const (
	SyncStateAsync     SyncState = "async"
	SyncStateSync      SyncState = "sync"
	SyncStateQuorum    SyncState = "quorum"
	SyncStatePotential SyncState = "potential"
)

// Node is the monitor's view of a registered cluster member — the
// `node` table of spec.md §3, held in the monitor's committed store
// (pkg/monitor) and exchanged over the wire by pkg/monitorrpc.
type Node struct {
	ID                int64
	Formation         string
	GroupID           int
	Name              string
	Host              string
	Port              int
	Kind              NodeKind
	CandidatePriority int // 0..100, 0 excludes the node from promotion
	ReplicationQuorum bool
	SyncState         SyncState

	ReportedState NodeState
	GoalState     NodeState
	ReportedLSN   LSN
	ReportedTLI   uint32
	ReportedAt    time.Time

	Health   Health
	HealthAt time.Time

	IsPaused     bool
	WantsRemoval bool

	CreatedAt time.Time
}

// Health is the outcome of the monitor's independent TCP health
// probe, distinct from ReportedState/ReportedAt (which come from the
// node itself via node_active).
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthHealthy Health = "healthy"
	HealthMissing Health = "missing"
)

// LSN is a Postgres log sequence number. It compares with ordinary
// integer comparison; a higher value is more advanced WAL position.
type LSN uint64

// Formation groups one or more replication groups under shared
// settings (spec.md §3's `formation` table).
type Formation struct {
	Name               string
	Kind               NodeKind
	NumberSyncStandbys int
	CreatedAt          time.Time
}

// EventType enumerates the kinds of row written to the append-only
// event log (spec.md invariant I4).
type EventType string

const (
	EventStateChange    EventType = "state_change"
	EventBootstrap      EventType = "bootstrap"
	EventFailover       EventType = "failover"
	EventMaintenance    EventType = "maintenance"
	EventNodeDropped    EventType = "node_dropped"
	EventNodeRegistered EventType = "node_registered"
)

// Event is one row of the monitor's audit log. Once written a row is
// never modified (I4); the monitor's raft FSM only ever appends.
type Event struct {
	ID            uint64
	Time          time.Time
	Type          EventType
	Formation     string
	GroupID       int
	NodeID        int64
	ReportedState NodeState
	GoalState     NodeState
	Description   string
}
