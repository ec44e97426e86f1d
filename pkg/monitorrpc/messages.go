// Package monitorrpc defines the wire contract between a keeper and
// the monitor: the ten operations of the monitor client interface,
// carried over gRPC with a JSON codec instead of generated protobuf
// stubs (no protoc invocation is available in this environment; JSON
// over grpc.ServiceDesc gets the same transport — HTTP/2, streaming,
// deadlines, interceptors — without a code generator).
//
// Grounded on the pack's hand-rolled RPC server/client pair
// (pkg/api/server.go, pkg/client/client.go): one request/response
// struct per RPC, a thin *Client wrapper, a *Server implementing the
// service interface.
package monitorrpc

import (
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// RegisterRequest asks the monitor to admit a new node into a
// formation/group.
type RegisterRequest struct {
	Name              string
	Host              string
	Port              int
	Kind              types.NodeKind
	Formation         string
	DesiredGroup      int
	CandidatePriority int
	ReplicationQuorum bool
	DBName            string
}

// RegisterResponse carries the identity the monitor assigned and the
// state the node should start reconciling toward.
type RegisterResponse struct {
	NodeID        int64
	GroupID       int
	AssignedState types.NodeState
}

// NodeActiveRequest is the keeper's heartbeat: what it currently is
// and what it currently sees in the managed database.
type NodeActiveRequest struct {
	NodeID       int64
	ReportedState types.NodeState
	ReportedLSN  types.LSN
	ReportedTLI  uint32
	IsInRecovery bool
}

// NodeActiveResponse is the monitor's answer: the goal state computed
// by the assignment engine for this round.
type NodeActiveResponse struct {
	AssignedState    types.NodeState
	SyncStandbyNames []string
}

// GetOtherNodesRequest asks for the peer list of nodeId's group.
type GetOtherNodesRequest struct {
	NodeID int64
}

// GetOtherNodesResponse is the peer list used for HBA rules and
// replication slot reconciliation.
type GetOtherNodesResponse struct {
	Peers []types.Node
}

// GetCurrentStateRequest asks for the state of every node in a group,
// used by `show state` and `watch`.
type GetCurrentStateRequest struct {
	Formation string
	GroupID   int
}

// GetCurrentStateResponse is the group's full node list.
type GetCurrentStateResponse struct {
	Nodes []types.Node
}

// PerformFailoverRequest instructs the monitor to start a failover in
// a group even without an observed primary fault.
type PerformFailoverRequest struct {
	Formation string
	GroupID   int
}

// PerformFailoverResponse acknowledges the failover was initiated.
type PerformFailoverResponse struct {
	OK bool
}

// PerformPromotionRequest targets a specific node for promotion.
type PerformPromotionRequest struct {
	Formation  string
	TargetName string
}

// PerformPromotionResponse reports whether a promotion was actually
// necessary (the target may already have been primary).
type PerformPromotionResponse struct {
	WasNeeded bool
}

// ListenRequest subscribes to state-change notifications on the given
// channels (typically just "state").
type ListenRequest struct {
	Channels []string
}

// StateChangeNotification is one event delivered to a Listen stream.
type StateChangeNotification struct {
	NodeID        int64
	Formation     string
	GroupID       int
	ReportedState types.NodeState
	GoalState     types.NodeState
	At            time.Time
}

// GetEventsRequest asks for the event log of a formation, optionally
// narrowed to one group, for `show events`.
type GetEventsRequest struct {
	Formation string
	GroupID   int
}

// GetEventsResponse is the matching slice of the monitor's event log.
type GetEventsResponse struct {
	Events []types.Event
}

// SetMaintenanceRequest toggles a node in or out of operator-requested
// maintenance, for `enable|disable maintenance`.
type SetMaintenanceRequest struct {
	Formation string
	GroupID   int
	Name      string
	Paused    bool
}

// SetMaintenanceResponse confirms the toggle was proposed.
type SetMaintenanceResponse struct {
	OK bool
}

// RemoveNodeRequest finally de-registers a node.
type RemoveNodeRequest struct {
	NodeID int64
}

// RemoveNodeResponse acknowledges removal.
type RemoveNodeResponse struct {
	OK bool
}
