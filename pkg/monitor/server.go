package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// applyTimeout bounds how long a Propose waits for raft commit before
// giving up; node_active is documented as "a blocking RPC with a
// monitor-side-bounded duration".
const applyTimeout = 10 * time.Second

// Server implements monitorrpc.MonitorServer over a Cluster, the
// monitor's gRPC front-end.
//
// Grounded on the pack's API server (pkg/api/server.go): a thin struct
// holding the domain object (there, a Manager; here, a Cluster) with
// one method per RPC translating wire requests into domain calls.
type Server struct {
	cluster  *Cluster
	redisURL string
}

// NewServer wires a Cluster (and the redis URL its Listen relay reads
// from) into a monitorrpc.MonitorServer implementation.
func NewServer(cluster *Cluster, redisURL string) *Server {
	return &Server{cluster: cluster, redisURL: redisURL}
}

var _ monitorrpc.MonitorServer = (*Server)(nil)

// Register admits a new node, bootstrapping its formation record if
// this is the first node to register into it.
func (s *Server) Register(ctx context.Context, req *monitorrpc.RegisterRequest) (*monitorrpc.RegisterResponse, error) {
	if _, found, err := s.cluster.Store().GetFormation(req.Formation); err != nil {
		return nil, err
	} else if !found {
		if err := s.cluster.Store().PutFormation(types.Formation{
			Name: req.Formation, Kind: req.Kind, NumberSyncStandbys: 1, CreatedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
	}

	result, err := s.cluster.Propose(applyTimeout, opRegisterNode, registerNodePayload{
		Formation:         req.Formation,
		GroupID:           req.DesiredGroup,
		Name:              req.Name,
		Host:              req.Host,
		Port:              req.Port,
		Kind:              req.Kind,
		CandidatePriority: req.CandidatePriority,
		ReplicationQuorum: req.ReplicationQuorum,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: register: %w", err)
	}

	return &monitorrpc.RegisterResponse{
		NodeID:        result.Node.ID,
		GroupID:       result.Node.GroupID,
		AssignedState: result.Node.GoalState,
	}, nil
}

// NodeActive records a keeper's heartbeat and returns its goal state.
func (s *Server) NodeActive(ctx context.Context, req *monitorrpc.NodeActiveRequest) (*monitorrpc.NodeActiveResponse, error) {
	result, err := s.cluster.Propose(applyTimeout, opNodeActive, nodeActivePayload{
		NodeID:        req.NodeID,
		ReportedState: req.ReportedState,
		ReportedLSN:   req.ReportedLSN,
		ReportedTLI:   req.ReportedTLI,
		At:            time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: node_active: %w", err)
	}

	peers, err := s.cluster.Store().ListGroupNodes(result.Node.Formation, result.Node.GroupID)
	if err != nil {
		return nil, err
	}
	syncStandbyNames := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.ID != result.Node.ID && p.ReplicationQuorum && p.ReportedState == types.StateSecondary {
			syncStandbyNames = append(syncStandbyNames, p.Name)
		}
	}

	return &monitorrpc.NodeActiveResponse{
		AssignedState:    result.Node.GoalState,
		SyncStandbyNames: syncStandbyNames,
	}, nil
}

// GetOtherNodes lists the peers of a node's group.
func (s *Server) GetOtherNodes(ctx context.Context, req *monitorrpc.GetOtherNodesRequest) (*monitorrpc.GetOtherNodesResponse, error) {
	n, found, err := s.cluster.Store().GetNode(req.NodeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("monitor: node %d not registered", req.NodeID)
	}
	nodes, err := s.cluster.Store().ListGroupNodes(n.Formation, n.GroupID)
	if err != nil {
		return nil, err
	}
	peers := make([]types.Node, 0, len(nodes))
	for _, p := range nodes {
		if p.ID != req.NodeID {
			peers = append(peers, p)
		}
	}
	return &monitorrpc.GetOtherNodesResponse{Peers: peers}, nil
}

// GetCurrentState lists every node in a group, for `show state`/`watch`.
func (s *Server) GetCurrentState(ctx context.Context, req *monitorrpc.GetCurrentStateRequest) (*monitorrpc.GetCurrentStateResponse, error) {
	nodes, err := s.cluster.Store().ListGroupNodes(req.Formation, req.GroupID)
	if err != nil {
		return nil, err
	}
	return &monitorrpc.GetCurrentStateResponse{Nodes: nodes}, nil
}

// GetEvents lists a formation's event log, optionally narrowed to one
// group, for `show events`.
func (s *Server) GetEvents(ctx context.Context, req *monitorrpc.GetEventsRequest) (*monitorrpc.GetEventsResponse, error) {
	events, err := s.cluster.Store().ListEvents(req.Formation, req.GroupID)
	if err != nil {
		return nil, err
	}
	return &monitorrpc.GetEventsResponse{Events: events}, nil
}

// SetMaintenance toggles operator-requested maintenance for a named
// node, for `enable|disable maintenance`.
func (s *Server) SetMaintenance(ctx context.Context, req *monitorrpc.SetMaintenanceRequest) (*monitorrpc.SetMaintenanceResponse, error) {
	nodes, err := s.cluster.Store().ListGroupNodes(req.Formation, req.GroupID)
	if err != nil {
		return nil, err
	}
	var target *types.Node
	for i := range nodes {
		if nodes[i].Name == req.Name {
			target = &nodes[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("monitor: set_maintenance: node %q not found in %s/%d", req.Name, req.Formation, req.GroupID)
	}

	if _, err := s.cluster.Propose(applyTimeout, opSetMaintenance, setMaintenancePayload{
		NodeID: target.ID, Paused: req.Paused,
	}); err != nil {
		return nil, fmt.Errorf("monitor: set_maintenance: %w", err)
	}
	return &monitorrpc.SetMaintenanceResponse{OK: true}, nil
}

// PerformFailover forces a failover in a group without waiting for a
// detected primary fault.
func (s *Server) PerformFailover(ctx context.Context, req *monitorrpc.PerformFailoverRequest) (*monitorrpc.PerformFailoverResponse, error) {
	_, err := s.cluster.Propose(applyTimeout, opPerformOp, performOpPayload{
		Formation: req.Formation, GroupID: req.GroupID, Kind: "failover",
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: perform_failover: %w", err)
	}
	return &monitorrpc.PerformFailoverResponse{OK: true}, nil
}

// PerformPromotion targets a specific node for promotion.
func (s *Server) PerformPromotion(ctx context.Context, req *monitorrpc.PerformPromotionRequest) (*monitorrpc.PerformPromotionResponse, error) {
	nodes, err := s.cluster.Store().ListGroupNodes(req.Formation, 0)
	if err != nil {
		return nil, err
	}
	wasNeeded := true
	for _, n := range nodes {
		if n.Name == req.TargetName && n.ReportedState == types.StatePrimary {
			wasNeeded = false
		}
	}

	_, err = s.cluster.Propose(applyTimeout, opPerformOp, performOpPayload{
		Formation: req.Formation, Kind: "promotion", TargetName: req.TargetName,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: perform_promotion: %w", err)
	}
	return &monitorrpc.PerformPromotionResponse{WasNeeded: wasNeeded}, nil
}

// RemoveNode starts the drain-then-drop sequence for a node.
func (s *Server) RemoveNode(ctx context.Context, req *monitorrpc.RemoveNodeRequest) (*monitorrpc.RemoveNodeResponse, error) {
	_, err := s.cluster.Propose(applyTimeout, opRemoveNode, removeNodePayload{NodeID: req.NodeID})
	if err != nil {
		return nil, fmt.Errorf("monitor: remove_node: %w", err)
	}
	return &monitorrpc.RemoveNodeResponse{OK: true}, nil
}

// Listen relays redis NOTIFY messages to a streaming gRPC client until
// the stream's context is canceled.
func (s *Server) Listen(req *monitorrpc.ListenRequest, stream monitorrpc.Monitor_ListenServer) error {
	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{"state"}
	}
	return Relay(stream.Context(), s.redisURL, channels, func(n stateNotification) {
		_ = stream.Send(&monitorrpc.StateChangeNotification{
			NodeID:        n.NodeID,
			Formation:     n.Formation,
			GroupID:       n.GroupID,
			ReportedState: n.ReportedState,
			GoalState:     n.GoalState,
			At:            n.At,
		})
	})
}
