package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/metrics"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// Command is one raft log entry: an operation name plus its
// JSON-encoded payload, applied atomically to the monitor's store.
//
// Grounded on the pack's WarrenFSM command envelope
// (pkg/manager/fsm.go).
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode   = "register_node"
	opNodeActive     = "node_active"
	opRemoveNode     = "request_remove_node"
	opDropNode       = "drop_node"
	opHealthProbe    = "health_probe"
	opPerformOp      = "perform_operation"
	opSetMaintenance = "set_maintenance"
)

// registerNodePayload is the opRegisterNode command body.
type registerNodePayload struct {
	Formation         string
	GroupID           int
	Name              string
	Host              string
	Port              int
	Kind              types.NodeKind
	CandidatePriority int
	ReplicationQuorum bool
}

// nodeActivePayload is the opNodeActive command body: a node reporting
// its observed state back to the monitor.
type nodeActivePayload struct {
	NodeID        int64
	ReportedState types.NodeState
	ReportedLSN   types.LSN
	ReportedTLI   uint32
	SyncState     types.SyncState
	At            time.Time
}

// removeNodePayload / dropNodePayload / performOpPayload are the
// remaining command bodies.
type removeNodePayload struct{ NodeID int64 }
type dropNodePayload struct{ NodeID int64 }
type performOpPayload struct {
	Formation  string
	GroupID    int
	Kind       string // "failover" | "promotion"
	TargetName string
}
type healthProbePayload struct {
	NodeID  int64
	Healthy bool
	At      time.Time
}

// setMaintenancePayload is the opSetMaintenance command body, driving
// Node.IsPaused for `enable|disable maintenance`.
type setMaintenancePayload struct {
	NodeID int64
	Paused bool
}

// ApplyResult is what Apply returns for every command: the raft
// future's Response(), inspected by the caller that proposed the log
// entry (typically the RPC server handling the triggering request).
type ApplyResult struct {
	Node      *types.Node
	Decisions []Decision
	Err       error
}

// FSM is the raft state machine wrapping the monitor's bbolt store. It
// is also where every NodeActive-shaped command invokes the
// assignment engine, so goal-state computation happens exactly once
// per committed log entry, identically on every replica.
//
// Grounded on the pack's WarrenFSM (pkg/manager/fsm.go): Command
// envelope, Apply/Snapshot/Restore, JSON-encoded snapshot.
type FSM struct {
	mu      sync.RWMutex
	store   *Store
	engine  *AssignmentEngine
	notify  Notifier
	metrics *metrics.Registry
}

// Notifier is implemented by pkg/monitor's redis-backed publisher;
// Apply calls it after a successful commit, inside the same logical
// unit of work as the store mutation (spec.md: "published via NOTIFY
// on the state channel in the same transaction that persists the
// assignment").
type Notifier interface {
	Publish(channel string, n types.Node)
}

// noopNotifier is used when no redis connection was configured.
type noopNotifier struct{}

func (noopNotifier) Publish(string, types.Node) {}

// NewFSM builds an FSM over an already-open store.
func NewFSM(store *Store, engine *AssignmentEngine, notify Notifier) *FSM {
	if notify == nil {
		notify = noopNotifier{}
	}
	return &FSM{store: store, engine: engine, notify: notify}
}

// SetMetrics attaches a metrics registry to an already-constructed
// FSM; nil is valid and leaves every recording call a no-op, so a
// monitor started without metrics enabled pays nothing for it.
func (f *FSM) SetMetrics(m *metrics.Registry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = m
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return ApplyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.RaftCommits.Inc()
	}

	switch cmd.Op {
	case opRegisterNode:
		return f.applyRegisterNode(cmd.Data)
	case opNodeActive:
		return f.applyNodeActive(cmd.Data)
	case opRemoveNode:
		return f.applyRemoveNode(cmd.Data)
	case opDropNode:
		return f.applyDropNode(cmd.Data)
	case opHealthProbe:
		return f.applyHealthProbe(cmd.Data)
	case opPerformOp:
		return f.applyPerformOp(cmd.Data)
	case opSetMaintenance:
		return f.applySetMaintenance(cmd.Data)
	default:
		return ApplyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

func (f *FSM) applyRegisterNode(data json.RawMessage) ApplyResult {
	var p registerNodePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}

	id, err := f.store.NextNodeID()
	if err != nil {
		return ApplyResult{Err: err}
	}

	n := types.Node{
		ID:                id,
		Formation:         p.Formation,
		GroupID:           p.GroupID,
		Name:              p.Name,
		Host:              p.Host,
		Port:              p.Port,
		Kind:              p.Kind,
		CandidatePriority: p.CandidatePriority,
		ReplicationQuorum: p.ReplicationQuorum,
		ReportedState:     types.StateInit,
		GoalState:         types.StateInit,
		CreatedAt:         time.Now(),
	}
	if err := f.store.PutNode(n); err != nil {
		return ApplyResult{Err: err}
	}
	f.recordEvent(types.EventNodeRegistered, n, "node registered")

	decisions, err := f.reassignGroup(p.Formation, p.GroupID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	n, _, _ = f.store.GetNode(id)
	return ApplyResult{Node: &n, Decisions: decisions}
}

func (f *FSM) applyNodeActive(data json.RawMessage) ApplyResult {
	var p nodeActivePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}

	n, found, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !found {
		return ApplyResult{Err: fmt.Errorf("node %d not registered", p.NodeID)}
	}

	n.ReportedState = p.ReportedState
	n.ReportedLSN = p.ReportedLSN
	n.ReportedTLI = p.ReportedTLI
	n.SyncState = p.SyncState
	n.ReportedAt = p.At
	if err := f.store.PutNode(n); err != nil {
		return ApplyResult{Err: err}
	}

	decisions, err := f.reassignGroup(n.Formation, n.GroupID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	n, _, _ = f.store.GetNode(p.NodeID)
	return ApplyResult{Node: &n, Decisions: decisions}
}

func (f *FSM) applyRemoveNode(data json.RawMessage) ApplyResult {
	var p removeNodePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}
	n, found, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !found {
		return ApplyResult{Err: fmt.Errorf("node %d not registered", p.NodeID)}
	}
	n.WantsRemoval = true
	if err := f.store.PutNode(n); err != nil {
		return ApplyResult{Err: err}
	}
	decisions, err := f.reassignGroup(n.Formation, n.GroupID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	n, _, _ = f.store.GetNode(p.NodeID)
	return ApplyResult{Node: &n, Decisions: decisions}
}

func (f *FSM) applyDropNode(data json.RawMessage) ApplyResult {
	var p dropNodePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}
	n, found, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !found {
		return ApplyResult{}
	}
	if err := f.store.DeleteNode(p.NodeID); err != nil {
		return ApplyResult{Err: err}
	}
	f.recordEvent(types.EventNodeDropped, n, "node dropped and slot freed")
	return ApplyResult{}
}

func (f *FSM) applyHealthProbe(data json.RawMessage) ApplyResult {
	var p healthProbePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}
	n, found, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !found {
		return ApplyResult{}
	}
	if p.Healthy {
		n.Health = types.HealthHealthy
	} else {
		n.Health = types.HealthMissing
	}
	n.HealthAt = p.At
	if err := f.store.PutNode(n); err != nil {
		return ApplyResult{Err: err}
	}
	decisions, err := f.reassignGroup(n.Formation, n.GroupID)
	return ApplyResult{Decisions: decisions, Err: err}
}

// applySetMaintenance flips Node.IsPaused; assignment rule 1 pins a
// paused node to StateMaintenance and excludes it from every other
// rule, so reassigning here both enters and exits maintenance.
func (f *FSM) applySetMaintenance(data json.RawMessage) ApplyResult {
	var p setMaintenancePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}
	n, found, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !found {
		return ApplyResult{Err: fmt.Errorf("node %d not registered", p.NodeID)}
	}
	n.IsPaused = p.Paused
	if err := f.store.PutNode(n); err != nil {
		return ApplyResult{Err: err}
	}
	decisions, err := f.reassignGroup(n.Formation, n.GroupID)
	if err != nil {
		return ApplyResult{Decisions: decisions, Err: err}
	}
	n, _, _ = f.store.GetNode(p.NodeID)
	return ApplyResult{Node: &n, Decisions: decisions}
}

func (f *FSM) applyPerformOp(data json.RawMessage) ApplyResult {
	var p performOpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ApplyResult{Err: err}
	}

	switch p.Kind {
	case "failover":
		nodes, err := f.store.ListGroupNodes(p.Formation, p.GroupID)
		if err != nil {
			return ApplyResult{Err: err}
		}
		for _, n := range nodes {
			if n.ReportedState == types.StatePrimary {
				n.ReportedAt = time.Time{} // force IsMissing on next evaluation
				if err := f.store.PutNode(n); err != nil {
					return ApplyResult{Err: err}
				}
			}
		}
	case "promotion":
		nodes, err := f.store.ListGroupNodes(p.Formation, p.GroupID)
		if err != nil {
			return ApplyResult{Err: err}
		}
		for _, n := range nodes {
			if n.Name == p.TargetName {
				n.CandidatePriority = 100
			}
			if err := f.store.PutNode(n); err != nil {
				return ApplyResult{Err: err}
			}
		}
	}

	decisions, err := f.reassignGroup(p.Formation, p.GroupID)
	return ApplyResult{Decisions: decisions, Err: err}
}

// reassignGroup runs the assignment engine over one group and persists
// every resulting goal-state change, recording an event row and
// publishing a NOTIFY for each (spec.md: same transaction as the
// assignment — here, the same Apply call, which raft serializes).
func (f *FSM) reassignGroup(formation string, groupID int) ([]Decision, error) {
	form, _, err := f.store.GetFormation(formation)
	if err != nil {
		return nil, err
	}
	nodes, err := f.store.ListGroupNodes(formation, groupID)
	if err != nil {
		return nil, err
	}

	evalStart := time.Now()
	decisions := f.engine.Evaluate(form, nodes, evalStart)
	if f.metrics != nil {
		f.metrics.AssignmentLatency.Observe(time.Since(evalStart).Seconds())
	}
	byID := make(map[int64]types.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, d := range decisions {
		n, ok := byID[d.NodeID]
		if !ok {
			continue
		}
		n.GoalState = d.Goal
		if err := f.store.PutNode(n); err != nil {
			return decisions, err
		}
		f.recordEvent(d.EventType, n, d.Reason)
		f.notify.Publish("state", n)
		if f.metrics != nil {
			f.metrics.AssignmentDecisions.WithLabelValues(d.Reason).Inc()
		}
	}
	return decisions, nil
}

func (f *FSM) recordEvent(etype types.EventType, n types.Node, reason string) {
	id, err := f.store.NextEventID()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("allocate event id")
		return
	}
	e := types.Event{
		ID:            id,
		Time:          time.Now(),
		Type:          etype,
		Formation:     n.Formation,
		GroupID:       n.GroupID,
		NodeID:        n.ID,
		ReportedState: n.ReportedState,
		GoalState:     n.GoalState,
		Description:   reason,
	}
	if err := f.store.AppendEvent(e); err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("append event")
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("snapshot: list nodes: %w", err)
	}
	events, err := f.store.AllEvents()
	if err != nil {
		return nil, fmt.Errorf("snapshot: list events: %w", err)
	}

	return &snapshot{Nodes: nodes, Events: events}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("restore: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.PutNode(n); err != nil {
			return fmt.Errorf("restore node %d: %w", n.ID, err)
		}
	}
	for _, e := range snap.Events {
		if err := f.store.AppendEvent(e); err != nil {
			return fmt.Errorf("restore event %d: %w", e.ID, err)
		}
	}
	return nil
}

// snapshot is the monitor's point-in-time raft snapshot payload.
//
// Grounded on the pack's WarrenSnapshot (pkg/manager/fsm.go).
type snapshot struct {
	Nodes  []types.Node
	Events []types.Event
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
