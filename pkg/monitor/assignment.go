package monitor

import (
	"sort"
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// AssignmentConfig holds the monitor-wide tunables the assignment
// engine and health probe consult; defaults mirror spec.md §4.5.
type AssignmentConfig struct {
	HealthDeadline     time.Duration
	NodeActiveDeadline time.Duration
	ReportLsnDeadline  time.Duration
}

// DefaultAssignmentConfig returns the documented defaults.
func DefaultAssignmentConfig() AssignmentConfig {
	return AssignmentConfig{
		HealthDeadline:     30 * time.Second,
		NodeActiveDeadline: 40 * time.Second,
		ReportLsnDeadline:  60 * time.Second,
	}
}

// AssignmentEngine computes the goal state of every node in a group,
// applying spec.md §4.5's 8 ordered decision rules (first match wins).
// It is pure/deterministic given its inputs so it can be invoked
// identically from every raft replica's Apply — the actual mechanism
// behind "assignment is computed exactly once per committed log entry".
type AssignmentEngine struct {
	cfg AssignmentConfig
}

// NewAssignmentEngine builds an engine with the given tunables.
func NewAssignmentEngine(cfg AssignmentConfig) *AssignmentEngine {
	return &AssignmentEngine{cfg: cfg}
}

// Decision is one node's computed goal state plus why it was chosen,
// used both to apply the change and to write the event-log row.
type Decision struct {
	NodeID    int64
	Goal      types.NodeState
	EventType types.EventType
	Reason    string
}

// isHealthy reports whether a node's health probe and node_active
// reporting are both within their deadlines as of `now`.
func isHealthy(n types.Node, cfg AssignmentConfig, now time.Time) bool {
	if n.Health != types.HealthHealthy {
		return false
	}
	if now.Sub(n.HealthAt) > cfg.HealthDeadline {
		return false
	}
	if now.Sub(n.ReportedAt) > cfg.NodeActiveDeadline {
		return false
	}
	return true
}

// IsMissing reports whether a node's node_active reports are stale
// enough that the group should treat it as gone; unlike isHealthy it
// does not look at the health probe at all.
func IsMissing(n types.Node, cfg AssignmentConfig, now time.Time) bool {
	return now.Sub(n.ReportedAt) > cfg.NodeActiveDeadline
}

// Evaluate applies the 8 ordered rules across one group's nodes and
// returns the goal-state decisions that changed. `f` carries the
// formation's number_sync_standbys; `now` is the instant health/report
// deadlines are measured against.
func (e *AssignmentEngine) Evaluate(f types.Formation, nodes []types.Node, now time.Time) []Decision {
	excluded := make(map[int64]bool, len(nodes))
	var decisions []Decision

	sorted := make([]types.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	decided := make(map[int64]bool, len(nodes))
	assign := func(n types.Node, goal types.NodeState, etype types.EventType, reason string) {
		decided[n.ID] = true
		if n.GoalState == goal {
			return
		}
		decisions = append(decisions, Decision{NodeID: n.ID, Goal: goal, EventType: etype, Reason: reason})
	}

	// Rule 1: paused/maintenance nodes are pinned and excluded from
	// every other rule for this round.
	for _, n := range sorted {
		if n.IsPaused {
			assign(n, types.StateMaintenance, types.EventMaintenance, "operator requested maintenance")
			excluded[n.ID] = true
		}
	}

	// Rule 7: drop requests, evaluated early so a departing node never
	// participates in quorum/election math below.
	for _, n := range sorted {
		if excluded[n.ID] {
			continue
		}
		if n.WantsRemoval {
			goal := types.StateDraining
			if n.ReportedState == types.StateDraining {
				goal = types.StateDropped
			}
			assign(n, goal, types.EventNodeDropped, "operator requested removal")
			excluded[n.ID] = true
		}
	}

	active := func() []types.Node {
		var out []types.Node
		for _, n := range sorted {
			if !excluded[n.ID] {
				out = append(out, n)
			}
		}
		return out
	}()

	hasReachedPrimary := false
	var primary *types.Node
	for i := range active {
		n := &active[i]
		if isPrimaryTrackState(n.ReportedState) {
			hasReachedPrimary = true
			primary = n
		}
	}

	// Rule 2: bootstrap — nobody has ever become single/primary yet.
	if !hasReachedPrimary {
		if len(active) > 0 {
			first := active[0]
			assign(first, types.StateSingle, types.EventBootstrap, "first node in group promoted to single")
		}
		return decisions
	}

	// Rule 3: newly registered nodes join as standbys.
	for _, n := range active {
		if n.ID == primary.ID {
			continue
		}
		if n.ReportedState == types.StateInit {
			assign(n, types.StateWaitStandby, types.EventNodeRegistered, "new node joining as standby")
		} else if n.ReportedState == types.StateWaitStandby {
			assign(n, types.StateCatchingUp, types.EventStateChange, "standby catching up")
		}
	}

	// Rule 4: reach quorum — promote a wait_primary once enough
	// quorum-eligible secondaries report secondary.
	if primary.ReportedState == types.StateWaitPrimary || primary.GoalState == types.StateWaitPrimary {
		quorumSecondaries := countQuorumSecondaries(active, primary.ID)
		if quorumSecondaries >= f.NumberSyncStandbys {
			if primary.ReportedState == types.StateApplySettings {
				assign(*primary, types.StatePrimary, types.EventStateChange, "sync standbys configured")
			} else {
				assign(*primary, types.StateApplySettings, types.EventStateChange, "quorum reached, applying settings")
			}
		}
	}

	// Rule 5: detect primary failure and run an election.
	if primary.ReportedState == types.StatePrimary && IsMissing(*primary, e.cfg, now) {
		anyHealthySecondary := false
		for _, n := range active {
			if n.ID == primary.ID {
				continue
			}
			if (n.ReportedState == types.StateSecondary || n.ReportedState == types.StateReportLSN) && isHealthy(n, e.cfg, now) {
				anyHealthySecondary = true
				break
			}
		}
		if anyHealthySecondary {
			decisions = append(decisions, e.runElection(active, primary.ID, now)...)
			return decisions
		}
	}

	// Rule 6: secondary falling behind its allowed lag gets sent back
	// to catchingup. The allowed lag is fallbackLagBytes; here we only
	// act on an already observed reported_lsn gap against the primary's.
	for _, n := range active {
		if n.ID == primary.ID || decided[n.ID] {
			continue
		}
		if n.ReportedState != types.StateSecondary || !n.ReplicationQuorum {
			continue
		}
		if primary.ReportedLSN > n.ReportedLSN && uint64(primary.ReportedLSN-n.ReportedLSN) > uint64(fallbackLagBytes) {
			assign(n, types.StateCatchingUp, types.EventStateChange, "secondary fell behind allowed lag")
		}
	}

	// Rule 8: no-op — everyone else keeps their reported state as goal.
	for _, n := range active {
		if decided[n.ID] {
			continue
		}
		assign(n, n.ReportedState, types.EventStateChange, "no change")
	}

	return decisions
}

// fallbackLagBytes is the allowed replication lag (in bytes of LSN)
// before a quorum secondary is pulled back to catchingup. Rule 6
// always uses it; there is no per-group setting.
const fallbackLagBytes = 16 * 1024 * 1024

// isPrimaryTrackState reports whether a state is one only the group's
// primary-track node ever reports, used to find that node regardless
// of which step of its own lifecycle it is currently in (it may no
// longer report `single`/`primary` while mid-transition, e.g. during
// apply_settings or a failover).
func isPrimaryTrackState(s types.NodeState) bool {
	switch s {
	case types.StateSingle, types.StateWaitPrimary, types.StateJoinPrimary,
		types.StateApplySettings, types.StatePrepareMaintenance, types.StateWaitMaintenance,
		types.StatePrimary, types.StatePreparePromotion, types.StateStopReplication,
		types.StateDemoted, types.StateDemoteTimeout:
		return true
	default:
		return false
	}
}

func countQuorumSecondaries(nodes []types.Node, primaryID int64) int {
	count := 0
	for _, n := range nodes {
		if n.ID == primaryID {
			continue
		}
		if n.ReplicationQuorum && n.ReportedState == types.StateSecondary {
			count++
		}
	}
	return count
}

// runElection implements rule 5's body as a two-phase protocol, since
// Evaluate is a pure function of its inputs with no round-tracking
// state of its own: the first call after a primary is found missing
// sends every surviving node to report_lsn; once every quorum-eligible
// healthy node has adopted that goal and reported its LSN back (i.e.
// its reported_state has itself become report_lsn), the same rule
// picks the winner by (priority, timeline, lsn) descending with
// ascending node id breaking ties. Only nodes that isHealthy rejects
// (stale health probe or node_active) are left out of the wait.
// ReportLsnDeadline is not consulted: a healthy quorum node that never
// reaches report_lsn keeps the election waiting, and no node is sent
// to maintenance for failing to report.
func (e *AssignmentEngine) runElection(nodes []types.Node, deadPrimaryID int64, now time.Time) []Decision {
	var decisions []Decision
	var eligible []types.Node

	for _, n := range nodes {
		if n.ID == deadPrimaryID {
			continue
		}
		if n.ReplicationQuorum && isHealthy(n, e.cfg, now) {
			eligible = append(eligible, n)
		}
	}

	allReported := len(eligible) > 0
	for _, n := range eligible {
		if n.ReportedState != types.StateReportLSN {
			allReported = false
		}
	}

	if !allReported {
		for _, n := range nodes {
			if n.ID == deadPrimaryID {
				continue
			}
			if n.GoalState != types.StateReportLSN {
				decisions = append(decisions, Decision{NodeID: n.ID, Goal: types.StateReportLSN, EventType: types.EventFailover, Reason: "primary missing, requesting lsn report"})
			}
		}
		return decisions
	}

	candidates := eligible
	if len(candidates) == 0 {
		return decisions
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CandidatePriority != b.CandidatePriority {
			return a.CandidatePriority > b.CandidatePriority
		}
		if a.ReportedTLI != b.ReportedTLI {
			return a.ReportedTLI > b.ReportedTLI
		}
		if a.ReportedLSN != b.ReportedLSN {
			return a.ReportedLSN > b.ReportedLSN
		}
		return a.ID < b.ID
	})

	winner := candidates[0]
	decisions = append(decisions, Decision{NodeID: winner.ID, Goal: types.StatePreparePromotion, EventType: types.EventFailover, Reason: "elected as new primary"})

	for _, n := range nodes {
		if n.ID == winner.ID || n.ID == deadPrimaryID {
			continue
		}
		decisions = append(decisions, Decision{NodeID: n.ID, Goal: types.StateStopReplication, EventType: types.EventFailover, Reason: "following winner's new timeline"})
	}

	return decisions
}
