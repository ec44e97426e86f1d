package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgautofailover/pkg/types"
)

func decisionFor(t *testing.T, decisions []Decision, nodeID int64) Decision {
	t.Helper()
	for _, d := range decisions {
		if d.NodeID == nodeID {
			return d
		}
	}
	t.Fatalf("no decision for node %d", nodeID)
	return Decision{}
}

func TestEvaluateBootstrapPromotesFirstNode(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StateInit, ReportedAt: now},
		{ID: 2, ReportedState: types.StateInit, ReportedAt: now},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	require.Len(t, decisions, 1)
	assert.Equal(t, int64(1), decisions[0].NodeID)
	assert.Equal(t, types.StateSingle, decisions[0].Goal)
}

func TestEvaluateNewNodeJoinsAsStandby(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StateSingle, GoalState: types.StateSingle, ReportedAt: now},
		{ID: 2, ReportedState: types.StateInit, ReportedAt: now},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d := decisionFor(t, decisions, 2)
	assert.Equal(t, types.StateWaitStandby, d.Goal)
}

func TestEvaluateReachQuorumPromotesWaitPrimary(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StateWaitPrimary, GoalState: types.StateWaitPrimary, ReportedAt: now},
		{ID: 2, ReportedState: types.StateSecondary, GoalState: types.StateSecondary, ReplicationQuorum: true, ReportedAt: now},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d := decisionFor(t, decisions, 1)
	assert.Equal(t, types.StateApplySettings, d.Goal)
}

func TestEvaluateDetectPrimaryFailureSendsSurvivorsToReportLSN(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now.Add(-time.Hour)},
		{
			ID: 2, ReportedState: types.StateSecondary, GoalState: types.StateSecondary,
			ReplicationQuorum: true, CandidatePriority: 100,
			Health: types.HealthHealthy, HealthAt: now, ReportedAt: now, ReportedLSN: 500,
		},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d := decisionFor(t, decisions, 2)
	assert.Equal(t, types.StateReportLSN, d.Goal)
}

func TestEvaluateDetectPrimaryFailureElectsHealthySecondary(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now.Add(-time.Hour)},
		{
			ID: 2, ReportedState: types.StateReportLSN, GoalState: types.StateReportLSN,
			ReplicationQuorum: true, CandidatePriority: 100,
			Health: types.HealthHealthy, HealthAt: now, ReportedAt: now, ReportedLSN: 500,
		},
		{
			ID: 3, ReportedState: types.StateReportLSN, GoalState: types.StateReportLSN,
			ReplicationQuorum: true, CandidatePriority: 50,
			Health: types.HealthHealthy, HealthAt: now, ReportedAt: now, ReportedLSN: 700,
		},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)

	winner := decisionFor(t, decisions, 2)
	assert.Equal(t, types.StatePreparePromotion, winner.Goal)

	loser := decisionFor(t, decisions, 3)
	assert.Equal(t, types.StateStopReplication, loser.Goal)
}

func TestEvaluateElectionTieBrokenByCandidatePriorityThenLSN(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now.Add(-time.Hour)},
		{
			ID: 2, ReportedState: types.StateReportLSN, GoalState: types.StateReportLSN,
			ReplicationQuorum: true, CandidatePriority: 100,
			Health: types.HealthHealthy, HealthAt: now, ReportedAt: now, ReportedLSN: 100,
		},
		{
			ID: 3, ReportedState: types.StateReportLSN, GoalState: types.StateReportLSN,
			ReplicationQuorum: true, CandidatePriority: 100,
			Health: types.HealthHealthy, HealthAt: now, ReportedAt: now, ReportedLSN: 900,
		},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	winner := decisionFor(t, decisions, 3)
	assert.Equal(t, types.StatePreparePromotion, winner.Goal)
}

func TestEvaluateNoElectionWhilePrimaryHealthy(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now},
		{ID: 2, ReportedState: types.StateSecondary, GoalState: types.StateSecondary, ReplicationQuorum: true, ReportedAt: now, Health: types.HealthHealthy, HealthAt: now},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	for _, d := range decisions {
		assert.NotEqual(t, types.StatePreparePromotion, d.Goal)
	}
}

func TestEvaluatePausedNodeExcludedFromOtherRules(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now},
		{ID: 2, ReportedState: types.StateInit, IsPaused: true, ReportedAt: now},
	}

	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d := decisionFor(t, decisions, 2)
	assert.Equal(t, types.StateMaintenance, d.Goal)
}

func TestEvaluateDropRequestDrainsThenDrops(t *testing.T) {
	engine := NewAssignmentEngine(DefaultAssignmentConfig())
	now := time.Now()

	nodes := []types.Node{
		{ID: 1, ReportedState: types.StatePrimary, GoalState: types.StatePrimary, ReportedAt: now},
		{ID: 2, ReportedState: types.StateSecondary, GoalState: types.StateSecondary, WantsRemoval: true, ReportedAt: now},
	}
	decisions := engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d := decisionFor(t, decisions, 2)
	assert.Equal(t, types.StateDraining, d.Goal)

	nodes[1].ReportedState = types.StateDraining
	nodes[1].GoalState = types.StateDraining
	decisions = engine.Evaluate(types.Formation{NumberSyncStandbys: 1}, nodes, now)
	d = decisionFor(t, decisions, 2)
	assert.Equal(t, types.StateDropped, d.Goal)
}
