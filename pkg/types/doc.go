/*
Package types defines the data model shared by every other package in
this module: node identity, the finite-state-machine alphabet a node
moves through, and the monitor's logical tables.

# State alphabet and role semantics

	State                Role
	init                 pre-registration, no role yet
	single               sole accepting-writes node in its group
	wait_primary         accepting-writes but insufficient standbys for quorum
	primary              accepting-writes with enough synchronous standbys
	join_primary         promoting a node while others are still being added
	apply_settings       applying a replication setting change, still primary
	catchingup           standby catching up after creation or disconnect
	secondary            standby, caught up, eligible for promotion
	prepare_promotion    chosen for promotion, flushing WAL receiver
	stop_replication     target of promotion waiting out the WAL receiver timeout
	demoted              old primary, database stopped, awaiting instructions
	demote_timeout       primary that failed to confirm demotion in time
	draining             primary being moved to maintenance; flushing
	report_lsn           post-crash probe: each node reports its flush LSN
	fast_forward         standby stopped, later restarted on its existing data
	maintenance          under operator control, ignored by failover
	dropped              terminal; resources released

The pair (current, assigned) indexes the dispatch table in pkg/fsm;
the monitor's assignment engine (pkg/monitor) also branches on these
states when it picks each node's goal.

# Invariants

  - I1: for every group, at most one node reports primary or single.
  - I2: if any node's goal is primary, every other node's goal is one
    of secondary, catchingup, draining, demoted, maintenance,
    report_lsn, dropped.
  - I3: node id is unique per formation; host:port is unique per
    formation.
  - I4: an event row, once written, is immutable.
  - I5: number_sync_standbys <= count of quorum-participating
    secondaries, enforced at assignment time.
  - I6: xlog_lag is monotonically non-decreasing while catchingup,
    non-increasing once a target is receiving WAL and the source is
    idle.
*/
package types
