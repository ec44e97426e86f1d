package pgctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// Fake is an in-memory Controller double for the FSM and keeper unit
// tests — no real Postgres instance is required.
type Fake struct {
	mu             sync.Mutex
	status         Status
	slots          map[string]bool
	slotLSN        map[string]types.LSN
	promoted       bool
	initialized    bool
	syncStandbys   []string
	reloadCount    int
	startStopCalls []string
}

// NewFake builds a Fake seeded with the given status.
func NewFake(status Status) *Fake {
	return &Fake{status: status, slots: make(map[string]bool), slotLSN: make(map[string]types.LSN)}
}

func (f *Fake) Status(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *Fake) IsRunning(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.IsRunning
}

func (f *Fake) InitDB(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.IsRunning = true
	f.startStopCalls = append(f.startStopCalls, "start")
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.IsRunning = false
	f.startStopCalls = append(f.startStopCalls, "stop")
	return nil
}

func (f *Fake) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloadCount++
	return nil
}

// EnableSynchronousReplication records the requested standby name list
// so tests can assert on the quorum set the FSM computed.
func (f *Fake) EnableSynchronousReplication(ctx context.Context, standbyNames []string) error {
	f.mu.Lock()
	f.syncStandbys = append([]string(nil), standbyNames...)
	f.mu.Unlock()
	return f.Reload(ctx)
}

// SyncStandbyNames returns the last list passed to
// EnableSynchronousReplication, for test assertions.
func (f *Fake) SyncStandbyNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncStandbys
}

// ReloadCount returns how many times Reload was called.
func (f *Fake) ReloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadCount
}

// WasInitialized reports whether InitDB ran.
func (f *Fake) WasInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// SetStatus lets a test move the fake's simulated Postgres state
// forward (e.g. advancing CurrentLSN to simulate replay progress).
func (f *Fake) SetStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *Fake) CreateReplicationSlot(ctx context.Context, slotName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[slotName] = true
	return nil
}

func (f *Fake) DropReplicationSlot(ctx context.Context, slotName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.slots, slotName)
	return nil
}

func (f *Fake) ReplicationSlots(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slots := make([]string, 0, len(f.slots))
	for name := range f.slots {
		slots = append(slots, name)
	}
	return slots, nil
}

func (f *Fake) AdvanceReplicationSlot(ctx context.Context, slotName string, lsn types.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.slots[slotName] {
		return fmt.Errorf("pgctl: fake: advance unknown replication slot %s", slotName)
	}
	f.slotLSN[slotName] = lsn
	return nil
}

// SlotLSN returns the restart_lsn last recorded for slotName, for
// test assertions.
func (f *Fake) SlotLSN(slotName string) types.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slotLSN[slotName]
}

func (f *Fake) Promote(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoted {
		return nil
	}
	if !f.status.IsInRecovery {
		return fmt.Errorf("pgctl: fake: promote called on a node that is not in recovery")
	}
	f.promoted = true
	f.status.IsInRecovery = false
	return nil
}

func (f *Fake) Close() {}

var _ Controller = (*Fake)(nil)
