package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pgautofailover/pkg/types"
)

// Waiter polls a condition on an interval until it becomes true or a
// timeout elapses.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter with sensible defaults (30s timeout, 1s interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, time.Second)
}

// WaitFor waits for condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForMonitorReady waits until a monitorclient.Dial against addr
// succeeds and the monitor answers a GetCurrentState call — meaning
// its raft cluster has elected a leader and the gRPC server is up,
// mirroring real pg_auto_failover's "monitor is ready" bootstrap check.
func (w *Waiter) WaitForMonitorReady(ctx context.Context, addr string) error {
	return w.WaitFor(ctx, func() bool {
		client, err := DialMonitor(addr)
		if err != nil {
			return false
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err = client.GetCurrentState(rctx, "default", 0)
		return err == nil
	}, fmt.Sprintf("monitor at %s to become ready", addr))
}

// WaitForNodeCount waits until the formation/group reports exactly
// count nodes to the monitor.
func (w *Waiter) WaitForNodeCount(ctx context.Context, monitorAddr, formation string, group, count int) error {
	client, err := DialMonitor(monitorAddr)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		nodes, err := client.GetCurrentState(rctx, formation, group)
		return err == nil && len(nodes) == count
	}, fmt.Sprintf("formation %s group %d to have %d nodes", formation, group, count))
}

// WaitForNodeState waits until the named node reports exactly state as
// its ReportedState.
func (w *Waiter) WaitForNodeState(ctx context.Context, monitorAddr, formation string, group int, name string, state types.NodeState) error {
	client, err := DialMonitor(monitorAddr)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		nodes, err := client.GetCurrentState(rctx, formation, group)
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.Name == name {
				return n.ReportedState == state
			}
		}
		return false
	}, fmt.Sprintf("node %q to reach state %s", name, state))
}

// WaitForPrimary waits until exactly one node in formation/group
// reports StatePrimary, and returns its name.
func (w *Waiter) WaitForPrimary(ctx context.Context, monitorAddr, formation string, group int) (string, error) {
	client, err := DialMonitor(monitorAddr)
	if err != nil {
		return "", err
	}
	var primary string
	err = w.WaitFor(ctx, func() bool {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		nodes, err := client.GetCurrentState(rctx, formation, group)
		if err != nil {
			return false
		}
		count := 0
		for _, n := range nodes {
			if n.ReportedState == types.StatePrimary {
				primary = n.Name
				count++
			}
		}
		return count == 1
	}, fmt.Sprintf("formation %s group %d to have a primary", formation, group))
	return primary, err
}

// WaitForNoPrimary waits until no node in formation/group reports
// StatePrimary, for asserting a clean demotion mid-failover.
func (w *Waiter) WaitForNoPrimary(ctx context.Context, monitorAddr, formation string, group int) error {
	client, err := DialMonitor(monitorAddr)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		nodes, err := client.GetCurrentState(rctx, formation, group)
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.ReportedState == types.StatePrimary {
				return false
			}
		}
		return true
	}, fmt.Sprintf("formation %s group %d to have no primary", formation, group))
}

// WaitForEventCount waits until the formation/group's event log has at
// least count entries, for asserting that a transition was recorded.
func (w *Waiter) WaitForEventCount(ctx context.Context, monitorAddr, formation string, group, count int) error {
	client, err := DialMonitor(monitorAddr)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		events, err := client.GetEvents(rctx, formation, group)
		return err == nil && len(events) >= count
	}, fmt.Sprintf("formation %s group %d to have at least %d events", formation, group, count))
}

// WaitForProcessExit waits until p is no longer running, for asserting
// a node's pg_autoctl process tore itself down after `stop`.
func (w *Waiter) WaitForProcessExit(ctx context.Context, p *Process) error {
	return w.WaitFor(ctx, func() bool {
		return !p.IsRunning()
	}, "process to exit")
}

// WaitForConditionWithRetry waits for a condition with exponential
// backoff retry, surfacing the condition's own error rather than
// swallowing it, for checks that can themselves fail transiently
// (e.g. a direct Postgres connection during a failover window).
func (w *Waiter) WaitForConditionWithRetry(ctx context.Context, condition func() (bool, error), description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	interval := w.interval
	maxInterval := 10 * time.Second

	for {
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("error checking condition '%s': %w", description, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-time.After(interval):
			interval *= 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}

// PollUntil polls condition until it returns true or ctx is cancelled.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries operation up to attempts times with exponential backoff.
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
