// Package monitorclient is the keeper's sole ingress/egress to the
// monitor: it wraps pkg/monitorrpc with retry, idempotency and the
// network-partition bookkeeping the node-active loop depends on.
//
// Grounded on the pack's client wrapper (pkg/client/client.go):
// a thin struct holding a connection plus one method per RPC, with
// retry/backoff layered on top rather than inside the wire client.
package monitorclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/pgautofailover/pkg/config"
	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// Client is the keeper-side monitor client. Register, NodeActive and
// GetOtherNodes are wrapped in bounded retry; the other RPCs are tried
// once. A failed call returns an error to the caller without altering
// any cached idempotency state, so the same (nodeId, reported_state)
// pair is safe to resend.
type Client struct {
	rpc *monitorrpc.Client

	mu                sync.Mutex
	lastMonitorContact time.Time
	lastReportedState types.NodeState
	lastAssigned      types.NodeState
}

// New wraps an already-built monitorrpc.Client. Dialing (including
// TLS setup) is the caller's job via monitorrpc.Dial.
func New(rpc *monitorrpc.Client) *Client {
	return &Client{rpc: rpc}
}

// LastMonitorContact returns the last time any RPC to the monitor
// succeeded, the timestamp network_partition_timeout is measured
// against.
func (c *Client) LastMonitorContact() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMonitorContact
}

func (c *Client) markContact() {
	c.mu.Lock()
	c.lastMonitorContact = time.Now()
	c.mu.Unlock()
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// Register admits this node into a formation/group.
func (c *Client) Register(ctx context.Context, req *monitorrpc.RegisterRequest) (*monitorrpc.RegisterResponse, error) {
	var resp *monitorrpc.RegisterResponse
	err := backoff.Retry(func() error {
		var rpcErr error
		resp, rpcErr = c.rpc.Register(ctx, req)
		return rpcErr
	}, backoff.WithContext(retryPolicy(), ctx))
	if err != nil {
		return nil, fmt.Errorf("monitorclient: register: %w", err)
	}
	c.markContact()
	return resp, nil
}

// NodeActive reports this node's observed state and returns the
// monitor's goal state. Idempotent given the same (nodeId,
// reported_state): a transient transport failure here does not change
// the keeper's state, it only fails to refresh lastMonitorContact —
// the caller is expected to keep serving the database in its current
// role until network_partition_timeout expires.
func (c *Client) NodeActive(ctx context.Context, req *monitorrpc.NodeActiveRequest) (*monitorrpc.NodeActiveResponse, error) {
	var resp *monitorrpc.NodeActiveResponse
	err := backoff.Retry(func() error {
		var rpcErr error
		resp, rpcErr = c.rpc.NodeActive(ctx, req)
		return rpcErr
	}, backoff.WithContext(retryPolicy(), ctx))
	if err != nil {
		log.WithComponent("monitorclient").Warn().
			Int64("node_id", req.NodeID).
			Err(err).
			Msg("node_active failed, continuing in current role until network_partition_timeout")
		return nil, fmt.Errorf("monitorclient: node_active: %w", err)
	}

	c.mu.Lock()
	c.lastReportedState = req.ReportedState
	c.lastAssigned = resp.AssignedState
	c.mu.Unlock()
	c.markContact()
	return resp, nil
}

// GetOtherNodes lists the peers of this node's group.
func (c *Client) GetOtherNodes(ctx context.Context, nodeID int64) ([]types.Node, error) {
	var resp *monitorrpc.GetOtherNodesResponse
	err := backoff.Retry(func() error {
		var rpcErr error
		resp, rpcErr = c.rpc.GetOtherNodes(ctx, &monitorrpc.GetOtherNodesRequest{NodeID: nodeID})
		return rpcErr
	}, backoff.WithContext(retryPolicy(), ctx))
	if err != nil {
		return nil, fmt.Errorf("monitorclient: get_other_nodes: %w", err)
	}
	c.markContact()
	return resp.Peers, nil
}

// GetCurrentState lists every node's state in a group, used by `show
// state` and `watch` — not retried, since those commands are
// themselves typically re-invoked by the operator.
func (c *Client) GetCurrentState(ctx context.Context, formation string, groupID int) ([]types.Node, error) {
	resp, err := c.rpc.GetCurrentState(ctx, &monitorrpc.GetCurrentStateRequest{Formation: formation, GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("monitorclient: get_current_state: %w", err)
	}
	c.markContact()
	return resp.Nodes, nil
}

// GetEvents lists a formation's event log, used by `show events`.
func (c *Client) GetEvents(ctx context.Context, formation string, groupID int) ([]types.Event, error) {
	resp, err := c.rpc.GetEvents(ctx, &monitorrpc.GetEventsRequest{Formation: formation, GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("monitorclient: get_events: %w", err)
	}
	c.markContact()
	return resp.Events, nil
}

// SetMaintenance enables or disables maintenance mode for a named
// node, used by `enable|disable maintenance`.
func (c *Client) SetMaintenance(ctx context.Context, formation string, groupID int, name string, paused bool) error {
	_, err := c.rpc.SetMaintenance(ctx, &monitorrpc.SetMaintenanceRequest{
		Formation: formation, GroupID: groupID, Name: name, Paused: paused,
	})
	if err != nil {
		return fmt.Errorf("monitorclient: set_maintenance: %w", err)
	}
	c.markContact()
	return nil
}

// PerformFailover instructs the monitor to start a failover in a
// group even without an observed primary fault.
func (c *Client) PerformFailover(ctx context.Context, formation string, groupID int) error {
	_, err := c.rpc.PerformFailover(ctx, &monitorrpc.PerformFailoverRequest{Formation: formation, GroupID: groupID})
	if err != nil {
		return fmt.Errorf("monitorclient: perform_failover: %w", err)
	}
	c.markContact()
	return nil
}

// PerformPromotion targets a specific node for promotion.
func (c *Client) PerformPromotion(ctx context.Context, formation, targetName string) (bool, error) {
	resp, err := c.rpc.PerformPromotion(ctx, &monitorrpc.PerformPromotionRequest{Formation: formation, TargetName: targetName})
	if err != nil {
		return false, fmt.Errorf("monitorclient: perform_promotion: %w", err)
	}
	c.markContact()
	return resp.WasNeeded, nil
}

// RemoveNode finally de-registers a node.
func (c *Client) RemoveNode(ctx context.Context, nodeID int64) error {
	_, err := c.rpc.RemoveNode(ctx, &monitorrpc.RemoveNodeRequest{NodeID: nodeID})
	if err != nil {
		return fmt.Errorf("monitorclient: remove_node: %w", err)
	}
	c.markContact()
	return nil
}

// Listen subscribes to state-change notifications on the given
// channels; it is not retried.
func (c *Client) Listen(ctx context.Context, channels []string) (*monitorrpc.ListenStream, error) {
	stream, err := c.rpc.Listen(ctx, &monitorrpc.ListenRequest{Channels: channels})
	if err != nil {
		return nil, fmt.Errorf("monitorclient: listen: %w", err)
	}
	return stream, nil
}

// Dial is a convenience constructor chaining monitorrpc.Dial and New.
func Dial(addr string, cfg *config.Config) (*Client, error) {
	conn, err := monitorrpc.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return New(monitorrpc.NewClient(conn)), nil
}
