package monitorrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is the thin gRPC client wrapper pkg/monitorclient builds its
// retry/idempotency layer on top of, grounded on the pack's own
// *client.Client wrapping a generated service client.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection; Dial in this package
// does the dialing, including TLS setup from pkg/config's [ssl]
// section.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Register", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NodeActive(ctx context.Context, req *NodeActiveRequest) (*NodeActiveResponse, error) {
	out := new(NodeActiveResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/NodeActive", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOtherNodes(ctx context.Context, req *GetOtherNodesRequest) (*GetOtherNodesResponse, error) {
	out := new(GetOtherNodesResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetOtherNodes", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCurrentState(ctx context.Context, req *GetCurrentStateRequest) (*GetCurrentStateResponse, error) {
	out := new(GetCurrentStateResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetCurrentState", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetEvents(ctx context.Context, req *GetEventsRequest) (*GetEventsResponse, error) {
	out := new(GetEventsResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetEvents", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetMaintenance(ctx context.Context, req *SetMaintenanceRequest) (*SetMaintenanceResponse, error) {
	out := new(SetMaintenanceResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetMaintenance", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PerformFailover(ctx context.Context, req *PerformFailoverRequest) (*PerformFailoverResponse, error) {
	out := new(PerformFailoverResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/PerformFailover", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PerformPromotion(ctx context.Context, req *PerformPromotionRequest) (*PerformPromotionResponse, error) {
	out := new(PerformPromotionResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/PerformPromotion", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveNode(ctx context.Context, req *RemoveNodeRequest) (*RemoveNodeResponse, error) {
	out := new(RemoveNodeResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RemoveNode", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListenStream is the client-side handle for the streaming Listen
// RPC.
type ListenStream struct {
	grpc.ClientStream
}

// Recv blocks for the next notification.
func (s *ListenStream) Recv() (*StateChangeNotification, error) {
	out := new(StateChangeNotification)
	if err := s.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Listen opens the server-streaming subscription.
func (c *Client) Listen(ctx context.Context, req *ListenRequest) (*ListenStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Listen")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ListenStream{ClientStream: stream}, nil
}
