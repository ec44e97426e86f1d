package monitorrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/pgautofailover/pkg/types"
)

type fakeMonitorServer struct {
	notifications chan *StateChangeNotification
}

func (f *fakeMonitorServer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	return &RegisterResponse{NodeID: 1, GroupID: 0, AssignedState: types.StateSingle}, nil
}

func (f *fakeMonitorServer) NodeActive(ctx context.Context, req *NodeActiveRequest) (*NodeActiveResponse, error) {
	return &NodeActiveResponse{AssignedState: req.ReportedState}, nil
}

func (f *fakeMonitorServer) GetOtherNodes(ctx context.Context, req *GetOtherNodesRequest) (*GetOtherNodesResponse, error) {
	return &GetOtherNodesResponse{Peers: []types.Node{{ID: 2, Host: "10.0.0.2"}}}, nil
}

func (f *fakeMonitorServer) GetCurrentState(ctx context.Context, req *GetCurrentStateRequest) (*GetCurrentStateResponse, error) {
	return &GetCurrentStateResponse{}, nil
}

func (f *fakeMonitorServer) GetEvents(ctx context.Context, req *GetEventsRequest) (*GetEventsResponse, error) {
	return &GetEventsResponse{}, nil
}

func (f *fakeMonitorServer) SetMaintenance(ctx context.Context, req *SetMaintenanceRequest) (*SetMaintenanceResponse, error) {
	return &SetMaintenanceResponse{OK: true}, nil
}

func (f *fakeMonitorServer) PerformFailover(ctx context.Context, req *PerformFailoverRequest) (*PerformFailoverResponse, error) {
	return &PerformFailoverResponse{OK: true}, nil
}

func (f *fakeMonitorServer) PerformPromotion(ctx context.Context, req *PerformPromotionRequest) (*PerformPromotionResponse, error) {
	return &PerformPromotionResponse{WasNeeded: true}, nil
}

func (f *fakeMonitorServer) RemoveNode(ctx context.Context, req *RemoveNodeRequest) (*RemoveNodeResponse, error) {
	return &RemoveNodeResponse{OK: true}, nil
}

func (f *fakeMonitorServer) Listen(req *ListenRequest, stream Monitor_ListenServer) error {
	for n := range f.notifications {
		if err := stream.Send(n); err != nil {
			return err
		}
	}
	return nil
}

func startTestServer(t *testing.T) (*Client, *fakeMonitorServer) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	impl := &fakeMonitorServer{notifications: make(chan *StateChangeNotification, 4)}

	grpcServer := grpc.NewServer()
	RegisterServer(grpcServer, impl)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn), impl
}

func TestRegisterRoundTrip(t *testing.T) {
	client, _ := startTestServer(t)
	resp, err := client.Register(context.Background(), &RegisterRequest{Name: "node1", Host: "10.0.0.1", Port: 5432})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.NodeID)
	assert.Equal(t, types.StateSingle, resp.AssignedState)
}

func TestNodeActiveEchoesReportedState(t *testing.T) {
	client, _ := startTestServer(t)
	resp, err := client.NodeActive(context.Background(), &NodeActiveRequest{NodeID: 1, ReportedState: types.StatePrimary})
	require.NoError(t, err)
	assert.Equal(t, types.StatePrimary, resp.AssignedState)
}

func TestGetOtherNodes(t *testing.T) {
	client, _ := startTestServer(t)
	resp, err := client.GetOtherNodes(context.Background(), &GetOtherNodesRequest{NodeID: 1})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.2", resp.Peers[0].Host)
}

func TestListenStreamDeliversNotifications(t *testing.T) {
	client, impl := startTestServer(t)

	stream, err := client.Listen(context.Background(), &ListenRequest{Channels: []string{"state"}})
	require.NoError(t, err)

	impl.notifications <- &StateChangeNotification{NodeID: 1, ReportedState: types.StatePrimary, At: time.Unix(0, 0)}

	n, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.NodeID)
	assert.Equal(t, types.StatePrimary, n.ReportedState)
}
