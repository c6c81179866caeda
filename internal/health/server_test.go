package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"tradebot/internal/events"
	"tradebot/internal/risk"
)

func TestTradingStatusFollowsHalts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	halts := risk.NewHalts(nil, bus, zap.NewNop())
	srv := NewServer(halts, bus, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: TradingService})
		require.NoError(t, err)
		return resp.Status
	}
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, status())

	require.NoError(t, halts.Halt(ctx, risk.Halt{Asset: "BTC", Kind: risk.HaltAmbiguousOrder, Reason: "test"}))
	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_NOT_SERVING }, 2*time.Second, 10*time.Millisecond)

	_, err = halts.Acknowledge(ctx, "BTC", "tester")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)

	overall, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, overall.Status)
}
