// Package health exposes the standard gRPC health service so orchestrators
// can probe the process. The "trading" service reports NOT_SERVING while
// any asset is halted; the overall status stays SERVING until shutdown.
package health

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradebot/internal/events"
	"tradebot/internal/risk"
)

// TradingService is the service name reported for trading readiness.
const TradingService = "trading"

// Halts reports the active halts; *risk.Halts satisfies it.
type Halts interface {
	Active() []risk.Halt
}

type Server struct {
	grpc       *grpc.Server
	health     *health.Server
	halts      Halts
	haltEvents <-chan events.Message
	unsub      func()
	log        *zap.Logger
}

func NewServer(halts Halts, bus *events.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		halts:  halts,
		unsub:  func() {},
		log:    log,
	}
	if bus != nil {
		s.haltEvents, s.unsub = bus.Subscribe(16, events.EventHalt, events.EventHaltCleared)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refresh()
	return s
}

// Serve blocks serving on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-s.haltEvents:
				if !ok {
					return
				}
				s.refresh()
			}
		}
	}()
	go func() {
		<-ctx.Done()
		s.unsub()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) refresh() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status := healthpb.HealthCheckResponse_SERVING
	if s.halts != nil {
		if active := s.halts.Active(); len(active) > 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.log.Debug("trading not serving", zap.Int("halted", len(active)))
		}
	}
	s.health.SetServingStatus(TradingService, status)
}
