package api

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trading-bot/internal/events"
	"trading-bot/internal/order"
)

// HealthService is the gRPC service name reported alongside the overall "" status.
const HealthService = "trading-bot.Engine"

// HealthServer serves grpc.health.v1, SERVING only while the engine runs.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	hs := &HealthServer{grpc: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.SetState(order.StateIdle)
	return hs
}

// SetState maps an engine state onto the serving status.
func (h *HealthServer) SetState(s order.EngineState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s == order.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Follow tracks engine.state events until ctx ends.
func (h *HealthServer) Follow(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.Subscribe(events.EventEngineState, 16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			payload, ok := msg.(map[string]string)
			if !ok {
				continue
			}
			if st, ok := order.ParseEngineState(payload["to"]); ok {
				h.SetState(st)
			}
		}
	}
}

// Check answers a health probe in-process.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve blocks serving gRPC on lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	log.Info().Str("component", "grpc").Str("addr", lis.Addr().String()).Msg("health service listening")
	return h.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
