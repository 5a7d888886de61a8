package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/tracker"
)

// TrackerService is the health service name that follows the tracker state.
const TrackerService = "gaze.Tracker"

const defaultHealthPollInterval = time.Second

// StateReader reports the tracker state.
type StateReader interface {
	State() tracker.State
}

// HealthServer serves grpc.health.v1 with the tracker's state: SERVING
// while streaming, NOT_SERVING otherwise.
type HealthServer struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewHealthServer(addr string) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		health: health.NewServer(),
	}
	h.health.SetServingStatus(TrackerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	if h.running.Load() {
		return errors.New("health server already running")
	}
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		monitoring.Logf("[health] gRPC health listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			monitoring.Logf("[health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	if !h.running.Swap(false) {
		return
	}
	h.health.Shutdown()
	h.server.GracefulStop()
	h.wg.Wait()
	monitoring.Logf("[health] gRPC server stopped")
}

// SetState maps a tracker state onto the health status.
func (h *HealthServer) SetState(s tracker.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s == tracker.Streaming {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(TrackerService, status)
}

// Watch polls src every interval and publishes state changes until ctx is
// done. interval <= 0 uses one second.
func (h *HealthServer) Watch(ctx context.Context, src StateReader, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthPollInterval
	}
	last := src.State()
	h.SetState(last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := src.State(); s != last {
				monitoring.Debugf("[health] tracker %s -> %s", last, s)
				last = s
				h.SetState(s)
			}
		}
	}
}
