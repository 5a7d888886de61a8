package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/tracker"
)

const (
	shutdownTimeout  = 5 * time.Second
	resumePollPeriod = 250 * time.Millisecond
)

// udpSockets binds the UDP trackers' sample port. Nil uses real sockets.
var udpSockets tracker.UDPSocketFactory

// buildTracker constructs the configured tracker variant feeding sink.
func buildTracker(cfg *config.Config, sink tracker.Sink, stats *tracker.StreamStats) (tracker.Client, error) {
	tc := cfg.Tracker
	switch tc.Kind {
	case config.TrackerIViewX, config.TrackerITU:
		udp := tracker.UDPConfig{
			DeviceAddr:       tc.DeviceAddr(),
			LocalPort:        tc.LocalPort,
			HandshakeTimeout: tc.GetHandshakeTimeout(),
			SampleRate:       tc.SampleRate,
			LogInterval:      tc.GetLogInterval(),
			Filter:           sink,
			Stats:            stats,
			Sockets:          udpSockets,
		}
		if tc.Kind == config.TrackerITU {
			return tracker.NewITUClient(udp), nil
		}
		return tracker.NewIViewXClient(udp), nil

	case config.TrackerSimulator:
		path, err := tracker.LoadPath(os.DirFS(filepath.Dir(tc.SimulationPath)), filepath.Base(tc.SimulationPath))
		if err != nil {
			return nil, err
		}
		return tracker.NewSimulator(tracker.SimulatorConfig{
			Path:              path,
			Jitter:            tc.Jitter,
			Interpolate:       tc.Interpolate,
			InterpolationStep: tc.GetInterpolationStep(),
			DwellOverride:     tc.GetDwell(),
			Filter:            sink,
			Stats:             stats,
		}), nil

	case config.TrackerPCAP:
		return tracker.NewPCAPReplayClient(tracker.PCAPConfig{
			File:     tc.PCAPFile,
			Port:     tc.LocalPort,
			Realtime: tc.PCAPRealtime,
			Speed:    tc.PCAPSpeed,
			Filter:   sink,
			Stats:    stats,
		}), nil

	case config.TrackerSerial:
		return tracker.NewSerialClient(tracker.SerialConfig{
			Device:     tc.SerialDevice,
			Options:    tracker.PortOptions{BaudRate: tc.BaudRate},
			SampleRate: tc.SampleRate,
			Filter:     sink,
			Stats:      stats,
		}), nil
	}
	return nil, fmt.Errorf("unknown tracker kind %q", tc.Kind)
}

// superviseTracker runs client until its input ends or ctx is done. When
// resumable, a loop that ends on a connection error (the tracker was toggled
// off, or the device did not answer) waits for the client to be connected
// again and resumes streaming.
func superviseTracker(ctx context.Context, client tracker.Client, resumable bool) error {
	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var connErr *tracker.ConnectionError
		if err == nil || !errors.As(err, &connErr) || !resumable {
			return err
		}

		monitoring.Logf("tracker stopped: %v; waiting for reconnect", err)
		if !waitForState(ctx, client, tracker.Streaming, resumePollPeriod) {
			return nil
		}
		monitoring.Logf("tracker reconnected, resuming stream")
	}
}

// waitForState polls until client reports want. It returns false if ctx ends
// first.
func waitForState(ctx context.Context, client tracker.Client, want tracker.State, every time.Duration) bool {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for client.State() != want {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// serveHTTP runs an HTTP server on addr until ctx is done, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("HTTP API listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
	}
	monitoring.Logf("HTTP server stopped")
	return nil
}
