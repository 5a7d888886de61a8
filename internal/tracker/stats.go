package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/timeutil"
)

// StreamStats tracks acquisition statistics with thread-safe operations.
// Interval counters reset on every LogStats; totals and the inter-arrival
// digest cover the whole session.
type StreamStats struct {
	mu    sync.Mutex
	clock timeutil.Clock

	packets  int64
	samples  int64
	rejected int64
	bytes    int64

	totalPackets  int64
	totalSamples  int64
	totalRejected int64

	interArrival *tdigest.TDigest
	lastPacket   time.Time
	lastReset    time.Time
}

// StatsSnapshot is a point-in-time copy of the session totals.
type StatsSnapshot struct {
	Packets  int64 `json:"packets"`
	Samples  int64 `json:"samples"`
	Rejected int64 `json:"rejected"`
	// Inter-arrival quantiles in milliseconds. Zero until two packets arrive.
	P50Millis float64 `json:"p50_ms"`
	P95Millis float64 `json:"p95_ms"`
	P99Millis float64 `json:"p99_ms"`
}

// NewStreamStats creates stats using the real clock.
func NewStreamStats() *StreamStats {
	return NewStreamStatsWithClock(timeutil.RealClock{})
}

// NewStreamStatsWithClock creates stats timed by clock.
func NewStreamStatsWithClock(clock timeutil.Clock) *StreamStats {
	return &StreamStats{
		clock:        clock,
		interArrival: tdigest.NewWithCompression(50),
		lastReset:    clock.Now(),
	}
}

// AddPacket records a received packet of the given size.
func (s *StreamStats) AddPacket(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.lastPacket.IsZero() {
		if gap := now.Sub(s.lastPacket); gap > 0 {
			s.interArrival.Add(float64(gap)/float64(time.Millisecond), 1)
		}
	}
	s.lastPacket = now
	s.packets++
	s.totalPackets++
	s.bytes += int64(bytes)
}

// AddSample records a packet that parsed into a sample.
func (s *StreamStats) AddSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	s.totalSamples++
}

// AddRejected records a packet that failed to parse.
func (s *StreamStats) AddRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
	s.totalRejected++
}

// Snapshot returns the session totals.
func (s *StreamStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Packets:  s.totalPackets,
		Samples:  s.totalSamples,
		Rejected: s.totalRejected,
	}
	if s.interArrival.Count() > 0 {
		snap.P50Millis = s.interArrival.Quantile(0.50)
		snap.P95Millis = s.interArrival.Quantile(0.95)
		snap.P99Millis = s.interArrival.Quantile(0.99)
	}
	return snap
}

// LogStats logs the per-second rates since the previous call and resets the
// interval counters.
func (s *StreamStats) LogStats() {
	s.mu.Lock()
	now := s.clock.Now()
	duration := now.Sub(s.lastReset)
	packets, samples, rejected, bytes := s.packets, s.samples, s.rejected, s.bytes
	s.packets, s.samples, s.rejected, s.bytes = 0, 0, 0, 0
	s.lastReset = now
	s.mu.Unlock()

	if packets == 0 || duration <= 0 {
		return
	}
	secs := duration.Seconds()
	msg := fmt.Sprintf("Gaze stats (/sec): %.1f packets, %.1f samples, %.0f bytes",
		float64(packets)/secs, float64(samples)/secs, float64(bytes)/secs)
	if rejected > 0 {
		msg += fmt.Sprintf(", %d rejected", rejected)
	}
	if snap := s.Snapshot(); snap.P50Millis > 0 {
		msg += fmt.Sprintf(", inter-arrival p50 %.1fms p95 %.1fms p99 %.1fms",
			snap.P50Millis, snap.P95Millis, snap.P99Millis)
	}
	monitoring.Logf("%s", msg)
}

// logPeriodically calls LogStats every interval until ctx is done.
func (s *StreamStats) logPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.LogStats()
		}
	}
}
