package tracker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/timeutil"
)

// DefaultInterpolationStep spaces interpolated simulator points.
const DefaultInterpolationStep = 10 * time.Millisecond

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Path []PathEntry
	// Jitter displaces every point by a uniform offset in [-Jitter, +Jitter]
	// on each axis.
	Jitter int
	// Interpolate inserts points between path entries every
	// InterpolationStep.
	Interpolate       bool
	InterpolationStep time.Duration
	// DwellOverride replaces every entry's duration when positive.
	DwellOverride time.Duration

	Filter Sink
	Stats  *StreamStats
	Clock  timeutil.Clock
	// Rand drives jitter; seeded from the runtime when nil.
	Rand *rand.Rand
}

// Simulator replays a recorded gaze path as if it came from a device.
type Simulator struct {
	lifecycle
	cfg SimulatorConfig
}

// NewSimulator builds a simulator over cfg.Path.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStreamStatsWithClock(cfg.Clock)
	}
	if cfg.InterpolationStep <= 0 {
		cfg.InterpolationStep = DefaultInterpolationStep
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{cfg: cfg}
}

// Schedule returns the entries Run will emit, after interpolation, dwell
// override and jitter.
func (s *Simulator) Schedule() []PathEntry {
	path := s.cfg.Path
	if s.cfg.Interpolate {
		path = Interpolate(path, s.cfg.InterpolationStep)
	}
	out := make([]PathEntry, len(path))
	for i, e := range path {
		if s.cfg.DwellOverride > 0 {
			e.Duration = s.cfg.DwellOverride
		}
		if j := s.cfg.Jitter; j > 0 {
			e.Point = gaze.Sample{
				X: e.Point.X + s.cfg.Rand.IntN(2*j+1) - j,
				Y: e.Point.Y + s.cfg.Rand.IntN(2*j+1) - j,
			}
		}
		out[i] = e
	}
	return out
}

// Connect only marks the simulator as streaming.
func (s *Simulator) Connect(context.Context) error {
	s.setState(Streaming)
	return nil
}

// Disconnect only marks the simulator as disconnected.
func (s *Simulator) Disconnect() error {
	s.setState(Disconnected)
	return nil
}

func (s *Simulator) Toggle(ctx context.Context) error {
	if s.State() == Disconnected {
		return s.Connect(ctx)
	}
	return s.Disconnect()
}

// Run emits each scheduled point and then rests on it for its duration.
// It returns nil once the path is exhausted.
func (s *Simulator) Run(ctx context.Context) error {
	if s.cfg.Filter == nil {
		return ErrNoSink
	}
	s.Connect(ctx)
	loopCtx := s.begin(ctx)

	err := s.replay(loopCtx)
	stopped := s.end()
	s.Disconnect()
	return loopResult(ctx, stopped, err)
}

func (s *Simulator) replay(ctx context.Context) error {
	schedule := s.Schedule()
	monitoring.Logf("Simulator replaying %d gaze points", len(schedule))
	for _, e := range schedule {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cfg.Stats.AddPacket(0)
		s.cfg.Stats.AddSample()
		if err := s.cfg.Filter.Filter(e.Point.X, e.Point.Y); err != nil {
			if errors.Is(err, gaze.ErrChannelClosed) {
				return nil
			}
			return err
		}
		if err := s.cfg.Clock.Sleep(ctx, e.Duration); err != nil {
			return err
		}
	}
	return nil
}
