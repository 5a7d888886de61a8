package filter

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/regression"
)

// Defaults for FixationConfig.
const (
	DefaultDispersionThreshold = 50.0
	DefaultRegressionOrder     = 1
	DefaultSampleCount         = 6
	DefaultRedrawPoints        = 3
)

// FixationConfig parameterises FixationAndLeastSquares.
type FixationConfig struct {
	// Order of the polynomial fitted to a saccade batch (1 = linear).
	Order int `json:"order" toml:"order"`
	// SampleCount is the number of raw samples collected per saccade batch.
	SampleCount int `json:"sample_count" toml:"sample_count"`
	// DispersionThreshold is the radius in pixels around the anchor within
	// which samples count towards the current fixation.
	DispersionThreshold float64 `json:"dispersion_threshold" toml:"dispersion_threshold"`
	// RedrawPoints is the number of points published per saccade batch.
	RedrawPoints int `json:"redraw_points" toml:"redraw_points"`
}

// DefaultFixationConfig returns the reference parameters.
func DefaultFixationConfig() FixationConfig {
	return FixationConfig{
		Order:               DefaultRegressionOrder,
		SampleCount:         DefaultSampleCount,
		DispersionThreshold: DefaultDispersionThreshold,
		RedrawPoints:        DefaultRedrawPoints,
	}
}

// Validate reports whether c, with zero fields defaulted, is usable.
func (c FixationConfig) Validate() error {
	_, err := c.withDefaults()
	return err
}

// withDefaults fills zero fields and validates the result.
func (c FixationConfig) withDefaults() (FixationConfig, error) {
	if c.Order == 0 {
		c.Order = DefaultRegressionOrder
	}
	if c.SampleCount == 0 {
		c.SampleCount = DefaultSampleCount
	}
	if c.DispersionThreshold == 0 {
		c.DispersionThreshold = DefaultDispersionThreshold
	}
	if c.RedrawPoints == 0 {
		c.RedrawPoints = DefaultRedrawPoints
	}
	switch {
	case c.Order < 1:
		return c, fmt.Errorf("regression order must be at least 1, got %d", c.Order)
	case c.SampleCount < c.Order+1:
		return c, fmt.Errorf("sample count %d too small for order %d fit", c.SampleCount, c.Order)
	case c.DispersionThreshold < 0:
		return c, fmt.Errorf("dispersion threshold must be non-negative, got %f", c.DispersionThreshold)
	case c.RedrawPoints < 1:
		return c, fmt.Errorf("redraw points must be at least 1, got %d", c.RedrawPoints)
	}
	return c, nil
}

// FixationAndLeastSquares groups samples that stay within the dispersion
// threshold of the current anchor into a fixation and publishes nothing for
// them. Samples outside the threshold open a saccade batch; once SampleCount
// samples are buffered a polynomial is fitted and RedrawPoints points along it
// are published, the last one pinned to the final raw sample.
type FixationAndLeastSquares struct {
	base
	cfg FixationConfig

	// processing state, owned by the goroutine calling Filter
	mu      sync.Mutex
	anchor  gaze.Sample
	started bool
	batch   []regression.Point
	minX    float64
	maxX    float64

	// fixation history, guarded separately so readers are not held up by a
	// publish blocked on a slow consumer
	fixMu     sync.Mutex
	fixations []*gaze.Fixation
	current   *gaze.Fixation

	singular atomic.Uint64
}

// NewFixationAndLeastSquares validates cfg, filling zero fields with defaults.
func NewFixationAndLeastSquares(cfg FixationConfig) (*FixationAndLeastSquares, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &FixationAndLeastSquares{
		base:  newBase(),
		cfg:   cfg,
		batch: make([]regression.Point, 0, cfg.SampleCount),
	}, nil
}

// Config returns the effective configuration.
func (f *FixationAndLeastSquares) Config() FixationConfig {
	return f.cfg
}

func (f *FixationAndLeastSquares) Filter(x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sample := gaze.Sample{X: x, Y: y}

	if !f.started {
		f.started = true
		f.anchor = sample
		f.recordFixation(sample)
		return f.publish(x, y)
	}

	if len(f.batch) == 0 && f.anchor.Distance(sample) < f.cfg.DispersionThreshold {
		f.fixMu.Lock()
		if f.current != nil {
			f.current.Cycles++
		}
		f.fixMu.Unlock()
		return nil
	}

	return f.accumulate(sample)
}

// accumulate adds a saccade sample and flushes the batch once full.
func (f *FixationAndLeastSquares) accumulate(s gaze.Sample) error {
	px := float64(s.X)
	if len(f.batch) == 0 || px < f.minX {
		f.minX = px
	}
	if len(f.batch) == 0 || px > f.maxX {
		f.maxX = px
	}
	f.batch = append(f.batch, regression.Point{X: px, Y: float64(s.Y)})
	if len(f.batch) < f.cfg.SampleCount {
		return nil
	}

	batch := f.batch
	f.batch = make([]regression.Point, 0, f.cfg.SampleCount)

	fit, err := regression.Fit(batch, f.cfg.Order)
	if err != nil {
		if errors.Is(err, regression.ErrSingularMatrix) {
			f.singular.Add(1)
			monitoring.Logf("fixation filter: dropping saccade batch of %d samples: %v", len(batch), err)
			return nil
		}
		return err
	}

	first, last := batch[0], batch[len(batch)-1]
	step := (f.maxX - f.minX) / float64(f.cfg.RedrawPoints)
	xv := f.minX
	if first.X > last.X {
		xv = f.maxX
		step = -step
	}

	end := gaze.Sample{X: int(last.X), Y: int(last.Y)}
	for i := 0; i < f.cfg.RedrawPoints; i++ {
		p := end
		if i < f.cfg.RedrawPoints-1 {
			px, py := xv, fit.Eval(xv)
			xv += step
			if !finite(py) {
				continue
			}
			p = gaze.Sample{X: int(px), Y: int(py)}
		}
		if err := f.publish(p.X, p.Y); err != nil {
			return err
		}
	}

	f.anchor = end
	f.recordFixation(end)
	return nil
}

// recordFixation bumps an existing fixation at p or appends a new one.
func (f *FixationAndLeastSquares) recordFixation(p gaze.Sample) {
	f.fixMu.Lock()
	defer f.fixMu.Unlock()

	for _, fix := range f.fixations {
		if fix.Point == p {
			fix.Cycles++
			f.current = fix
			return
		}
	}
	fix := gaze.NewFixation(p)
	f.fixations = append(f.fixations, fix)
	f.current = fix
}

// CurrentFixation returns a copy of the fixation the gaze last settled on.
func (f *FixationAndLeastSquares) CurrentFixation() (gaze.Fixation, bool) {
	f.fixMu.Lock()
	defer f.fixMu.Unlock()
	return f.CurrentFixationLocked()
}

// Fixations returns a snapshot of the fixation history in creation order.
func (f *FixationAndLeastSquares) Fixations() []gaze.Fixation {
	f.fixMu.Lock()
	defer f.fixMu.Unlock()
	return f.snapshotLocked()
}

// LockFixationList blocks filter writes to the fixation history until
// UnlockFixationList is called. Use FixationsLocked and
// CurrentFixationLocked inside the section for a consistent view.
func (f *FixationAndLeastSquares) LockFixationList() {
	f.fixMu.Lock()
}

// UnlockFixationList ends a section started by LockFixationList.
func (f *FixationAndLeastSquares) UnlockFixationList() {
	f.fixMu.Unlock()
}

// FixationsLocked returns the history without taking the lock. The caller
// must hold LockFixationList.
func (f *FixationAndLeastSquares) FixationsLocked() []gaze.Fixation {
	return f.snapshotLocked()
}

// CurrentFixationLocked is CurrentFixation for a caller holding
// LockFixationList.
func (f *FixationAndLeastSquares) CurrentFixationLocked() (gaze.Fixation, bool) {
	if f.current == nil {
		return gaze.Fixation{}, false
	}
	return *f.current, true
}

func (f *FixationAndLeastSquares) snapshotLocked() []gaze.Fixation {
	out := make([]gaze.Fixation, len(f.fixations))
	for i, fix := range f.fixations {
		out[i] = *fix
	}
	return out
}

// DroppedBatches returns how many saccade batches were discarded because
// their x values were degenerate. Safe to call while Filter is blocked
// publishing.
func (f *FixationAndLeastSquares) DroppedBatches() uint64 {
	return f.singular.Load()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
