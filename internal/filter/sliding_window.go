package filter

import (
	"sync"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// DefaultWindowSize is used when a non-positive window size is configured.
const DefaultWindowSize = 25

// SlidingWindowAverage publishes the mean of the last WindowSize raw samples.
// A large window lags badly behind saccades, so keep it small relative to
// the tracker's sample rate.
type SlidingWindowAverage struct {
	base

	mu         sync.Mutex
	windowSize int
	window     []gaze.Sample
	sumX       int
	sumY       int
}

// NewSlidingWindowAverage returns a filter averaging over windowSize samples.
func NewSlidingWindowAverage(windowSize int) *SlidingWindowAverage {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &SlidingWindowAverage{base: newBase(), windowSize: windowSize}
}

// SetWindowSize changes the window. The running sums are not recomputed; the
// new size applies from the next sample onwards.
func (f *SlidingWindowAverage) SetWindowSize(size int) {
	if size <= 0 {
		size = 1
	}
	f.mu.Lock()
	f.windowSize = size
	f.mu.Unlock()
}

// WindowSize returns the configured window size.
func (f *SlidingWindowAverage) WindowSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowSize
}

func (f *SlidingWindowAverage) Filter(x, y int) error {
	f.mu.Lock()
	f.window = append(f.window, gaze.Sample{X: x, Y: y})
	f.sumX += x
	f.sumY += y

	for len(f.window) > f.windowSize {
		oldest := f.window[0]
		f.window = f.window[1:]
		f.sumX -= oldest.X
		f.sumY -= oldest.Y
	}

	count := float64(len(f.window))
	avgX := int(float64(f.sumX) / count)
	avgY := int(float64(f.sumY) / count)
	f.mu.Unlock()

	return f.publish(avgX, avgY)
}
