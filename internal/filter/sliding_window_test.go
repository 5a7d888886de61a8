package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

func TestSlidingWindow_ConstantInput(t *testing.T) {
	f := NewSlidingWindowAverage(5)
	c := collect(t, f)

	for i := 0; i < 12; i++ {
		feed(t, f, gaze.Sample{X: 640, Y: 480})
	}

	out := c.finish(t, f)
	assert.Len(t, out, 12)
	for _, s := range out {
		assert.Equal(t, gaze.Sample{X: 640, Y: 480}, s)
	}
}

func TestSlidingWindow_AlternatingConvergesToMidpoint(t *testing.T) {
	f := NewSlidingWindowAverage(4)
	c := collect(t, f)

	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			feed(t, f, gaze.Sample{X: 0, Y: 0})
		} else {
			feed(t, f, gaze.Sample{X: 100, Y: 200})
		}
	}

	out := c.finish(t, f)
	assert.Equal(t, []gaze.Sample{
		{X: 0, Y: 0},
		{X: 50, Y: 100},
		{X: 33, Y: 66},
		{X: 50, Y: 100},
		{X: 50, Y: 100},
		{X: 50, Y: 100},
		{X: 50, Y: 100},
		{X: 50, Y: 100},
	}, out)
}

func TestSlidingWindow_TruncatesTowardZero(t *testing.T) {
	f := NewSlidingWindowAverage(2)
	c := collect(t, f)

	feed(t, f, gaze.Sample{X: -1, Y: 1}, gaze.Sample{X: -2, Y: 2})

	out := c.finish(t, f)
	assert.Equal(t, gaze.Sample{X: -1, Y: 1}, out[1])
}

func TestSlidingWindow_ResizeAppliesFromNextSample(t *testing.T) {
	f := NewSlidingWindowAverage(4)
	c := collect(t, f)

	feed(t, f,
		gaze.Sample{X: 10, Y: 10},
		gaze.Sample{X: 20, Y: 20},
		gaze.Sample{X: 30, Y: 30},
		gaze.Sample{X: 40, Y: 40},
	)
	f.SetWindowSize(2)
	assert.Equal(t, 2, f.WindowSize())
	feed(t, f, gaze.Sample{X: 50, Y: 50})

	out := c.finish(t, f)
	assert.Equal(t, gaze.Sample{X: 25, Y: 25}, out[3])
	// window shrinks to the last two samples: (40+50)/2
	assert.Equal(t, gaze.Sample{X: 45, Y: 45}, out[4])
}

func TestSlidingWindow_NonPositiveSizes(t *testing.T) {
	assert.Equal(t, DefaultWindowSize, NewSlidingWindowAverage(0).WindowSize())
	assert.Equal(t, DefaultWindowSize, NewSlidingWindowAverage(-3).WindowSize())

	f := NewSlidingWindowAverage(3)
	f.SetWindowSize(0)
	assert.Equal(t, 1, f.WindowSize())
}
