package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

func newFixationFilter(t *testing.T) *FixationAndLeastSquares {
	t.Helper()
	f, err := NewFixationAndLeastSquares(FixationConfig{})
	require.NoError(t, err)
	return f
}

func assertNear(t *testing.T, want, got gaze.Sample) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1, "x of %v vs %v", got, want)
	assert.InDelta(t, want.Y, got.Y, 1, "y of %v vs %v", got, want)
}

func TestFixation_FirstSamplePublishedAndAnchored(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)

	feed(t, f,
		gaze.Sample{X: 100, Y: 100},
		gaze.Sample{X: 110, Y: 100},
		gaze.Sample{X: 105, Y: 105},
		gaze.Sample{X: 90, Y: 130},
	)

	out := c.finish(t, f)
	assert.Equal(t, []gaze.Sample{{X: 100, Y: 100}}, out)

	cur, ok := f.CurrentFixation()
	require.True(t, ok)
	assert.Equal(t, gaze.Fixation{Point: gaze.Sample{X: 100, Y: 100}, Cycles: 4}, cur)
	assert.Len(t, f.Fixations(), 1)
}

func TestFixation_NoFixationBeforeFirstSample(t *testing.T) {
	f := newFixationFilter(t)
	_, ok := f.CurrentFixation()
	assert.False(t, ok)
	assert.Empty(t, f.Fixations())
}

func TestFixation_SaccadeRedrawsAlongFit(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)

	feed(t, f, gaze.Sample{X: 100, Y: 100})
	feed(t, f,
		gaze.Sample{X: 200, Y: 100},
		gaze.Sample{X: 210, Y: 110},
		gaze.Sample{X: 220, Y: 120},
		gaze.Sample{X: 230, Y: 130},
		gaze.Sample{X: 240, Y: 140},
	)
	assert.Len(t, f.Fixations(), 1, "batch not yet full")

	feed(t, f, gaze.Sample{X: 250, Y: 150})
	// within threshold of the new anchor
	feed(t, f, gaze.Sample{X: 260, Y: 150})

	out := c.finish(t, f)
	require.Len(t, out, 1+DefaultRedrawPoints)
	assertNear(t, gaze.Sample{X: 200, Y: 100}, out[1])
	assertNear(t, gaze.Sample{X: 216, Y: 116}, out[2])
	assert.Equal(t, gaze.Sample{X: 250, Y: 150}, out[3], "last redraw point is the last raw sample")

	assert.Equal(t, []gaze.Fixation{
		{Point: gaze.Sample{X: 100, Y: 100}, Cycles: 1},
		{Point: gaze.Sample{X: 250, Y: 150}, Cycles: 2},
	}, f.Fixations())
}

func TestFixation_LeftwardSaccadeStartsAtMax(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)

	feed(t, f, gaze.Sample{X: 400, Y: 100})
	feed(t, f,
		gaze.Sample{X: 340, Y: 100},
		gaze.Sample{X: 320, Y: 100},
		gaze.Sample{X: 300, Y: 100},
		gaze.Sample{X: 280, Y: 100},
		gaze.Sample{X: 260, Y: 100},
		gaze.Sample{X: 250, Y: 100},
	)

	out := c.finish(t, f)
	require.Len(t, out, 4)
	assertNear(t, gaze.Sample{X: 340, Y: 100}, out[1])
	assertNear(t, gaze.Sample{X: 310, Y: 100}, out[2])
	assert.Equal(t, gaze.Sample{X: 250, Y: 100}, out[3])
}

func TestFixation_ReturningToFixationIncrementsIt(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)

	feed(t, f, gaze.Sample{X: 100, Y: 100})
	feed(t, f,
		gaze.Sample{X: 200, Y: 100},
		gaze.Sample{X: 220, Y: 100},
		gaze.Sample{X: 240, Y: 100},
		gaze.Sample{X: 260, Y: 100},
		gaze.Sample{X: 280, Y: 100},
		gaze.Sample{X: 300, Y: 100},
	)
	feed(t, f,
		gaze.Sample{X: 240, Y: 100},
		gaze.Sample{X: 200, Y: 100},
		gaze.Sample{X: 160, Y: 100},
		gaze.Sample{X: 130, Y: 100},
		gaze.Sample{X: 110, Y: 100},
		gaze.Sample{X: 100, Y: 100},
	)

	out := c.finish(t, f)
	assert.Len(t, out, 1+2*DefaultRedrawPoints)
	assert.Equal(t, gaze.Sample{X: 100, Y: 100}, out[len(out)-1])

	fixations := f.Fixations()
	require.Len(t, fixations, 2)
	assert.Equal(t, gaze.Fixation{Point: gaze.Sample{X: 100, Y: 100}, Cycles: 2}, fixations[0])
	assert.Equal(t, gaze.Fixation{Point: gaze.Sample{X: 300, Y: 100}, Cycles: 1}, fixations[1])

	cur, ok := f.CurrentFixation()
	require.True(t, ok)
	assert.Equal(t, gaze.Sample{X: 100, Y: 100}, cur.Point)
}

func TestFixation_SingularBatchDropped(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)

	feed(t, f, gaze.Sample{X: 100, Y: 100})
	for i := 0; i < DefaultSampleCount; i++ {
		feed(t, f, gaze.Sample{X: 100, Y: 300 + i})
	}
	// anchor is unchanged, so this counts towards the first fixation
	feed(t, f, gaze.Sample{X: 100, Y: 105})

	out := c.finish(t, f)
	assert.Equal(t, []gaze.Sample{{X: 100, Y: 100}}, out)
	assert.Equal(t, uint64(1), f.DroppedBatches())
	assert.Equal(t, []gaze.Fixation{{Point: gaze.Sample{X: 100, Y: 100}, Cycles: 2}}, f.Fixations())
}

func TestFixation_DroppedBatchesWhilePublishBlocked(t *testing.T) {
	f := newFixationFilter(t)

	// no consumer: the first sample fills the slot and the next publish blocks
	feed(t, f, gaze.Sample{X: 100, Y: 100})
	for i := 0; i < DefaultSampleCount; i++ {
		feed(t, f, gaze.Sample{X: 100, Y: 300 + i})
	}

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		for i := 0; i < DefaultSampleCount; i++ {
			if err := f.Filter(400+20*i, 400); err != nil {
				return
			}
		}
	}()
	require.Never(t, func() bool {
		select {
		case <-blocked:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "publish should wait for a consumer")

	got := make(chan uint64, 1)
	go func() { got <- f.DroppedBatches() }()
	select {
	case n := <-got:
		assert.Equal(t, uint64(1), n)
	case <-time.After(time.Second):
		t.Fatal("DroppedBatches waited on a blocked publish")
	}

	f.Close()
	<-blocked
}

func TestFixation_LockedSnapshot(t *testing.T) {
	f := newFixationFilter(t)
	c := collect(t, f)
	feed(t, f, gaze.Sample{X: 1, Y: 1})

	f.LockFixationList()
	list := f.FixationsLocked()
	cur, ok := f.CurrentFixationLocked()
	f.UnlockFixationList()

	require.Len(t, list, 1)
	require.True(t, ok)
	assert.Equal(t, list[0], cur)
	list[0].Cycles = 99
	assert.Equal(t, 1, f.Fixations()[0].Cycles, "snapshot must not alias filter state")
	c.finish(t, f)
}

func TestFixationConfig_Validation(t *testing.T) {
	cfg, err := FixationConfig{}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, DefaultFixationConfig(), cfg)

	bad := []FixationConfig{
		{Order: -1},
		{Order: 2, SampleCount: 2},
		{DispersionThreshold: -1},
		{RedrawPoints: -2},
	}
	for _, c := range bad {
		_, err := NewFixationAndLeastSquares(c)
		assert.Error(t, err, "%+v", c)
	}
}
