package filter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// collector drains a filter's output channel on a background goroutine.
type collector struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	out []gaze.Sample
	err error
}

func collect(t *testing.T, f Filter) *collector {
	t.Helper()
	c := &collector{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.err = gaze.Consume(context.Background(), f.Channel(), func(s gaze.Sample) error {
			c.mu.Lock()
			c.out = append(c.out, s)
			c.mu.Unlock()
			return nil
		})
	}()
	return c
}

// finish closes the filter and returns everything the consumer saw.
func (c *collector) finish(t *testing.T, f Filter) []gaze.Sample {
	t.Helper()
	f.Close()
	c.wg.Wait()
	require.NoError(t, c.err)
	return c.out
}

func feed(t *testing.T, f Filter, samples ...gaze.Sample) {
	t.Helper()
	for _, s := range samples {
		require.NoError(t, f.Filter(s.X, s.Y))
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"":                       KindPassthrough,
		"none":                   KindPassthrough,
		"passthrough":            KindPassthrough,
		" Sliding_Window ":       KindSlidingWindow,
		"fixation_least_squares": KindFixationLeastSquares,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("kalman")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	f, err := New(KindPassthrough, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Passthrough{}, f)

	f, err = New(KindSlidingWindow, Options{WindowSize: 4})
	require.NoError(t, err)
	require.IsType(t, &SlidingWindowAverage{}, f)
	assert.Equal(t, 4, f.(*SlidingWindowAverage).WindowSize())

	f, err = New(KindFixationLeastSquares, Options{})
	require.NoError(t, err)
	require.IsType(t, &FixationAndLeastSquares{}, f)
	assert.Equal(t, DefaultFixationConfig(), f.(*FixationAndLeastSquares).Config())

	_, err = New(KindFixationLeastSquares, Options{Fixation: FixationConfig{Order: 3, SampleCount: 2}})
	assert.Error(t, err)

	_, err = New(Kind("bogus"), Options{})
	assert.Error(t, err)
}

func TestPassthrough_PublishesEverySample(t *testing.T) {
	f := NewPassthrough()
	c := collect(t, f)

	in := []gaze.Sample{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 3, Y: 4}, {X: -5, Y: 0}}
	feed(t, f, in...)

	assert.Equal(t, in, c.finish(t, f))
}

func TestPassthrough_FilterAfterClose(t *testing.T) {
	f := NewPassthrough()
	f.Close()
	assert.ErrorIs(t, f.Filter(1, 1), gaze.ErrChannelClosed)
}
