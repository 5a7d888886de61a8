package tracker

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/timeutil"
)

func TestParsePath(t *testing.T) {
	input := `# calibration sweep
100,100,50

 200, 100 ,50
`
	got, err := ParsePath(strings.NewReader(input))
	require.NoError(t, err)
	want := []PathEntry{
		{Point: gaze.Sample{X: 100, Y: 100}, Duration: 50 * time.Millisecond},
		{Point: gaze.Sample{X: 200, Y: 100}, Duration: 50 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePath_Errors(t *testing.T) {
	for input, wantLine := range map[string]string{
		"1,2\n":             "line 1",
		"1,2,3\n1,x,3\n":    "line 2",
		"\n\n1,2,-5\n":      "line 3",
		"1,2,3,4\n":         "line 1",
	} {
		_, err := ParsePath(strings.NewReader(input))
		require.Error(t, err, input)
		assert.Contains(t, err.Error(), wantLine, input)
	}
}

func TestLoadPath(t *testing.T) {
	fsys := fstest.MapFS{
		"paths/sweep.csv": {Data: []byte("10,20,30\n")},
	}
	got, err := LoadPath(fsys, "paths/sweep.csv")
	require.NoError(t, err)
	assert.Equal(t, []PathEntry{{Point: gaze.Sample{X: 10, Y: 20}, Duration: 30 * time.Millisecond}}, got)

	_, err = LoadPath(fsys, "paths/missing.csv")
	assert.Error(t, err)
}

func TestInterpolate(t *testing.T) {
	path := []PathEntry{
		{Point: gaze.Sample{X: 0, Y: 0}, Duration: 40 * time.Millisecond},
		{Point: gaze.Sample{X: 100, Y: 200}, Duration: 10 * time.Millisecond},
	}
	got := Interpolate(path, 10*time.Millisecond)
	want := []PathEntry{
		{Point: gaze.Sample{X: 0, Y: 0}, Duration: 10 * time.Millisecond},
		{Point: gaze.Sample{X: 25, Y: 50}, Duration: 10 * time.Millisecond},
		{Point: gaze.Sample{X: 50, Y: 100}, Duration: 10 * time.Millisecond},
		{Point: gaze.Sample{X: 75, Y: 150}, Duration: 10 * time.Millisecond},
		{Point: gaze.Sample{X: 100, Y: 200}, Duration: 10 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("interpolation mismatch (-want +got):\n%s", diff)
	}

	var total time.Duration
	for _, e := range got {
		total += e.Duration
	}
	assert.Equal(t, 50*time.Millisecond, total, "interpolation preserves the timeline")

	assert.Equal(t, path, Interpolate(path, 0))
}

func TestSimulator_ReplaysPathWithDwell(t *testing.T) {
	path, err := ParsePath(strings.NewReader("100,100,50\n200,100,50\n"))
	require.NoError(t, err)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sink := newRecordingSink()
	sim := NewSimulator(SimulatorConfig{Path: path, Filter: sink, Clock: clock})

	require.NoError(t, sim.Run(context.Background()))

	assert.Equal(t, []gaze.Sample{{X: 100, Y: 100}, {X: 200, Y: 100}}, sink.Samples())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, Disconnected, sim.State())
	assert.Equal(t, int64(2), sim.cfg.Stats.Snapshot().Samples)
}

func TestSimulator_JitterStaysInRange(t *testing.T) {
	path := make([]PathEntry, 200)
	for i := range path {
		path[i] = PathEntry{Point: gaze.Sample{X: 500, Y: 500}}
	}
	sim := NewSimulator(SimulatorConfig{
		Path:   path,
		Jitter: 5,
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})

	moved := false
	for _, e := range sim.Schedule() {
		assert.InDelta(t, 500, e.Point.X, 5)
		assert.InDelta(t, 500, e.Point.Y, 5)
		if e.Point != (gaze.Sample{X: 500, Y: 500}) {
			moved = true
		}
	}
	assert.True(t, moved)
}

func TestSimulator_DwellOverrideAndInterpolation(t *testing.T) {
	path := []PathEntry{
		{Point: gaze.Sample{X: 0, Y: 0}, Duration: 20 * time.Millisecond},
		{Point: gaze.Sample{X: 10, Y: 0}, Duration: 20 * time.Millisecond},
	}
	sim := NewSimulator(SimulatorConfig{
		Path:              path,
		Interpolate:       true,
		InterpolationStep: 10 * time.Millisecond,
		DwellOverride:     time.Millisecond,
	})
	sched := sim.Schedule()
	require.Len(t, sched, 3)
	assert.Equal(t, gaze.Sample{X: 5, Y: 0}, sched[1].Point)
	for _, e := range sched {
		assert.Equal(t, time.Millisecond, e.Duration)
	}
}

func TestSimulator_RequestStop(t *testing.T) {
	path := make([]PathEntry, 1000)
	for i := range path {
		path[i] = PathEntry{Point: gaze.Sample{X: i, Y: i}, Duration: time.Millisecond}
	}
	sink := newRecordingSink()
	sink.arrived = make(chan struct{}, len(path))
	sim := NewSimulator(SimulatorConfig{Path: path, Filter: sink})

	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background()) }()
	sink.wait(t, 3)
	sim.RequestStop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator ignored RequestStop")
	}
	assert.Less(t, len(sink.Samples()), len(path))
}

func TestSimulator_ConnectToggle(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	require.NoError(t, sim.Toggle(context.Background()))
	assert.Equal(t, Streaming, sim.State())
	require.NoError(t, sim.Toggle(context.Background()))
	assert.Equal(t, Disconnected, sim.State())
	assert.ErrorIs(t, sim.Run(context.Background()), ErrNoSink)
}
