package gaze

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_PreservesOrderUnderConcurrency(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	const n = 2000

	want := make([]Sample, n)
	for i := range want {
		want[i] = Sample{X: i, Y: n - i}
	}

	errc := make(chan error, 1)
	go func() {
		for _, s := range want {
			if err := ch.Publish(s); err != nil {
				errc <- err
				return
			}
		}
		ch.Close()
		errc <- nil
	}()

	var got []Sample
	err := Consume(context.Background(), ch, func(s Sample) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-errc)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("consumer output mismatch (-want +got):\n%s", diff)
	}
	stats := ch.Stats()
	assert.Equal(t, uint64(n), stats.Published)
	assert.Equal(t, uint64(n), stats.Taken)
}

func TestChannel_PublishBlocksUntilTaken(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	require.NoError(t, ch.Publish(Sample{X: 1, Y: 1}))

	second := make(chan error, 1)
	go func() { second <- ch.Publish(Sample{X: 2, Y: 2}) }()

	select {
	case <-second:
		t.Fatal("second publish returned before the first sample was consumed")
	case <-time.After(50 * time.Millisecond):
	}

	s, err := ch.Take()
	require.NoError(t, err)
	assert.Equal(t, Sample{X: 1, Y: 1}, s)

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second publish did not unblock after take")
	}

	s, err = ch.Take()
	require.NoError(t, err)
	assert.Equal(t, Sample{X: 2, Y: 2}, s)
}

func TestChannel_CloseUnblocksConsumer(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	done := make(chan error, 1)
	go func() {
		_, err := ch.Take()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer still blocked after close")
	}
}

func TestChannel_CloseUnblocksProducer(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	require.NoError(t, ch.Publish(Sample{X: 1}))

	done := make(chan error, 1)
	go func() { done <- ch.Publish(Sample{X: 2}) }()

	time.Sleep(20 * time.Millisecond)
	ch.Close()
	ch.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after close")
	}
	assert.True(t, ch.Closed())
}

func TestChannel_PendingSampleSurvivesClose(t *testing.T) {
	ch := NewChannel()
	require.NoError(t, ch.Publish(Sample{X: 7, Y: 9}))
	ch.Close()

	s, err := ch.Take()
	require.NoError(t, err)
	assert.Equal(t, Sample{X: 7, Y: 9}, s)

	_, err = ch.Take()
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, ch.Publish(Sample{}), ErrChannelClosed)
}

func TestChannel_TakeContextCancelled(t *testing.T) {
	ch := NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.TakeContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ch.Closed())
}

func TestConsume_StopsOnHandlerError(t *testing.T) {
	ch := NewChannel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ch.Publish(Sample{X: 1})
		_ = ch.Publish(Sample{X: 2})
	}()

	boom := errors.New("render failed")
	err := Consume(context.Background(), ch, func(Sample) error { return boom })
	assert.ErrorIs(t, err, boom)

	ch.Close()
	wg.Wait()
}

func TestSample_Distance(t *testing.T) {
	assert.Equal(t, 5.0, Sample{X: 0, Y: 0}.Distance(Sample{X: 3, Y: 4}))
	assert.Equal(t, "(3,4)", Sample{X: 3, Y: 4}.String())
	assert.Equal(t, 1, NewFixation(Sample{}).Cycles)
}
