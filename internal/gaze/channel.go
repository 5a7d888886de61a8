package gaze

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Publish and Take once Close has been called.
// It signals a cooperative shutdown rather than a fault.
var ErrChannelClosed = errors.New("gaze channel closed")

// Channel is a single-slot rendezvous cell between one producer (a filter)
// and one consumer. Publish blocks until the previously published sample has
// been taken, so the producer runs at the consumer's pace and no sample is
// overwritten before it is read.
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	sample       Sample
	available    bool
	consumerDone bool
	closed       bool

	published uint64
	taken     uint64
}

// NewChannel returns an empty, open channel.
func NewChannel() *Channel {
	c := &Channel{consumerDone: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Publish stores s once the previous sample has been consumed and wakes the
// consumer. It returns ErrChannelClosed if the channel is closed before or
// while waiting.
func (c *Channel) Publish(s Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.consumerDone && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return ErrChannelClosed
	}

	c.sample = s
	c.available = true
	c.consumerDone = false
	c.published++
	c.cond.Broadcast()
	return nil
}

// Take blocks until a sample is available, returns it and marks it consumed.
// A sample published before Close is still delivered; after that Take
// returns ErrChannelClosed.
func (c *Channel) Take() (Sample, error) {
	return c.TakeContext(context.Background())
}

// TakeContext is Take with cancellation. When ctx is done before a sample
// arrives it returns ctx.Err().
func (c *Channel) TakeContext(ctx context.Context) (Sample, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.available && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if !c.available {
		if c.closed {
			return Sample{}, ErrChannelClosed
		}
		return Sample{}, ctx.Err()
	}

	s := c.sample
	c.available = false
	c.consumerDone = true
	c.taken++
	c.cond.Broadcast()
	return s, nil
}

// Close marks the channel closed and wakes every blocked producer and
// consumer. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ChannelStats is a point-in-time view of a channel's counters.
type ChannelStats struct {
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Pending   bool   `json:"pending"`
	Closed    bool   `json:"closed"`
}

// Stats returns the channel counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStats{
		Published: c.published,
		Taken:     c.taken,
		Pending:   c.available,
		Closed:    c.closed,
	}
}
