// Package filter smooths raw tracker samples before they reach a consumer.
//
// Every filter owns a gaze.Channel. Filter(x, y) runs the variant's logic for
// one raw sample and publishes zero or more smoothed samples; each publish
// waits for the consumer to take the previous one, so Filter itself blocks the
// acquisition loop while the consumer catches up.
package filter

import (
	"fmt"
	"strings"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// Filter is implemented by every smoothing variant.
type Filter interface {
	// Filter accepts one raw sample. It returns gaze.ErrChannelClosed once
	// the output channel has been closed.
	Filter(x, y int) error
	// Channel is the output the consumer reads from.
	Channel() *gaze.Channel
	// Close closes the output channel, unblocking producer and consumer.
	Close()
}

// Kind names a filter variant in configuration.
type Kind string

const (
	KindPassthrough          Kind = "passthrough"
	KindSlidingWindow        Kind = "sliding_window"
	KindFixationLeastSquares Kind = "fixation_least_squares"
)

// ParseKind normalises a configured filter name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindPassthrough, KindSlidingWindow, KindFixationLeastSquares:
		return k, nil
	case "", "none":
		return KindPassthrough, nil
	}
	return "", fmt.Errorf("unknown filter kind %q", s)
}

// Options configures New. Fields irrelevant to the chosen kind are ignored.
type Options struct {
	WindowSize int
	Fixation   FixationConfig
}

// New builds a filter of the given kind with its own output channel.
func New(kind Kind, opts Options) (Filter, error) {
	switch kind {
	case KindPassthrough:
		return NewPassthrough(), nil
	case KindSlidingWindow:
		return NewSlidingWindowAverage(opts.WindowSize), nil
	case KindFixationLeastSquares:
		return NewFixationAndLeastSquares(opts.Fixation)
	}
	return nil, fmt.Errorf("unknown filter kind %q", kind)
}

// base carries the output channel shared by all variants.
type base struct {
	out *gaze.Channel
}

func newBase() base {
	return base{out: gaze.NewChannel()}
}

func (b *base) Channel() *gaze.Channel { return b.out }

func (b *base) Close() { b.out.Close() }

func (b *base) publish(x, y int) error {
	return b.out.Publish(gaze.Sample{X: x, Y: y})
}
