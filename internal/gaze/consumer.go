package gaze

import (
	"context"
	"errors"
)

// Consume takes samples from ch and hands each to fn until the channel is
// closed, ctx is done, or fn returns an error. A closed channel ends the loop
// with a nil error.
func Consume(ctx context.Context, ch *Channel, fn func(Sample) error) error {
	for {
		s, err := ch.TakeContext(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
}
