// Package tracker acquires raw gaze samples from eye-tracking devices and
// feeds them into a filter.
//
// Each Client owns its transport (UDP socket, serial port, capture file or a
// simulated path) and an acquisition loop started with Run. The loop parses
// every packet into a sample and calls Filter on the configured filter, which
// in turn blocks until the downstream consumer has taken the previous sample.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client is implemented by every tracker variant.
type Client interface {
	// Connect binds the transport and performs any device handshake. On
	// failure the client is left Disconnected and a *ConnectionError is
	// returned.
	Connect(ctx context.Context) error
	// Disconnect stops the device stream if applicable and releases the
	// transport. Calling it on a disconnected client is a no-op.
	Disconnect() error
	// Toggle connects a disconnected client and disconnects any other.
	Toggle(ctx context.Context) error
	// Run connects if needed and then feeds samples to the filter until
	// RequestStop, context cancellation, end of input or a closed filter.
	Run(ctx context.Context) error
	// RequestStop asks a running loop to exit before handling another sample.
	RequestStop()
	// State reports the lifecycle state.
	State() State
}

// Sink receives parsed samples. filter.Filter satisfies it.
type Sink interface {
	Filter(x, y int) error
}

// ErrNoSink is returned by Run when a client was built without a filter.
var ErrNoSink = errors.New("tracker: no filter configured")

// ConnectionError reports a failed bind or handshake.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tracker %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports a packet that could not be turned into a sample.
type ParseError struct {
	Packet string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("tracker: cannot parse %q: %s", e.Packet, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// lifecycle holds the state and stop flag shared by all variants.
type lifecycle struct {
	state atomic.Int32

	mu     sync.Mutex
	stop   bool
	cancel context.CancelFunc
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

func (l *lifecycle) setState(s State) { l.state.Store(int32(s)) }

// RequestStop marks the loop for exit and interrupts any blocking read.
func (l *lifecycle) RequestStop() {
	l.mu.Lock()
	l.stop = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// begin derives the loop context. A stop requested before Run makes the loop
// exit immediately.
func (l *lifecycle) begin(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	if l.stop {
		cancel()
	}
	l.mu.Unlock()
	return ctx
}

// end clears the stop request and reports whether the loop was stopped by it.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	stopped := l.stop
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.stop = false
	return stopped
}

// loopResult converts the loop's exit error into Run's return value. A
// cooperative stop is not an error; parent cancellation is.
func loopResult(parent context.Context, stopped bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && stopped && parent.Err() == nil {
		return nil
	}
	return err
}
