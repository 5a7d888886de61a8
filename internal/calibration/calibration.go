// Package calibration drives an eye tracker through its calibration and
// validation exchange.
//
// A calibration run asks the device for its target points, shows each one
// through an Indicator, lets the device auto-advance after the first manual
// accept and finally samples four checkpoints to measure accuracy. The
// exchange runs synchronously on the caller's goroutine.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

var (
	// ErrNotConnected is returned by operations that need a bound socket.
	ErrNotConnected = errors.New("calibration: not connected")
	// ErrNoCalibrationPoints is returned when the device sent no usable
	// calibration points.
	ErrNoCalibrationPoints = errors.New("calibration: device sent no calibration points")
)

// State is the calibrator's position in the exchange.
type State int32

const (
	Idle State = iota
	Connected
	Configuring
	Calibrating
	Validating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Configuring:
		return "configuring"
	case Calibrating:
		return "calibrating"
	case Validating:
		return "validating"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Calibrator is implemented per device family.
type Calibrator interface {
	// Connect binds the local receive socket. No device traffic is sent.
	Connect(ctx context.Context) error
	// Calibrate runs the full point sequence and then validates once.
	Calibrate(ctx context.Context) (*Run, error)
	// Validate samples the four checkpoints.
	Validate(ctx context.Context) (*ValidationResult, error)
	// Disconnect stops the device and releases the socket. Idempotent.
	Disconnect() error
	// TestConnection pings the device and reports whether it answered.
	TestConnection(ctx context.Context) bool
	// Accept delivers the external accept signal for the first point.
	Accept()
	// State reports the current state.
	State() State
	// PointIndex is the index of the point currently shown.
	PointIndex() int
}

// Indicator shows calibration targets to the user.
type Indicator interface {
	// Show moves the target to p, the index-th calibration point.
	Show(index int, p gaze.Sample)
	// Done is called once the point sequence has ended.
	Done()
}

// NopIndicator ignores every call.
type NopIndicator struct{}

func (NopIndicator) Show(int, gaze.Sample) {}
func (NopIndicator) Done()                 {}

// Run is the outcome of one calibration.
type Run struct {
	Points     []gaze.Sample
	Validation *ValidationResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecorder persists completed runs.
type RunRecorder interface {
	RecordCalibration(ctx context.Context, device string, screen gaze.Sample, run *Run) error
}
