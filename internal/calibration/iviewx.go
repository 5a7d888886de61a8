package calibration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/timeutil"
	"github.com/banshee-data/gaze.report/internal/tracker"
)

// iViewX calibration commands and replies.
const (
	cmdScreenSize      = "ET_CSZ"
	cmdCalibParam      = "ET_CPA"
	cmdCalibrate       = "ET_CAL"
	cmdAccept          = "ET_ACC"
	cmdValidate        = "ET_VAL"
	replyPoint         = "ET_PNT"
	replyChange        = "ET_CHG"
	replyFinished      = "ET_FIN"
	cmdValidationReply = "ET_VLS"

	// calibParamAutoAccept enables automatic acceptance after the first
	// point.
	calibParamAutoAccept = "2 1"
)

// Defaults for Config.
const (
	DefaultScreenWidth  = 1920
	DefaultScreenHeight = 1080
	DefaultPointCount   = 9
	DefaultPingTimeout  = 10 * time.Second
)

var errReplyTimeout = errors.New("no reply from device")

// Config configures an IViewXCalibrator.
type Config struct {
	// DeviceAddr is host:port of the device command port.
	DeviceAddr string
	// LocalPort receives device replies.
	LocalPort    int
	ScreenWidth  int
	ScreenHeight int
	// DisplayIndex selects the monitor the Indicator draws on.
	DisplayIndex int
	PointCount   int
	// PingTimeout bounds TestConnection.
	PingTimeout time.Duration
	// ReplyTimeout bounds each reply wait during configuration,
	// calibration and validation. Zero waits for as long as ctx allows.
	ReplyTimeout time.Duration

	Indicator Indicator
	Recorder  RunRecorder
	Sockets   tracker.UDPSocketFactory
	Clock     timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.DeviceAddr == "" {
		c.DeviceAddr = net.JoinHostPort(tracker.DefaultDeviceHost, strconv.Itoa(tracker.DefaultDevicePort))
	}
	if c.LocalPort == 0 {
		c.LocalPort = tracker.DefaultLocalPort
	}
	if c.ScreenWidth <= 0 {
		c.ScreenWidth = DefaultScreenWidth
	}
	if c.ScreenHeight <= 0 {
		c.ScreenHeight = DefaultScreenHeight
	}
	if c.PointCount <= 0 {
		c.PointCount = DefaultPointCount
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.Indicator == nil {
		c.Indicator = NopIndicator{}
	}
	if c.Sockets == nil {
		c.Sockets = tracker.RealUDPSocketFactory{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// IViewXCalibrator runs the SMI iViewX remote calibration exchange.
type IViewXCalibrator struct {
	cfg    Config
	state  atomic.Int32
	index  atomic.Int32
	accept chan struct{}

	mu     sync.Mutex
	sock   tracker.UDPSocket
	device *net.UDPAddr
	buf    []byte
}

// NewIViewXCalibrator builds a calibrator; Connect must be called first.
func NewIViewXCalibrator(cfg Config) *IViewXCalibrator {
	return &IViewXCalibrator{
		cfg:    cfg.withDefaults(),
		accept: make(chan struct{}, 1),
		buf:    make([]byte, 2048),
	}
}

func (c *IViewXCalibrator) State() State { return State(c.state.Load()) }

func (c *IViewXCalibrator) setState(s State) { c.state.Store(int32(s)) }

func (c *IViewXCalibrator) PointIndex() int { return int(c.index.Load()) }

// Accept signals that the user is looking at the first point. Extra calls
// before the calibrator consumes the signal are dropped.
func (c *IViewXCalibrator) Accept() {
	select {
	case c.accept <- struct{}{}:
	default:
	}
}

func (c *IViewXCalibrator) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != nil {
		return nil
	}
	device, err := net.ResolveUDPAddr("udp", c.cfg.DeviceAddr)
	if err != nil {
		return &tracker.ConnectionError{Op: "resolve", Addr: c.cfg.DeviceAddr, Err: err}
	}
	sock, err := c.cfg.Sockets.ListenUDP("udp", &net.UDPAddr{Port: c.cfg.LocalPort})
	if err != nil {
		return &tracker.ConnectionError{Op: "bind", Addr: ":" + strconv.Itoa(c.cfg.LocalPort), Err: err}
	}
	c.sock = sock
	c.device = device
	c.setState(Connected)
	return nil
}

func (c *IViewXCalibrator) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Idle)
	if c.sock == nil {
		return nil
	}
	var errs []error
	if err := c.sendLocked(tracker.CmdStopStream); err != nil {
		errs = append(errs, err)
	}
	if err := c.sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	c.sock = nil
	c.device = nil
	return errors.Join(errs...)
}

// TestConnection pings the device, waiting up to PingTimeout.
func (c *IViewXCalibrator) TestConnection(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		monitoring.Logf("calibration: connection test without a bound socket")
		return false
	}
	if err := tracker.Ping(ctx, c.sock, c.device, c.cfg.PingTimeout); err != nil {
		monitoring.Logf("calibration: connection test failed: %v", err)
		return false
	}
	return true
}

// Calibrate configures the device, walks the point sequence and validates.
func (c *IViewXCalibrator) Calibrate(ctx context.Context) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil, ErrNotConnected
	}

	run := &Run{StartedAt: c.cfg.Clock.Now()}
	points, err := c.configureLocked(ctx)
	if err != nil {
		c.setState(Connected)
		return nil, err
	}
	run.Points = points

	if err := c.walkPointsLocked(ctx, points); err != nil {
		c.setState(Connected)
		return nil, err
	}

	result, err := c.validateLocked(ctx)
	if err != nil {
		return nil, err
	}
	run.Validation = result
	run.FinishedAt = c.cfg.Clock.Now()

	if c.cfg.Recorder != nil {
		screen := gaze.Sample{X: c.cfg.ScreenWidth, Y: c.cfg.ScreenHeight}
		if err := c.cfg.Recorder.RecordCalibration(ctx, c.cfg.DeviceAddr, screen, run); err != nil {
			monitoring.Logf("calibration: failed to record run: %v", err)
		}
	}
	return run, nil
}

// configureLocked sends the screen geometry and collects the point set.
func (c *IViewXCalibrator) configureLocked(ctx context.Context) ([]gaze.Sample, error) {
	c.setState(Configuring)
	// drop a stale accept from an earlier run
	select {
	case <-c.accept:
	default:
	}

	for _, cmd := range []string{
		fmt.Sprintf("%s %d %d", cmdScreenSize, c.cfg.ScreenWidth, c.cfg.ScreenHeight),
		fmt.Sprintf("%s %s", cmdCalibParam, calibParamAutoAccept),
		fmt.Sprintf("%s %d", cmdCalibrate, c.cfg.PointCount),
	} {
		if err := c.sendLocked(cmd); err != nil {
			return nil, err
		}
	}

	var points []gaze.Sample
	for seen := 0; seen < c.cfg.PointCount; {
		reply, err := c.receiveLocked(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			monitoring.Logf("calibration: waiting for point %d of %d: %v", seen+1, c.cfg.PointCount, err)
			break
		}
		if !strings.HasPrefix(reply, replyPoint) {
			monitoring.Debugf("calibration: ignoring %q while configuring", reply)
			continue
		}
		seen++
		p, err := parsePoint(reply)
		if err != nil {
			monitoring.Logf("calibration: skipping point: %v", err)
			continue
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil, ErrNoCalibrationPoints
	}
	monitoring.Logf("calibration: device sent %d points", len(points))
	return points, nil
}

// walkPointsLocked shows each point. ET_ACC advances to the next point and
// ET_CHG n jumps to point n.
func (c *IViewXCalibrator) walkPointsLocked(ctx context.Context, points []gaze.Sample) error {
	c.setState(Calibrating)
	c.index.Store(0)
	c.cfg.Indicator.Show(0, points[0])
	defer c.cfg.Indicator.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.accept:
	}
	if err := c.sendLocked(cmdAccept); err != nil {
		return err
	}

	for index := 0; index < len(points); {
		reply, err := c.receiveLocked(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("calibration: point %d: %v", index, err)
			return nil
		}
		switch firstToken(reply) {
		case cmdAccept:
			index = c.moveToLocked(points, index, index+1)
		case replyChange:
			n, err := parseChange(reply)
			if err != nil {
				monitoring.Logf("calibration: %v", err)
				break
			}
			index = c.moveToLocked(points, index, n-1)
		case replyFinished:
			monitoring.Logf("calibration: device finished after %d of %d points", index, len(points))
			return nil
		default:
			monitoring.Debugf("calibration: ignoring %q", reply)
		}
	}
	return nil
}

// moveToLocked makes next the current point and shows it. Nothing is shown
// when the index does not change or runs past the last point.
func (c *IViewXCalibrator) moveToLocked(points []gaze.Sample, cur, next int) int {
	if next == cur {
		return cur
	}
	c.index.Store(int32(next))
	if next < len(points) {
		c.cfg.Indicator.Show(next, points[next])
	}
	return next
}

// Validate samples the four checkpoints.
func (c *IViewXCalibrator) Validate(ctx context.Context) (*ValidationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil, ErrNotConnected
	}
	return c.validateLocked(ctx)
}

func (c *IViewXCalibrator) validateLocked(ctx context.Context) (*ValidationResult, error) {
	c.setState(Validating)
	defer c.setState(Idle)

	result := &ValidationResult{}
	for _, p := range checkPoints(c.cfg.ScreenWidth, c.cfg.ScreenHeight) {
		if err := c.sendLocked(fmt.Sprintf("%s %d %d", cmdValidate, p.X, p.Y)); err != nil {
			monitoring.Logf("calibration: validation point %v: %v", p, err)
			continue
		}
		reply, err := c.awaitLocked(ctx, cmdValidationReply)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			monitoring.Logf("calibration: validation point %v: %v", p, err)
			continue
		}
		if _, err := parseMeasurement(reply); err != nil {
			monitoring.Logf("calibration: validation point %v: %v", p, err)
			continue
		}
		result.add(p, reply)
	}

	dev := result.MeanDeviation()
	monitoring.Logf("calibration: validation mean deviation x=%.2f y=%.2f over %d points", dev.X, dev.Y, dev.Samples)
	return result, nil
}

// awaitLocked receives until a reply starting with tag arrives.
func (c *IViewXCalibrator) awaitLocked(ctx context.Context, tag string) (string, error) {
	for {
		reply, err := c.receiveLocked(ctx)
		if err != nil {
			return "", err
		}
		if firstToken(reply) == tag {
			return reply, nil
		}
		monitoring.Debugf("calibration: ignoring %q while waiting for %s", reply, tag)
	}
}

func (c *IViewXCalibrator) sendLocked(cmd string) error {
	if _, err := c.sock.WriteToUDP([]byte(cmd+"\n"), c.device); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	return nil
}

// receiveLocked returns the next datagram as trimmed text. Reads poll so
// cancellation is observed; ReplyTimeout, when set, bounds the total wait.
func (c *IViewXCalibrator) receiveLocked(ctx context.Context) (string, error) {
	var deadline time.Time
	if c.cfg.ReplyTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReplyTimeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		next := time.Now().Add(100 * time.Millisecond)
		if !deadline.IsZero() && next.After(deadline) {
			next = deadline
		}
		c.sock.SetReadDeadline(next)
		n, _, err := c.sock.ReadFromUDP(c.buf)
		if err == nil {
			return strings.TrimSpace(string(c.buf[:n])), nil
		}
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			return "", err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return "", errReplyTimeout
		}
	}
}

// parsePoint reads "ET_PNT <i> <x> <y>".
func parsePoint(reply string) (gaze.Sample, error) {
	fields := strings.Fields(reply)
	if len(fields) != 4 {
		return gaze.Sample{}, fmt.Errorf("malformed point %q", reply)
	}
	p, err := parsePair(fields[2] + " " + fields[3])
	if err != nil {
		return gaze.Sample{}, fmt.Errorf("malformed point %q: %w", reply, err)
	}
	return p, nil
}

// parseChange reads "ET_CHG <n>", n being the 1-based point now current.
func parseChange(reply string) (int, error) {
	fields := strings.Fields(reply)
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed point change %q", reply)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed point change %q", reply)
	}
	return n, nil
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
