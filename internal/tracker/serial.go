package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

// DefaultSerialBaudRate is the iViewX RS-232 remote interface default.
const DefaultSerialBaudRate = 115200

// SerialBaudRates are the rates the iViewX remote interface can be set to.
var SerialBaudRates = []int{9600, 19200, 38400, 57600, 115200}

var serialParity = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

// SerialPorter is the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions are the RS-232 line settings. Zero values take the iViewX
// defaults of 115200 baud, 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" toml:"baud_rate"`
	DataBits int    `json:"data_bits" toml:"data_bits"`
	StopBits int    `json:"stop_bits" toml:"stop_bits"`
	Parity   string `json:"parity" toml:"parity"`
}

// Validate reports whether the remote interface can be configured with o.
func (o PortOptions) Validate() error {
	_, err := o.withDefaults()
	return err
}

// withDefaults fills zero fields, canonicalises parity to N, E or O and
// checks the result against what the iViewX remote interface offers.
func (o PortOptions) withDefaults() (PortOptions, error) {
	if o.BaudRate == 0 {
		o.BaudRate = DefaultSerialBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	switch p := strings.ToUpper(strings.TrimSpace(o.Parity)); p {
	case "", "NONE":
		o.Parity = "N"
	case "EVEN", "ODD":
		o.Parity = p[:1]
	default:
		o.Parity = p
	}

	switch {
	case !slices.Contains(SerialBaudRates, o.BaudRate):
		return o, fmt.Errorf("baud rate %d not offered by the iViewX remote interface, want one of %v",
			o.BaudRate, SerialBaudRates)
	case o.DataBits != 7 && o.DataBits != 8:
		return o, fmt.Errorf("data bits must be 7 or 8, got %d", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("stop bits must be 1 or 2, got %d", o.StopBits)
	}
	if _, ok := serialParity[o.Parity]; !ok {
		return o, fmt.Errorf("parity %q not supported, want N, E or O", o.Parity)
	}
	return o, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.withDefaults()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serialParity[opts.Parity],
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}

// SerialOpener opens a serial port.
type SerialOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenSerialPort opens a real port with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// SerialConfig configures a SerialClient.
type SerialConfig struct {
	Device     string
	Options    PortOptions
	SampleRate int
	// Open defaults to OpenSerialPort.
	Open SerialOpener

	Filter Sink
	Stats  *StreamStats
}

// SerialClient speaks the iViewX remote protocol over RS-232. Commands and
// sample lines are newline terminated.
type SerialClient struct {
	lifecycle
	cfg SerialConfig

	mu      sync.Mutex
	port    SerialPorter
	writeMu sync.Mutex
}

// NewSerialClient builds a serial client.
func NewSerialClient(cfg SerialConfig) *SerialClient {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStreamStats()
	}
	return &SerialClient{cfg: cfg}
}

// Connect opens the port, selects the sample format and starts the stream.
func (c *SerialClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	c.setState(Connecting)

	mode, err := c.cfg.Options.SerialMode()
	if err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Op: "configure", Addr: c.cfg.Device, Err: err}
	}
	port, err := c.cfg.Open(c.cfg.Device, mode)
	if err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Op: "open", Addr: c.cfg.Device, Err: err}
	}
	for _, cmd := range []string{CmdFormat, fmt.Sprintf("%s %d", CmdStartStream, c.cfg.SampleRate)} {
		if err := c.send(port, cmd); err != nil {
			port.Close()
			c.setState(Disconnected)
			return &ConnectionError{Op: "handshake", Addr: c.cfg.Device, Err: err}
		}
	}
	c.port = port
	c.setState(Streaming)
	monitoring.Logf("Serial tracker streaming from %s at %d baud", c.cfg.Device, mode.BaudRate)
	return nil
}

// SendCommand writes a command to the port, adding the newline.
func (c *SerialClient) SendCommand(cmd string) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return &ConnectionError{Op: "write", Addr: c.cfg.Device, Err: errors.New("not connected")}
	}
	return c.send(port, cmd)
}

func (c *SerialClient) send(port SerialPorter, cmd string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	n, err := port.Write([]byte(cmd))
	if err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(cmd), err)
	}
	if n != len(cmd) {
		return fmt.Errorf("short write of %q: %d of %d bytes", strings.TrimSpace(cmd), n, len(cmd))
	}
	return nil
}

// Disconnect stops the stream and closes the port.
func (c *SerialClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Disconnected)
	if c.port == nil {
		return nil
	}
	var errs []error
	if err := c.send(c.port, CmdStopStream); err != nil {
		errs = append(errs, err)
	}
	if err := c.port.Close(); err != nil {
		errs = append(errs, err)
	}
	c.port = nil
	return errors.Join(errs...)
}

func (c *SerialClient) Toggle(ctx context.Context) error {
	if c.State() == Disconnected {
		return c.Connect(ctx)
	}
	return c.Disconnect()
}

// Run reads sample lines until stopped or the port reaches EOF.
func (c *SerialClient) Run(ctx context.Context) error {
	if c.cfg.Filter == nil {
		return ErrNoSink
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	loopCtx := c.begin(ctx)
	err := c.monitor(loopCtx, port)
	stopped := c.end()
	if derr := c.Disconnect(); derr != nil {
		monitoring.Logf("Serial tracker: disconnect: %v", derr)
	}
	return loopResult(ctx, stopped, err)
}

func (c *SerialClient) monitor(ctx context.Context, port io.Reader) error {
	scan := bufio.NewScanner(port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so the loop below can
	// observe cancellation; closing the port in Disconnect ends it
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return &ConnectionError{Op: "read", Addr: c.cfg.Device, Err: err}
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return &ConnectionError{Op: "read", Addr: c.cfg.Device, Err: err}
				default:
				}
				return nil
			}
			if err := deliver(c.cfg.Stats, ParseSample, c.cfg.Filter, []byte(line)); err != nil {
				if errors.Is(err, gaze.ErrChannelClosed) {
					return nil
				}
				monitoring.Logf("Serial tracker: %v", err)
			}
		}
	}
}
