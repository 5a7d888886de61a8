package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// pipePort is a SerialPorter whose input is fed through a pipe.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestPortOptions_Defaults(t *testing.T) {
	opts, err := PortOptions{}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultSerialBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 9600, Parity: " even ", StopBits: 2}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)
}

func TestPortOptions_Validate(t *testing.T) {
	for _, rate := range SerialBaudRates {
		assert.NoError(t, PortOptions{BaudRate: rate}.Validate(), "baud %d", rate)
	}

	tests := []struct {
		opts    PortOptions
		wantErr string
	}{
		{PortOptions{BaudRate: 14400}, "baud rate 14400"},
		{PortOptions{BaudRate: 230400}, "baud rate 230400"},
		{PortOptions{BaudRate: -1}, "baud rate -1"},
		{PortOptions{DataBits: 5}, "data bits"},
		{PortOptions{DataBits: 9}, "data bits"},
		{PortOptions{StopBits: 3}, "stop bits"},
		{PortOptions{Parity: "mark"}, `parity "MARK"`},
	}
	for _, tt := range tests {
		err := tt.opts.Validate()
		require.Error(t, err, "%+v", tt.opts)
		assert.Contains(t, err.Error(), tt.wantErr)
	}

	_, err := PortOptions{BaudRate: 4800}.SerialMode()
	assert.Error(t, err)
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, Parity: "O", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{
		BaudRate: 57600,
		DataBits: 8,
		Parity:   serial.OddParity,
		StopBits: serial.TwoStopBits,
	}, mode)
}

func TestSerialClient_StreamsLines(t *testing.T) {
	port := newPipePort()
	sink := newRecordingSink()
	var openedPath string
	c := NewSerialClient(SerialConfig{
		Device: "/dev/ttyUSB0",
		Open: func(path string, mode *serial.Mode) (SerialPorter, error) {
			openedPath = path
			return port, nil
		},
		Filter: sink,
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	go func() {
		io.WriteString(port.w, "ET_SPL b 1 10 20 30 40\r\n")
		io.WriteString(port.w, "ET_SPL oops\n")
		io.WriteString(port.w, "ET_SPL 2 50 50 60 60\n")
	}()
	sink.wait(t, 2)
	assert.Equal(t, Streaming, c.State())
	assert.Equal(t, "/dev/ttyUSB0", openedPath)

	c.RequestStop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serial client did not stop")
	}

	assert.Equal(t, []gaze.Sample{{X: 15, Y: 35}, {X: 50, Y: 60}}, sink.Samples())
	assert.Equal(t, "ET_FRM \"%ET %TS %SX %SY\"\nET_STR 60\nET_EST\n", port.Written())
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, int64(1), c.cfg.Stats.Snapshot().Rejected)
}

func TestSerialClient_OpenFailure(t *testing.T) {
	c := NewSerialClient(SerialConfig{
		Device: "/dev/missing",
		Open: func(string, *serial.Mode) (SerialPorter, error) {
			return nil, errors.New("no such device")
		},
	})
	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "/dev/missing", connErr.Addr)
	assert.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Disconnect())
}

func TestSerialClient_SendCommandRequiresConnection(t *testing.T) {
	c := NewSerialClient(SerialConfig{})
	assert.Error(t, c.SendCommand(CmdPing))
}
