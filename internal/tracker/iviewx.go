package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/gaze.report/internal/monitoring"
)

// iViewX remote commands.
const (
	CmdPing        = "ET_PNG"
	CmdStopStream  = "ET_EST"
	CmdFormat      = `ET_FRM "%ET %TS %SX %SY"`
	CmdStartStream = "ET_STR"
)

// IViewXClient streams samples from an SMI iViewX server. Connect pings the
// device command port and waits for any reply, then selects the sample format
// and starts the stream.
type IViewXClient struct {
	udpClient
}

// NewIViewXClient builds a client. DeviceAddr defaults to 127.0.0.1:6665 and
// LocalPort to 7777.
func NewIViewXClient(cfg UDPConfig) *IViewXClient {
	if cfg.DeviceAddr == "" {
		cfg.DeviceAddr = net.JoinHostPort(DefaultDeviceHost, strconv.Itoa(DefaultDevicePort))
	}
	cfg = cfg.withDefaults(DefaultLocalPort)
	c := &IViewXClient{}
	c.udpClient = udpClient{
		cfg:   cfg,
		name:  "iViewX",
		parse: ParseSample,
	}
	c.handshake = c.doHandshake
	c.farewell = func(sock UDPSocket, device *net.UDPAddr) error {
		return sendCommand(sock, device, CmdStopStream)
	}
	return c
}

func (c *IViewXClient) doHandshake(ctx context.Context, sock UDPSocket, device *net.UDPAddr) error {
	monitoring.Logf("Pinging iViewX server @ %v ...", device)
	if err := Ping(ctx, sock, device, c.cfg.HandshakeTimeout); err != nil {
		return err
	}
	if err := sendCommand(sock, device, CmdFormat); err != nil {
		return err
	}
	return sendCommand(sock, device, fmt.Sprintf("%s %d", CmdStartStream, c.cfg.SampleRate))
}

// Ping sends ET_PNG and waits up to timeout (and ctx) for any datagram in
// reply. It is shared with the calibrator's connection test.
func Ping(ctx context.Context, sock UDPSocket, device *net.UDPAddr, timeout time.Duration) error {
	if err := sendCommand(sock, device, CmdPing); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	buf := make([]byte, maxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := time.Now().Add(readPollInterval)
		if next.After(deadline) {
			next = deadline
		}
		sock.SetReadDeadline(next)
		n, _, err := sock.ReadFromUDP(buf)
		if err == nil {
			monitoring.Debugf("ping reply %q", buf[:n])
			return nil
		}
		if !isTimeout(err) {
			return fmt.Errorf("waiting for ping reply: %w", err)
		}
		if !time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Op: "ping", Addr: device.String(), Err: ErrHandshakeTimeout}
		}
	}
}

// ErrHandshakeTimeout is wrapped by the *ConnectionError returned when the
// device does not answer a ping in time.
var ErrHandshakeTimeout = errors.New("no reply to " + CmdPing)
