package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

// Defaults for the UDP clients.
const (
	DefaultDeviceHost       = "127.0.0.1"
	DefaultDevicePort       = 6665
	DefaultLocalPort        = 7777
	DefaultITUPort          = 6666
	DefaultSampleRate       = 60
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultLogInterval      = time.Minute

	// readPollInterval bounds each socket read so stop requests are noticed.
	readPollInterval = 100 * time.Millisecond
	maxPacketSize    = 2048
)

// UDPConfig configures the UDP tracker clients.
type UDPConfig struct {
	// DeviceAddr is host:port of the device command port. Empty for
	// receive-only trackers.
	DeviceAddr string
	// LocalPort is the port samples arrive on.
	LocalPort int
	// RcvBuf sets the socket receive buffer when positive.
	RcvBuf int
	// HandshakeTimeout bounds the wait for a ping reply.
	HandshakeTimeout time.Duration
	// SampleRate is requested from devices that accept a rate.
	SampleRate int
	// LogInterval between stream statistics log lines; negative disables.
	LogInterval time.Duration

	Filter  Sink
	Stats   *StreamStats
	Sockets UDPSocketFactory
}

func (c UDPConfig) withDefaults(localPort int) UDPConfig {
	if c.LocalPort == 0 {
		c.LocalPort = localPort
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.LogInterval == 0 {
		c.LogInterval = DefaultLogInterval
	}
	if c.Stats == nil {
		c.Stats = NewStreamStats()
	}
	if c.Sockets == nil {
		c.Sockets = RealUDPSocketFactory{}
	}
	return c
}

// udpClient is the socket lifecycle and acquisition loop shared by the UDP
// variants. Device specifics come from the hooks.
type udpClient struct {
	lifecycle
	cfg   UDPConfig
	name  string
	parse PacketParser

	// handshake runs after bind; nil for receive-only devices.
	handshake func(ctx context.Context, sock UDPSocket, device *net.UDPAddr) error
	// farewell runs before the socket is released.
	farewell func(sock UDPSocket, device *net.UDPAddr) error

	mu     sync.Mutex
	sock   UDPSocket
	device *net.UDPAddr
}

func (c *udpClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != nil {
		return nil
	}
	c.setState(Connecting)

	var device *net.UDPAddr
	if c.cfg.DeviceAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", c.cfg.DeviceAddr)
		if err != nil {
			c.setState(Disconnected)
			return &ConnectionError{Op: "resolve", Addr: c.cfg.DeviceAddr, Err: err}
		}
		device = addr
	}

	laddr := &net.UDPAddr{Port: c.cfg.LocalPort}
	sock, err := c.cfg.Sockets.ListenUDP("udp", laddr)
	if err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Op: "bind", Addr: ":" + strconv.Itoa(c.cfg.LocalPort), Err: err}
	}
	if c.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(c.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", c.cfg.RcvBuf, err)
		}
	}

	if c.handshake != nil {
		if err := c.handshake(ctx, sock, device); err != nil {
			sock.Close()
			c.setState(Disconnected)
			var connErr *ConnectionError
			if errors.As(err, &connErr) {
				return err
			}
			return &ConnectionError{Op: "handshake", Addr: c.cfg.DeviceAddr, Err: err}
		}
	}

	c.sock = sock
	c.device = device
	c.setState(Streaming)
	monitoring.Logf("%s client listening on %v", c.name, sock.LocalAddr())
	return nil
}

func (c *udpClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		c.setState(Disconnected)
		return nil
	}

	var errs []error
	if c.farewell != nil {
		if err := c.farewell(c.sock, c.device); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	c.sock = nil
	c.device = nil
	c.setState(Disconnected)
	monitoring.Logf("%s client disconnected", c.name)
	return errors.Join(errs...)
}

func (c *udpClient) Toggle(ctx context.Context) error {
	if c.State() == Disconnected {
		return c.Connect(ctx)
	}
	return c.Disconnect()
}

func (c *udpClient) socket() UDPSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

func (c *udpClient) Run(ctx context.Context) error {
	if c.cfg.Filter == nil {
		return ErrNoSink
	}
	if c.State() != Streaming {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	loopCtx := c.begin(ctx)
	statsCtx, stopStats := context.WithCancel(loopCtx)
	go c.cfg.Stats.logPeriodically(statsCtx, c.cfg.LogInterval)

	err := c.loop(loopCtx)
	stopStats()
	stopped := c.end()

	if derr := c.Disconnect(); derr != nil {
		monitoring.Logf("%s client: disconnect: %v", c.name, derr)
	}
	return loopResult(ctx, stopped, err)
}

func (c *udpClient) loop(ctx context.Context) error {
	sock := c.socket()
	if sock == nil {
		return &ConnectionError{Op: "read", Err: net.ErrClosed}
	}
	buffer := make([]byte, maxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Set read deadline to allow checking for stop requests
		sock.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := sock.ReadFromUDP(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return &ConnectionError{Op: "read", Addr: c.cfg.DeviceAddr, Err: err}
			}
			monitoring.Logf("%s read error: %v", c.name, err)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.handlePacket(buffer[:n]); err != nil {
			if errors.Is(err, gaze.ErrChannelClosed) {
				return nil
			}
			monitoring.Logf("Error handling packet from %v: %v", addr, err)
		}
	}
}

// handlePacket parses one packet and forwards the sample.
func (c *udpClient) handlePacket(packet []byte) error {
	return deliver(c.cfg.Stats, c.parse, c.cfg.Filter, packet)
}

// deliver is the per-packet step shared by every packet-based client.
// Packets without a sample are skipped quietly; parse failures are counted
// and returned for logging.
func deliver(stats *StreamStats, parse PacketParser, sink Sink, packet []byte) error {
	stats.AddPacket(len(packet))
	s, err := parse(packet)
	if err != nil {
		if errors.Is(err, ErrNotSample) {
			monitoring.Debugf("ignoring packet %q", packet)
			return nil
		}
		stats.AddRejected()
		return err
	}
	stats.AddSample()
	if err := sink.Filter(s.X, s.Y); err != nil {
		return fmt.Errorf("filter %v: %w", s, err)
	}
	return nil
}

// sendCommand writes a newline terminated command to the device.
func sendCommand(sock UDPSocket, device *net.UDPAddr, cmd string) error {
	if device == nil {
		return errors.New("no device address configured")
	}
	if _, err := sock.WriteToUDP([]byte(cmd+"\n"), device); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	return nil
}
