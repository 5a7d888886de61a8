package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/timeutil"
)

// PCAPConfig configures a PCAPReplayClient.
type PCAPConfig struct {
	// File is the capture to replay. Ignored when Open is set.
	File string
	// Open supplies the capture stream.
	Open func() (io.ReadCloser, error)
	// Port keeps only UDP datagrams sent to this port (default 7777).
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// Speed scales realtime pacing; 2 replays twice as fast. Default 1.
	Speed float64
	// Parser defaults to ParseSample.
	Parser PacketParser

	Filter Sink
	Stats  *StreamStats
	Clock  timeutil.Clock
}

// PCAPReplayClient feeds recorded tracker traffic through the same parsing
// and filtering path as a live client.
type PCAPReplayClient struct {
	lifecycle
	cfg PCAPConfig

	mu     sync.Mutex
	source io.ReadCloser
}

// NewPCAPReplayClient builds a replay client.
func NewPCAPReplayClient(cfg PCAPConfig) *PCAPReplayClient {
	if cfg.Port == 0 {
		cfg.Port = DefaultLocalPort
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Parser == nil {
		cfg.Parser = ParseSample
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStreamStatsWithClock(cfg.Clock)
	}
	if cfg.Open == nil {
		file := cfg.File
		cfg.Open = func() (io.ReadCloser, error) { return os.Open(file) }
	}
	return &PCAPReplayClient{cfg: cfg}
}

// Connect opens the capture.
func (c *PCAPReplayClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		return nil
	}
	c.setState(Connecting)
	rc, err := c.cfg.Open()
	if err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Op: "open", Addr: c.cfg.File, Err: err}
	}
	c.source = rc
	c.setState(Streaming)
	return nil
}

// Disconnect closes the capture.
func (c *PCAPReplayClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Disconnected)
	if c.source == nil {
		return nil
	}
	err := c.source.Close()
	c.source = nil
	return err
}

func (c *PCAPReplayClient) Toggle(ctx context.Context) error {
	if c.State() == Disconnected {
		return c.Connect(ctx)
	}
	return c.Disconnect()
}

// Run replays the capture to its end.
func (c *PCAPReplayClient) Run(ctx context.Context) error {
	if c.cfg.Filter == nil {
		return ErrNoSink
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	loopCtx := c.begin(ctx)

	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	err := c.replay(loopCtx, src)
	stopped := c.end()
	if derr := c.Disconnect(); derr != nil {
		monitoring.Logf("PCAP replay: close: %v", derr)
	}
	return loopResult(ctx, stopped, err)
}

func (c *PCAPReplayClient) replay(ctx context.Context, src io.Reader) error {
	if src == nil {
		return &ConnectionError{Op: "read", Addr: c.cfg.File, Err: os.ErrClosed}
	}
	reader, err := pcapgo.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}
	packetSource := gopacket.NewPacketSource(reader, reader.LinkType())

	var (
		packetCount int
		lastStamp   time.Time
		startTime   = c.cfg.Clock.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			monitoring.Logf("PCAP replay complete: %d packets in %v", packetCount, c.cfg.Clock.Since(startTime))
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading PCAP packet %d: %w", packetCount+1, err)
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udp.DstPort) != c.cfg.Port || len(udp.Payload) == 0 {
			continue
		}
		packetCount++

		if c.cfg.Realtime {
			stamp := packet.Metadata().Timestamp
			if !lastStamp.IsZero() && stamp.After(lastStamp) {
				gap := time.Duration(float64(stamp.Sub(lastStamp)) / c.cfg.Speed)
				if err := c.cfg.Clock.Sleep(ctx, gap); err != nil {
					return err
				}
			}
			lastStamp = stamp
		}

		if err := deliver(c.cfg.Stats, c.cfg.Parser, c.cfg.Filter, udp.Payload); err != nil {
			if errors.Is(err, gaze.ErrChannelClosed) {
				return nil
			}
			monitoring.Logf("Error parsing PCAP packet %d: %v", packetCount, err)
		}
	}
}
