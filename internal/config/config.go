// Package config loads the runtime configuration from JSON or TOML.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/gaze.report/internal/filter"
	"github.com/banshee-data/gaze.report/internal/tracker"
)

// Tracker kinds accepted in TrackerConfig.Kind.
const (
	TrackerIViewX    = "iviewx"
	TrackerITU       = "itu"
	TrackerSimulator = "simulator"
	TrackerPCAP      = "pcap"
	TrackerSerial    = "serial"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. The same field names are used in JSON
// and TOML files.
type Config struct {
	Tracker     TrackerConfig     `json:"tracker" toml:"tracker"`
	Filter      FilterConfig      `json:"filter" toml:"filter"`
	Calibration CalibrationConfig `json:"calibration" toml:"calibration"`
	Server      ServerConfig      `json:"server" toml:"server"`
	Store       StoreConfig       `json:"store" toml:"store"`
	Debug       bool              `json:"debug" toml:"debug"`
}

// TrackerConfig selects and parameterises the gaze source.
type TrackerConfig struct {
	Kind       string `json:"kind" toml:"kind"`
	DeviceHost string `json:"device_host" toml:"device_host"`
	DevicePort int    `json:"device_port" toml:"device_port"`
	// LocalPort 0 binds the variant's port (iViewX 7777, ITU 6666).
	LocalPort  int    `json:"local_port" toml:"local_port"`
	SampleRate int    `json:"sample_rate" toml:"sample_rate"`
	// Durations are strings like "2s" or "500ms".
	HandshakeTimeout string `json:"handshake_timeout" toml:"handshake_timeout"`
	LogInterval      string `json:"log_interval" toml:"log_interval"`

	// Simulator
	SimulationPath    string `json:"simulation_path" toml:"simulation_path"`
	Jitter            int    `json:"jitter" toml:"jitter"`
	Interpolate       bool   `json:"interpolate" toml:"interpolate"`
	InterpolationStep string `json:"interpolation_step" toml:"interpolation_step"`
	Dwell             string `json:"dwell" toml:"dwell"`

	// PCAP replay
	PCAPFile     string  `json:"pcap_file" toml:"pcap_file"`
	PCAPRealtime bool    `json:"pcap_realtime" toml:"pcap_realtime"`
	PCAPSpeed    float64 `json:"pcap_speed" toml:"pcap_speed"`

	// Serial
	SerialDevice string `json:"serial_device" toml:"serial_device"`
	BaudRate     int    `json:"baud_rate" toml:"baud_rate"`
}

// FilterConfig selects the smoothing stage.
type FilterConfig struct {
	Kind       string                `json:"kind" toml:"kind"`
	WindowSize int                   `json:"window_size" toml:"window_size"`
	Fixation   filter.FixationConfig `json:"fixation" toml:"fixation"`
}

// CalibrationConfig describes the screen and the calibration exchange.
type CalibrationConfig struct {
	ScreenWidth  int    `json:"screen_width" toml:"screen_width"`
	ScreenHeight int    `json:"screen_height" toml:"screen_height"`
	DisplayIndex int    `json:"display_index" toml:"display_index"`
	Points       int    `json:"points" toml:"points"`
	PingTimeout  string `json:"ping_timeout" toml:"ping_timeout"`
	ReplyTimeout string `json:"reply_timeout" toml:"reply_timeout"`
}

// ServerConfig holds listen addresses. Empty disables the listener.
type ServerConfig struct {
	Listen     string `json:"listen" toml:"listen"`
	GRPCListen string `json:"grpc_listen" toml:"grpc_listen"`
}

// StoreConfig locates the calibration run database. Empty disables it.
type StoreConfig struct {
	Path string `json:"path" toml:"path"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Tracker: TrackerConfig{
			Kind:              TrackerIViewX,
			DeviceHost:        "127.0.0.1",
			DevicePort:        6665,
			SampleRate:        60,
			HandshakeTimeout:  "2s",
			LogInterval:       "1m",
			InterpolationStep: "10ms",
			PCAPSpeed:         1,
			BaudRate:          115200,
		},
		Filter: FilterConfig{
			Kind:       string(filter.KindPassthrough),
			WindowSize: 5,
			Fixation:   filter.DefaultFixationConfig(),
		},
		Calibration: CalibrationConfig{
			ScreenWidth:  1920,
			ScreenHeight: 1080,
			Points:       9,
			PingTimeout:  "10s",
		},
		Server: ServerConfig{
			Listen: "localhost:8080",
		},
		Store: StoreConfig{
			Path: "gaze.db",
		},
	}
}

// Load reads a .json or .toml file over Defaults. Keys absent from the file
// keep their default; unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Tracker.Kind {
	case TrackerIViewX, TrackerITU:
		if c.Tracker.DevicePort <= 0 || c.Tracker.DevicePort > 65535 {
			errs = append(errs, fmt.Errorf("tracker.device_port out of range: %d", c.Tracker.DevicePort))
		}
		if c.Tracker.LocalPort < 0 || c.Tracker.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("tracker.local_port out of range: %d", c.Tracker.LocalPort))
		}
	case TrackerSimulator:
		if c.Tracker.SimulationPath == "" {
			errs = append(errs, errors.New("tracker.simulation_path is required for the simulator"))
		}
		if c.Tracker.Jitter < 0 {
			errs = append(errs, fmt.Errorf("tracker.jitter must be non-negative, got %d", c.Tracker.Jitter))
		}
	case TrackerPCAP:
		if c.Tracker.PCAPFile == "" {
			errs = append(errs, errors.New("tracker.pcap_file is required for pcap replay"))
		}
		if c.Tracker.PCAPSpeed < 0 {
			errs = append(errs, fmt.Errorf("tracker.pcap_speed must be non-negative, got %f", c.Tracker.PCAPSpeed))
		}
	case TrackerSerial:
		if c.Tracker.SerialDevice == "" {
			errs = append(errs, errors.New("tracker.serial_device is required for the serial tracker"))
		}
		if err := (tracker.PortOptions{BaudRate: c.Tracker.BaudRate}).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracker.baud_rate: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracker.kind %q", c.Tracker.Kind))
	}
	if c.Tracker.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("tracker.sample_rate must be positive, got %d", c.Tracker.SampleRate))
	}
	for name, v := range map[string]string{
		"tracker.handshake_timeout":  c.Tracker.HandshakeTimeout,
		"tracker.log_interval":       c.Tracker.LogInterval,
		"tracker.interpolation_step": c.Tracker.InterpolationStep,
		"tracker.dwell":              c.Tracker.Dwell,
		"calibration.ping_timeout":   c.Calibration.PingTimeout,
		"calibration.reply_timeout":  c.Calibration.ReplyTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
		}
	}

	kind, err := filter.ParseKind(c.Filter.Kind)
	if err != nil {
		errs = append(errs, err)
	}
	if kind == filter.KindSlidingWindow && c.Filter.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("filter.window_size must be positive, got %d", c.Filter.WindowSize))
	}
	if kind == filter.KindFixationLeastSquares {
		if err := c.Filter.Fixation.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("filter.fixation: %w", err))
		}
	}

	if c.Calibration.ScreenWidth <= 0 || c.Calibration.ScreenHeight <= 0 {
		errs = append(errs, fmt.Errorf("calibration screen must be positive, got %dx%d",
			c.Calibration.ScreenWidth, c.Calibration.ScreenHeight))
	}
	if c.Calibration.Points <= 0 {
		errs = append(errs, fmt.Errorf("calibration.points must be positive, got %d", c.Calibration.Points))
	}
	if c.Calibration.DisplayIndex < 0 {
		errs = append(errs, fmt.Errorf("calibration.display_index must be non-negative, got %d", c.Calibration.DisplayIndex))
	}

	return errors.Join(errs...)
}

// FilterKind returns the parsed filter kind, falling back to passthrough.
func (c *Config) FilterKind() filter.Kind {
	k, err := filter.ParseKind(c.Filter.Kind)
	if err != nil {
		return filter.KindPassthrough
	}
	return k
}

// FilterOptions returns the options for filter.New.
func (c *Config) FilterOptions() filter.Options {
	return filter.Options{WindowSize: c.Filter.WindowSize, Fixation: c.Filter.Fixation}
}

// DeviceAddr joins the device host and port.
func (c *TrackerConfig) DeviceAddr() string {
	return fmt.Sprintf("%s:%d", c.DeviceHost, c.DevicePort)
}

// GetHandshakeTimeout parses HandshakeTimeout, defaulting to 2s.
func (c *TrackerConfig) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.HandshakeTimeout, 2*time.Second)
}

// GetLogInterval parses LogInterval, defaulting to one minute.
func (c *TrackerConfig) GetLogInterval() time.Duration {
	return parseDuration(c.LogInterval, time.Minute)
}

// GetInterpolationStep parses InterpolationStep, defaulting to 10ms.
func (c *TrackerConfig) GetInterpolationStep() time.Duration {
	return parseDuration(c.InterpolationStep, 10*time.Millisecond)
}

// GetDwell parses Dwell; zero keeps each path entry's own duration.
func (c *TrackerConfig) GetDwell() time.Duration {
	return parseDuration(c.Dwell, 0)
}

// GetPingTimeout parses PingTimeout, defaulting to 10s.
func (c *CalibrationConfig) GetPingTimeout() time.Duration {
	return parseDuration(c.PingTimeout, 10*time.Second)
}

// GetReplyTimeout parses ReplyTimeout; zero waits without bound.
func (c *CalibrationConfig) GetReplyTimeout() time.Duration {
	return parseDuration(c.ReplyTimeout, 0)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
