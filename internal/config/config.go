// Package config holds the relay's runtime configuration: where lines come
// from, where the snapshot goes, which sensors to expect and how the history
// is resampled. Values come from built-in defaults, then an optional YAML
// file, then command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// SensorID is an I2C address as it appears in the line protocol. In YAML it is
// always hex, prefixed or not: 48, "4a" and 0x4a all name wire ids.
type SensorID uint8

func (s *SensorID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("sensor id must be a scalar, line %d", value.Line)
	}
	id, err := ParseSensorID(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = id
	return nil
}

func (s SensorID) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s SensorID) String() string {
	return fmt.Sprintf("0x%02x", uint8(s))
}

// ParseSensorID reads a hex id with or without the 0x prefix, the way ids are
// printed on the wire.
func ParseSensorID(raw string) (SensorID, error) {
	str := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(raw)), "0x")
	v, err := strconv.ParseUint(str, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid sensor id %q: %w", raw, err)
	}
	return SensorID(v), nil
}

type ReconnectConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type TransportConfig struct {
	Path        string          `yaml:"path"`
	BaudRate    int             `yaml:"baud_rate"`
	ReadTimeout time.Duration   `yaml:"read_timeout"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

type OutputConfig struct {
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	FlushThreshold  int       `yaml:"flush_threshold"`
	FlushTarget     int       `yaml:"flush_target"`
	LookbackOffsets []float64 `yaml:"lookback_offsets"` // seconds
	ToleranceMs     int       `yaml:"tolerance_ms"`
}

type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TelemetryConfig struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Output    OutputConfig    `yaml:"output"`
	Sensors   []SensorID      `yaml:"sensors"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default matches the bench setup: three TMP117s on one board at 115200 baud.
func Default() *Config {
	offsets := []float64{0}
	for dt := 1.0; dt <= 16384; dt *= 2 {
		offsets = append(offsets, dt)
	}

	return &Config{
		Transport: TransportConfig{
			Path:        "/dev/ttyACM0",
			BaudRate:    115200,
			ReadTimeout: time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
		},
		Output:  OutputConfig{Path: "/tmp/tempdataline"},
		Sensors: []SensorID{0x48, 0x49, 0x4a},
		History: HistoryConfig{
			FlushThreshold:  1500,
			FlushTarget:     1025,
			LookbackOffsets: offsets,
			ToleranceMs:     750,
		},
		Log: LogConfig{
			Path:  "mtrelay.logs",
			Level: "info",
		},
		Telemetry: TelemetryConfig{Interval: time.Second},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SensorIDs returns the canonical sensor order as raw bytes.
func (c *Config) SensorIDs() []uint8 {
	ids := make([]uint8, len(c.Sensors))
	for i, s := range c.Sensors {
		ids[i] = uint8(s)
	}
	return ids
}

// Offsets converts the configured lookback offsets to durations.
func (c *Config) Offsets() []time.Duration {
	out := make([]time.Duration, len(c.History.LookbackOffsets))
	for i, sec := range c.History.LookbackOffsets {
		out[i] = time.Duration(sec * float64(time.Second))
	}
	return out
}

func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.History.ToleranceMs) * time.Millisecond
}

// Validate reports every problem it finds, joined into one error.
func (c *Config) Validate() error {
	var errs error

	if c.Transport.Path == "" {
		errs = multierr.Append(errs, errors.New("transport.path is required"))
	}
	if c.Transport.BaudRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("transport.baud_rate must be positive, got %d", c.Transport.BaudRate))
	}
	if c.Transport.ReadTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("transport.read_timeout must be positive, got %s", c.Transport.ReadTimeout))
	}
	if c.Transport.Reconnect.Attempts < 0 {
		errs = multierr.Append(errs, errors.New("transport.reconnect.attempts cannot be negative"))
	}
	if c.Output.Path == "" {
		errs = multierr.Append(errs, errors.New("output.path is required"))
	}

	if len(c.Sensors) == 0 {
		errs = multierr.Append(errs, errors.New("at least one sensor id is required"))
	}
	seen := make(map[SensorID]bool, len(c.Sensors))
	for _, s := range c.Sensors {
		if seen[s] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate sensor id %s", s))
		}
		seen[s] = true
	}

	h := c.History
	if h.FlushTarget < 1 {
		errs = multierr.Append(errs, fmt.Errorf("history.flush_target must be at least 1, got %d", h.FlushTarget))
	}
	if h.FlushTarget >= h.FlushThreshold {
		errs = multierr.Append(errs, fmt.Errorf("history.flush_target (%d) must be below flush_threshold (%d)", h.FlushTarget, h.FlushThreshold))
	}
	if len(h.LookbackOffsets) == 0 {
		errs = multierr.Append(errs, errors.New("history.lookback_offsets cannot be empty"))
	}
	for i, off := range h.LookbackOffsets {
		if off < 0 {
			errs = multierr.Append(errs, fmt.Errorf("history.lookback_offsets[%d] is negative", i))
		}
		if i > 0 && off <= h.LookbackOffsets[i-1] {
			errs = multierr.Append(errs, fmt.Errorf("history.lookback_offsets must be strictly increasing at index %d", i))
		}
	}
	if h.ToleranceMs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("history.tolerance_ms must be positive, got %d", h.ToleranceMs))
	}

	if c.Telemetry.Addr != "" && c.Telemetry.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("telemetry.interval must be positive when telemetry.addr is set"))
	}

	return errs
}
