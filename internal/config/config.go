// Package config holds the decode session configuration and its YAML loader.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Precision selects how non-timestamp events are stamped.
type Precision int

const (
	// PrecisionExact defers events until the next local timestamp and stamps them with it.
	PrecisionExact Precision = iota
	// PrecisionFloor stamps events immediately with the last known timestamp.
	PrecisionFloor
)

func (p Precision) String() string {
	switch p {
	case PrecisionExact:
		return "exact"
	case PrecisionFloor:
		return "floor"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Precision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Precision) UnmarshalText(text []byte) error {
	v, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePrecision accepts "exact" or "floor" ("floor_to_last" is an alias).
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return PrecisionExact, nil
	case "floor", "floor_to_last", "floortolast":
		return PrecisionFloor, nil
	default:
		return PrecisionExact, fmt.Errorf("%w: unknown timestamp precision %q", ErrInvalid, s)
	}
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// Config is the decode session configuration.
type Config struct {
	// TPIUFraming enables the TPIU 16-byte frame deformatter.
	TPIUFraming bool `yaml:"tpiu_framing" mapstructure:"tpiu_framing"`
	// TPIUSync requires an FSYNC before the first frame is accepted.
	TPIUSync bool `yaml:"tpiu_sync" mapstructure:"tpiu_sync"`
	// OFLOW decodes orbflow (COBS packetised, stream tagged) input instead of TPIU frames.
	OFLOW bool `yaml:"oflow" mapstructure:"oflow"`
	// Channels restricts which TPIU source IDs or orbflow streams are decoded. Empty means all.
	Channels []uint8 `yaml:"channels" mapstructure:"channels"`
	// ChannelCount bounds the number of per-channel decoders a session will create.
	ChannelCount int `yaml:"channel_count" mapstructure:"channel_count"`

	// RequireSync starts each decoder unsynchronised, waiting for an ITM sync packet.
	RequireSync bool `yaml:"require_sync" mapstructure:"require_sync"`

	// TickPeriodNs is the duration of one local timestamp tick.
	TickPeriodNs uint64 `yaml:"tick_period_ns" mapstructure:"tick_period_ns"`
	// GlobalTickPeriodNs is the duration of one global timestamp tick. Zero uses TickPeriodNs.
	GlobalTickPeriodNs uint64 `yaml:"global_tick_period_ns" mapstructure:"global_tick_period_ns"`
	// TSPrescale is the ITM TCR.TSPrescale divider applied to local timestamp deltas.
	TSPrescale uint32 `yaml:"ts_prescale" mapstructure:"ts_prescale"`
	// TimestampPrecision selects exact (deferred) or floor-to-last stamping.
	TimestampPrecision Precision `yaml:"timestamp_precision" mapstructure:"timestamp_precision"`
	// MaxPendingEvents bounds the events held while waiting for a timestamp.
	MaxPendingEvents int `yaml:"max_pending_events" mapstructure:"max_pending_events"`

	// ParallelChannels decodes each channel on its own goroutine.
	ParallelChannels bool `yaml:"parallel_channels" mapstructure:"parallel_channels"`
	// SinkQueue is the bounded queue length between decode and sink (0 = synchronous).
	SinkQueue int `yaml:"sink_queue" mapstructure:"sink_queue"`
	// DropOnBackpressure drops (and counts) events instead of blocking when the queue is full.
	DropOnBackpressure bool `yaml:"drop_on_backpressure" mapstructure:"drop_on_backpressure"`

	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		ChannelCount:       16,
		TickPeriodNs:       1,
		TSPrescale:         1,
		TimestampPrecision: PrecisionExact,
		MaxPendingEvents:   256,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks option ranges. All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.ChannelCount < 1 || c.ChannelCount > 128 {
		return fmt.Errorf("%w: channel_count %d out of range 1..128", ErrInvalid, c.ChannelCount)
	}
	if c.TickPeriodNs == 0 {
		return fmt.Errorf("%w: tick_period_ns must be non-zero", ErrInvalid)
	}
	switch c.TSPrescale {
	case 1, 4, 16, 64:
	default:
		return fmt.Errorf("%w: ts_prescale %d must be one of 1, 4, 16, 64", ErrInvalid, c.TSPrescale)
	}
	if c.TimestampPrecision != PrecisionExact && c.TimestampPrecision != PrecisionFloor {
		return fmt.Errorf("%w: unknown timestamp precision %d", ErrInvalid, c.TimestampPrecision)
	}
	if c.MaxPendingEvents < 1 {
		return fmt.Errorf("%w: max_pending_events must be at least 1", ErrInvalid)
	}
	if c.SinkQueue < 0 {
		return fmt.Errorf("%w: sink_queue must not be negative", ErrInvalid)
	}
	if c.DropOnBackpressure && c.SinkQueue == 0 {
		return fmt.Errorf("%w: drop_on_backpressure needs a sink_queue", ErrInvalid)
	}
	if c.OFLOW && c.TPIUFraming {
		return fmt.Errorf("%w: oflow and tpiu_framing are mutually exclusive", ErrInvalid)
	}
	if c.TPIUFraming {
		for _, ch := range c.Channels {
			if ch > 0x7F {
				return fmt.Errorf("%w: channel id 0x%02x out of range", ErrInvalid, ch)
			}
		}
	}
	if len(c.Channels) > 0 && !c.TPIUFraming && !c.OFLOW {
		return fmt.Errorf("%w: channels filter requires tpiu_framing or oflow", ErrInvalid)
	}
	return nil
}

// GlobalTickNs returns the effective global timestamp tick period.
func (c *Config) GlobalTickNs() uint64 {
	if c.GlobalTickPeriodNs == 0 {
		return c.TickPeriodNs
	}
	return c.GlobalTickPeriodNs
}

// ChannelEnabled reports whether data for the given channel should be decoded.
func (c *Config) ChannelEnabled(id uint8) bool {
	if len(c.Channels) == 0 {
		return true
	}
	for _, ch := range c.Channels {
		if ch == id {
			return true
		}
	}
	return false
}
