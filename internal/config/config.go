// Package config loads the client configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/liveobjects/internal/core/engine"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config is the full client configuration.
type Config struct {
	Channel        string          `json:"channel" yaml:"channel"`
	PublishTimeout Duration        `json:"publish_timeout" yaml:"publish_timeout"`
	Transport      TransportConfig `json:"transport" yaml:"transport"`
	GC             GCConfig        `json:"gc" yaml:"gc"`
	Log            LogConfig       `json:"log" yaml:"log"`
	Metrics        MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type TransportConfig struct {
	Kind               string `json:"kind" yaml:"kind"`
	Endpoint           string `json:"endpoint" yaml:"endpoint"`
	Format             string `json:"format" yaml:"format"`
	MaxFrameSize       int64  `json:"max_frame_size" yaml:"max_frame_size"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// GCConfig controls tombstone collection. GracePeriodMode is "dynamic" (the
// server may override the grace period) or "fixed".
type GCConfig struct {
	Interval        Duration `json:"interval" yaml:"interval"`
	GracePeriod     Duration `json:"grace_period" yaml:"grace_period"`
	GracePeriodMode string   `json:"grace_period_mode" yaml:"grace_period_mode"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Channel:        "objects",
		PublishTimeout: Duration(10 * time.Second),
		Transport: TransportConfig{
			Kind:         TransportWebSocket,
			Endpoint:     "ws://localhost:8080/objects",
			Format:       "json",
			MaxFrameSize: 64 * 1024,
		},
		GC: GCConfig{
			Interval:        Duration(engine.DefaultGCInterval),
			GracePeriod:     Duration(engine.DefaultGCGracePeriod),
			GracePeriodMode: engine.GracePeriodDynamic.String(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a restricted set of values.
func (c *Config) Validate() error {
	var errs []error
	if c.Channel == "" {
		errs = append(errs, errors.New("channel is required"))
	}
	switch c.Transport.Kind {
	case TransportWebSocket, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	if c.Transport.Endpoint == "" {
		errs = append(errs, errors.New("transport endpoint is required"))
	}
	if _, err := wire.ParseFormat(c.Transport.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.MaxFrameSize < 0 {
		errs = append(errs, errors.New("max_frame_size must not be negative"))
	}
	if c.GC.Interval <= 0 {
		errs = append(errs, errors.New("gc interval must be positive"))
	}
	if c.GC.GracePeriod <= 0 {
		errs = append(errs, errors.New("gc grace period must be positive"))
	}
	if _, ok := engine.ParseGracePeriodMode(c.GC.GracePeriodMode); !ok {
		errs = append(errs, fmt.Errorf("unknown grace period mode %q", c.GC.GracePeriodMode))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.PublishTimeout < 0 {
		errs = append(errs, errors.New("publish_timeout must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// WireFormat returns the parsed transport format. Call after Validate.
func (c *Config) WireFormat() wire.Format {
	f, _ := wire.ParseFormat(c.Transport.Format)
	return f
}

func (c *Config) LogLevel() log.Level {
	level, _ := log.ParseLevel(c.Log.Level)
	return level
}

func (c *Config) GracePeriodMode() engine.GracePeriodMode {
	mode, _ := engine.ParseGracePeriodMode(c.GC.GracePeriodMode)
	return mode
}

// EngineOptions maps the GC section onto engine options.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithGC(c.GC.Interval.Std(), c.GC.GracePeriod.Std(), c.GracePeriodMode()),
	}
}
