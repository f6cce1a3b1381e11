package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudflare/workers-sdk-sub043/workflow/emit"
	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// DefaultConfigYAML is the configuration LoadConfig falls back to when the
// file does not exist.
const DefaultConfigYAML = `# workflow engine configuration
store:
  # memory, sqlite, mysql or postgres
  driver: sqlite
  dsn: workflows.db
  # json or msgpack
  codec: json

engine:
  grace_period: 5m
  # reset starts a fresh watchdog countdown after a restart; persist keeps it
  grace_mode: reset
  wait_timeout: 24h
  step_defaults:
    timeout: 10m
    retries:
      limit: 5
      delay: 10s
      backoff: exponential

logging:
  # debug, info, warn or error
  level: info
  # text or json
  format: text
`

// StoreConfig selects and opens the store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Codec  string `yaml:"codec,omitempty"`
}

// EngineConfig holds the engine settings a file can override.
type EngineConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	GraceMode    GraceMode     `yaml:"grace_mode"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	StepDefaults *StepConfig   `yaml:"step_defaults,omitempty"`
}

// LoggingConfig configures the slog handler built by Config.Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config models a workflow YAML file.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseConfig decodes YAML into a Config and validates it. Fields the
// document leaves out keep their defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(DefaultConfigYAML), cfg); err != nil {
		return nil, fmt.Errorf("parse default config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the YAML file at path. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ParseConfig(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate checks every field that has a closed set of values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "memory", "sqlite", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Codec != "" {
		if _, err := store.CodecByName(c.Store.Codec); err != nil {
			return err
		}
	}
	if c.Engine.GraceMode != "" && !c.Engine.GraceMode.valid() {
		return fmt.Errorf("unknown grace mode %q", c.Engine.GraceMode)
	}
	if c.Engine.GracePeriod < 0 || c.Engine.WaitTimeout < 0 {
		return errors.New("engine durations must not be negative")
	}
	if c.Engine.StepDefaults != nil {
		if err := c.Engine.StepDefaults.Validate(); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// Options turns the config into engine options. Extra options are
// applied after, so they win.
func (c *Config) Options(w io.Writer, extra ...Option) ([]Option, error) {
	var opts []Option
	logger, err := c.Logger(w)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithLogger(logger), WithEmitter(emit.NewLogEmitter(logger)))

	if c.Store.Codec != "" {
		codec, err := store.CodecByName(c.Store.Codec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCodec(codec))
	}
	if c.Engine.GracePeriod > 0 {
		opts = append(opts, WithGracePeriod(c.Engine.GracePeriod))
	}
	if c.Engine.GraceMode != "" {
		opts = append(opts, WithGraceMode(c.Engine.GraceMode))
	}
	if c.Engine.WaitTimeout > 0 {
		opts = append(opts, WithWaitTimeout(c.Engine.WaitTimeout))
	}
	if c.Engine.StepDefaults != nil {
		opts = append(opts, WithStepDefaults(*c.Engine.StepDefaults))
	}
	return append(opts, extra...), nil
}

// OpenStore opens the configured store.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, c.Store.Driver, c.Store.DSN)
}

// Logger builds a slog.Logger writing to w. A nil w discards.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
