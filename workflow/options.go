package workflow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/emit"
	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Logger receives operational logs. Default: discard.
	Logger *slog.Logger

	// Emitter receives every instance log entry. Default: emit.NullEmitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Default: nil (none).
	Metrics *PrometheusMetrics

	// Clock supplies now. Default: the system clock.
	Clock Clock

	// Alarm is the instance's host alarm. Default: a ManualAlarm.
	Alarm Alarm

	// Codec encodes persisted records. Default: store.JSONCodec.
	Codec store.Codec

	// GracePeriod is the idle window before the watchdog aborts.
	// Default: 5 minutes.
	GracePeriod time.Duration

	// GraceMode chooses whether a countdown survives a reload.
	// Default: GraceReset.
	GraceMode GraceMode

	// StepDefaults is the config a Do step starts from.
	// Default: DefaultStepConfig().
	StepDefaults StepConfig

	// WaitTimeout is the default WaitForEvent window. Default: 24 hours.
	WaitTimeout time.Duration
}

// Option is a functional option for configuring an Engine or a Binding.
//
//	engine, err := workflow.New("order-42", wf, st,
//	    workflow.WithLogger(logger),
//	    workflow.WithGracePeriod(time.Minute),
//	    workflow.WithStepDefaults(workflow.StepConfig{Timeout: time.Minute}),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

func defaultOptions() Options {
	return Options{
		GracePeriod:  defaultGracePeriod,
		GraceMode:    GraceReset,
		StepDefaults: DefaultStepConfig(),
		WaitTimeout:  defaultWaitTimeout,
	}
}

func buildOptions(opts []Option) (Options, error) {
	cfg := &engineConfig{opts: defaultOptions()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return Options{}, err
		}
	}

	o := cfg.opts
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Alarm == nil {
		o.Alarm = &ManualAlarm{}
	}
	if o.Codec == nil {
		o.Codec = store.JSONCodec{}
	}
	return o, nil
}

// WithOptions replaces every setting with opts. Zero fields fall back to
// their defaults.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		def := defaultOptions()
		if opts.GracePeriod == 0 {
			opts.GracePeriod = def.GracePeriod
		}
		if opts.GraceMode == "" {
			opts.GraceMode = def.GraceMode
		}
		if opts.StepDefaults == (StepConfig{}) {
			opts.StepDefaults = def.StepDefaults
		}
		if opts.WaitTimeout == 0 {
			opts.WaitTimeout = def.WaitTimeout
		}
		cfg.opts = opts
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = logger
		return nil
	}
}

// WithEmitter sets the log entry emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithClock sets the clock.
func WithClock(c Clock) Option {
	return func(cfg *engineConfig) error {
		if c == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.opts.Clock = c
		return nil
	}
}

// WithAlarm sets the host alarm.
func WithAlarm(a Alarm) Option {
	return func(cfg *engineConfig) error {
		if a == nil {
			return errors.New("alarm cannot be nil")
		}
		cfg.opts.Alarm = a
		return nil
	}
}

// WithCodec sets the record codec.
func WithCodec(c store.Codec) Option {
	return func(cfg *engineConfig) error {
		if c == nil {
			return errors.New("codec cannot be nil")
		}
		cfg.opts.Codec = c
		return nil
	}
}

// WithGracePeriod sets the watchdog window.
func WithGracePeriod(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("grace period must be positive, got %v", d)
		}
		cfg.opts.GracePeriod = d
		return nil
	}
}

// WithGraceMode sets whether the watchdog countdown survives a reload.
func WithGraceMode(m GraceMode) Option {
	return func(cfg *engineConfig) error {
		if !m.valid() {
			return fmt.Errorf("unknown grace mode %q", m)
		}
		cfg.opts.GraceMode = m
		return nil
	}
}

// WithStepDefaults sets the config every Do step starts from.
func WithStepDefaults(c StepConfig) Option {
	return func(cfg *engineConfig) error {
		if err := c.Validate(); err != nil {
			return err
		}
		cfg.opts.StepDefaults = c
		return nil
	}
}

// WithWaitTimeout sets the default WaitForEvent window.
func WithWaitTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("wait timeout must be positive, got %v", d)
		}
		cfg.opts.WaitTimeout = d
		return nil
	}
}
