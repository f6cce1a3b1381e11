package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// StepConfig configures retries and the timeout of one step.
type StepConfig struct {
	Retries RetryConfig   `json:"retries" yaml:"retries"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// RetryConfig says how often and how late a failed step is attempted again.
//
// A failure of attempt n (1-based) is retried while n <= Limit, so a body
// that always fails runs Limit+1 times.
type RetryConfig struct {
	// Limit is the number of retries after the first attempt.
	Limit int `json:"limit" yaml:"limit"`

	// Delay is the base delay handed to the backoff policy.
	Delay time.Duration `json:"delay" yaml:"delay"`

	// Backoff names a registered BackoffPolicy: "constant", "linear",
	// "exponential", or one added with RegisterBackoff.
	Backoff string `json:"backoff" yaml:"backoff"`

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration `json:"maxDelay,omitempty" yaml:"max_delay"`

	// Jitter in [0,1] shortens each delay by up to that fraction. The
	// amount is derived from the cacheKey and retry number, so a replay
	// computes the same wake time.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter"`
}

const (
	defaultRetryLimit  = 5
	defaultRetryDelay  = 10 * time.Second
	defaultStepTimeout = 10 * time.Minute
	defaultWaitTimeout = 24 * time.Hour
)

// DefaultStepConfig returns the config a Do step gets when no option
// overrides it: five exponential retries from 10s, ten minute timeout.
func DefaultStepConfig() StepConfig {
	return StepConfig{
		Retries: RetryConfig{
			Limit:   defaultRetryLimit,
			Delay:   defaultRetryDelay,
			Backoff: BackoffExponential,
		},
		Timeout: defaultStepTimeout,
	}
}

// ErrInvalidStepConfig is returned for a config Validate rejects.
var ErrInvalidStepConfig = errors.New("invalid step config")

// Validate checks the config against the registered backoff policies.
func (c StepConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidStepConfig, c.Timeout)
	}
	return c.Retries.Validate()
}

// Validate checks the retry config.
func (r RetryConfig) Validate() error {
	switch {
	case r.Limit < 0:
		return fmt.Errorf("%w: negative retry limit %d", ErrInvalidStepConfig, r.Limit)
	case r.Delay < 0:
		return fmt.Errorf("%w: negative retry delay %v", ErrInvalidStepConfig, r.Delay)
	case r.MaxDelay < 0:
		return fmt.Errorf("%w: negative max delay %v", ErrInvalidStepConfig, r.MaxDelay)
	case r.Jitter < 0 || r.Jitter > 1:
		return fmt.Errorf("%w: jitter %v outside [0,1]", ErrInvalidStepConfig, r.Jitter)
	}
	if _, ok := LookupBackoff(r.backoffName()); !ok {
		return fmt.Errorf("%w: unknown backoff %q", ErrInvalidStepConfig, r.Backoff)
	}
	return nil
}

func (r RetryConfig) backoffName() string {
	if r.Backoff == "" {
		return BackoffExponential
	}
	return r.Backoff
}

// NextDelay returns how long to wait before retry number retry (1 for the
// first retry) of the step keyed cacheKey.
func (r RetryConfig) NextDelay(retry int, cacheKey string) (time.Duration, error) {
	policy, ok := LookupBackoff(r.backoffName())
	if !ok {
		return 0, fmt.Errorf("%w: unknown backoff %q", ErrInvalidStepConfig, r.Backoff)
	}
	if retry < 1 {
		retry = 1
	}

	d := policy.Delay(retry, r.Delay)
	if d < 0 {
		d = 0
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 && d > 0 {
		d -= time.Duration(float64(d) * r.Jitter * jitterFraction(cacheKey, retry))
	}
	return d, nil
}

// jitterFraction maps (cacheKey, retry) to a stable value in [0,1).
func jitterFraction(cacheKey string, retry int) float64 {
	h := sha256.New()
	h.Write([]byte(cacheKey))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(retry)))
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// BackoffPolicy maps a retry number (1 for the first retry) and the
// configured base delay to the wait before that retry.
type BackoffPolicy interface {
	Delay(retry int, base time.Duration) time.Duration
}

// BackoffFunc adapts a function to BackoffPolicy.
type BackoffFunc func(retry int, base time.Duration) time.Duration

// Delay implements BackoffPolicy.
func (f BackoffFunc) Delay(retry int, base time.Duration) time.Duration {
	return f(retry, base)
}

// Built-in backoff names.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

var (
	backoffMu       sync.RWMutex
	backoffPolicies = map[string]BackoffPolicy{
		BackoffConstant: BackoffFunc(func(_ int, base time.Duration) time.Duration {
			return base
		}),
		BackoffLinear: BackoffFunc(func(retry int, base time.Duration) time.Duration {
			return base * time.Duration(retry)
		}),
		BackoffExponential: BackoffFunc(func(retry int, base time.Duration) time.Duration {
			// base * 2^(retry-1), saturating instead of overflowing.
			if retry > 62 {
				return time.Duration(math.MaxInt64)
			}
			mult := int64(1) << (retry - 1)
			if base > 0 && int64(base) > math.MaxInt64/mult {
				return time.Duration(math.MaxInt64)
			}
			return base * time.Duration(mult)
		}),
	}
)

// RegisterBackoff adds or replaces a named backoff policy. Step configs
// refer to it through RetryConfig.Backoff.
//
//	workflow.RegisterBackoff("fibonacci", workflow.BackoffFunc(func(n int, base time.Duration) time.Duration {
//		a, b := 1, 1
//		for i := 1; i < n; i++ {
//			a, b = b, a+b
//		}
//		return base * time.Duration(a)
//	}))
func RegisterBackoff(name string, policy BackoffPolicy) error {
	if name == "" {
		return errors.New("backoff name cannot be empty")
	}
	if policy == nil {
		return errors.New("backoff policy cannot be nil")
	}
	backoffMu.Lock()
	defer backoffMu.Unlock()
	backoffPolicies[name] = policy
	return nil
}

// LookupBackoff returns the policy registered under name.
func LookupBackoff(name string) (BackoffPolicy, bool) {
	backoffMu.RLock()
	defer backoffMu.RUnlock()
	p, ok := backoffPolicies[name]
	return p, ok
}

// Backoffs returns the registered policy names in sorted order.
func Backoffs() []string {
	backoffMu.RLock()
	defer backoffMu.RUnlock()
	names := make([]string, 0, len(backoffPolicies))
	for n := range backoffPolicies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StepOption adjusts the config of a single step.
type StepOption func(*StepConfig)

// WithRetries sets the retry limit, base delay and backoff policy.
func WithRetries(limit int, delay time.Duration, backoff string) StepOption {
	return func(c *StepConfig) {
		c.Retries.Limit = limit
		c.Retries.Delay = delay
		c.Retries.Backoff = backoff
	}
}

// WithRetryLimit sets only the retry limit.
func WithRetryLimit(limit int) StepOption {
	return func(c *StepConfig) { c.Retries.Limit = limit }
}

// WithMaxDelay caps backoff delays.
func WithMaxDelay(d time.Duration) StepOption {
	return func(c *StepConfig) { c.Retries.MaxDelay = d }
}

// WithJitter sets the deterministic jitter fraction.
func WithJitter(f float64) StepOption {
	return func(c *StepConfig) { c.Retries.Jitter = f }
}

// WithTimeout sets the step timeout. For WaitForEvent it is the wait
// window.
func WithTimeout(d time.Duration) StepOption {
	return func(c *StepConfig) { c.Timeout = d }
}

// WithStepConfig replaces the whole config.
func WithStepConfig(cfg StepConfig) StepOption {
	return func(c *StepConfig) { *c = cfg }
}

func applyStepOptions(base StepConfig, opts []StepOption) StepConfig {
	for _, opt := range opts {
		if opt != nil {
			opt(&base)
		}
	}
	return base
}
