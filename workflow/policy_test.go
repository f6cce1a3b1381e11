package workflow

import (
	"errors"
	"testing"
	"time"
)

// TestRetryConfig_NextDelay verifies the built-in backoff policies.
func TestRetryConfig_NextDelay(t *testing.T) {
	tests := []struct {
		name  string
		cfg   RetryConfig
		retry int
		want  time.Duration
	}{
		{"constant", RetryConfig{Delay: 5 * time.Second, Backoff: BackoffConstant}, 3, 5 * time.Second},
		{"linear", RetryConfig{Delay: 5 * time.Second, Backoff: BackoffLinear}, 3, 15 * time.Second},
		{"exponential", RetryConfig{Delay: 10 * time.Second, Backoff: BackoffExponential}, 1, 10 * time.Second},
		{"exponential third", RetryConfig{Delay: 10 * time.Second, Backoff: BackoffExponential}, 3, 40 * time.Second},
		{"empty backoff is exponential", RetryConfig{Delay: time.Second}, 4, 8 * time.Second},
		{"max delay caps", RetryConfig{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"huge retry saturates then caps", RetryConfig{Delay: time.Hour, Backoff: BackoffExponential, MaxDelay: time.Minute}, 80, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.NextDelay(tt.retry, "step#0")
			if err != nil {
				t.Fatalf("NextDelay: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestRetryConfig_Jitter verifies jitter is bounded and deterministic.
func TestRetryConfig_Jitter(t *testing.T) {
	cfg := RetryConfig{Delay: 10 * time.Second, Backoff: BackoffConstant, Jitter: 0.5}
	a, _ := cfg.NextDelay(1, "charge#0")
	b, _ := cfg.NextDelay(1, "charge#0")
	if a != b {
		t.Errorf("expected identical delays on replay, got %v and %v", a, b)
	}
	if a > 10*time.Second || a < 5*time.Second {
		t.Errorf("expected delay in [5s,10s], got %v", a)
	}
}

// TestStepConfig_Validate verifies rejected configs.
func TestStepConfig_Validate(t *testing.T) {
	if err := DefaultStepConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := []StepConfig{
		{Timeout: -time.Second},
		{Retries: RetryConfig{Limit: -1}},
		{Retries: RetryConfig{Delay: -time.Second}},
		{Retries: RetryConfig{Jitter: 1.5}},
		{Retries: RetryConfig{Backoff: "fibonacci-not-registered"}},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidStepConfig) {
			t.Errorf("config %d: expected ErrInvalidStepConfig, got %v", i, err)
		}
	}
}

// TestRegisterBackoff verifies custom policies are usable by name.
func TestRegisterBackoff(t *testing.T) {
	err := RegisterBackoff("fixed-test", BackoffFunc(func(int, time.Duration) time.Duration {
		return 3 * time.Second
	}))
	if err != nil {
		t.Fatalf("RegisterBackoff: %v", err)
	}
	cfg := RetryConfig{Delay: time.Hour, Backoff: "fixed-test"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d, _ := cfg.NextDelay(2, "x#0"); d != 3*time.Second {
		t.Errorf("expected 3s, got %v", d)
	}

	found := false
	for _, name := range Backoffs() {
		if name == "fixed-test" {
			found = true
		}
	}
	if !found {
		t.Error("expected fixed-test in Backoffs()")
	}
	if err := RegisterBackoff("", nil); err == nil {
		t.Error("expected error for empty name")
	}
}

// TestStepOptions verifies options layer over the defaults.
func TestStepOptions(t *testing.T) {
	cfg := applyStepOptions(DefaultStepConfig(), []StepOption{
		WithRetries(2, time.Second, BackoffLinear),
		WithMaxDelay(time.Minute),
		WithJitter(0.1),
		WithTimeout(time.Second),
		nil,
	})
	want := StepConfig{
		Retries: RetryConfig{Limit: 2, Delay: time.Second, Backoff: BackoffLinear, MaxDelay: time.Minute, Jitter: 0.1},
		Timeout: time.Second,
	}
	if cfg != want {
		t.Errorf("expected %+v, got %+v", want, cfg)
	}
}
