package workflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// TestParseConfig verifies defaults and overrides.
func TestParseConfig(t *testing.T) {
	t.Run("empty document keeps defaults", func(t *testing.T) {
		cfg, err := ParseConfig(nil)
		if err != nil {
			t.Fatalf("ParseConfig: %v", err)
		}
		if cfg.Store.Driver != "sqlite" || cfg.Store.Codec != "json" {
			t.Errorf("unexpected store defaults: %+v", cfg.Store)
		}
		if cfg.Engine.GracePeriod != 5*time.Minute || cfg.Engine.GraceMode != GraceReset {
			t.Errorf("unexpected grace defaults: %+v", cfg.Engine)
		}
		if cfg.Engine.StepDefaults == nil || *cfg.Engine.StepDefaults != DefaultStepConfig() {
			t.Errorf("expected default step config, got %+v", cfg.Engine.StepDefaults)
		}
	})

	t.Run("document overrides fields", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
store:
  driver: memory
  codec: msgpack
engine:
  grace_period: 90s
  grace_mode: persist
  step_defaults:
    timeout: 30s
    retries:
      limit: 2
      delay: 1s
      backoff: linear
logging:
  level: debug
  format: json
`))
		if err != nil {
			t.Fatalf("ParseConfig: %v", err)
		}
		if cfg.Store.Driver != "memory" || cfg.Store.Codec != "msgpack" {
			t.Errorf("unexpected store: %+v", cfg.Store)
		}
		if cfg.Engine.GracePeriod != 90*time.Second || cfg.Engine.GraceMode != GracePersist {
			t.Errorf("unexpected engine: %+v", cfg.Engine)
		}
		if cfg.Engine.WaitTimeout != 24*time.Hour {
			t.Errorf("expected default wait timeout kept, got %v", cfg.Engine.WaitTimeout)
		}
		want := StepConfig{Timeout: 30 * time.Second, Retries: RetryConfig{Limit: 2, Delay: time.Second, Backoff: BackoffLinear}}
		if *cfg.Engine.StepDefaults != want {
			t.Errorf("expected %+v, got %+v", want, *cfg.Engine.StepDefaults)
		}
	})

	invalid := map[string]string{
		"driver":  "store:\n  driver: oracle\n",
		"codec":   "store:\n  codec: xml\n",
		"mode":    "engine:\n  grace_mode: forever\n",
		"level":   "logging:\n  level: loud\n",
		"format":  "logging:\n  format: xml\n",
		"retries": "engine:\n  step_defaults:\n    retries:\n      limit: -1\n",
		"yaml":    "store: [",
	}
	for name, doc := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// TestLoadConfig verifies file loading and the missing file fallback.
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig missing: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected defaults, got %+v", cfg.Store)
	}

	path := filepath.Join(dir, "workflow.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.Store.Driver)
	}
}

// TestConfig_Options verifies a config drives a working engine.
func TestConfig_Options(t *testing.T) {
	cfg, err := ParseConfig([]byte("store:\n  driver: memory\n  codec: msgpack\nengine:\n  grace_period: 1m\nlogging:\n  level: debug\n  format: json\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	ctx := context.Background()
	st, err := cfg.OpenStore(ctx)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.MemStore); !ok {
		t.Errorf("expected *store.MemStore, got %T", st)
	}

	var logs bytes.Buffer
	alarm := &ManualAlarm{}
	opts, err := cfg.Options(&logs, WithAlarm(alarm))
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	wf := WorkflowFunc(func(ctx context.Context, ev Event, step *Step) (any, error) {
		return step.Do("answer", func(ctx context.Context) (any, error) { return 42, nil })
	})
	e, err := New("cfg-1", wf, st, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Init(ctx, InitRequest{WorkflowName: "configured"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := e.Alarm(ctx); err != nil {
		t.Fatalf("Alarm: %v", err)
	}

	s, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.Status != StatusComplete || string(s.Output) != "42" {
		t.Errorf("expected complete with 42, got %s %s", s.Status, s.Output)
	}
	if !strings.Contains(logs.String(), `"instance.created"`) {
		t.Errorf("expected JSON log lines with instance events, got %q", logs.String())
	}
}
