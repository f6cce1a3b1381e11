package workflow

import (
	"testing"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// TestBuildOptions verifies defaults and option validation.
func TestBuildOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o, err := buildOptions(nil)
		if err != nil {
			t.Fatalf("buildOptions: %v", err)
		}
		if o.Logger == nil || o.Emitter == nil || o.Clock == nil || o.Alarm == nil || o.Codec == nil {
			t.Errorf("expected every default filled: %+v", o)
		}
		if o.GracePeriod != defaultGracePeriod || o.GraceMode != GraceReset {
			t.Errorf("unexpected grace defaults: %v %v", o.GracePeriod, o.GraceMode)
		}
		if o.WaitTimeout != defaultWaitTimeout || o.StepDefaults != DefaultStepConfig() {
			t.Errorf("unexpected step defaults: %+v", o)
		}
	})

	t.Run("options apply in order", func(t *testing.T) {
		o, err := buildOptions([]Option{
			WithGracePeriod(time.Minute),
			WithGracePeriod(2 * time.Minute),
			WithGraceMode(GracePersist),
			WithCodec(store.MsgpackCodec{}),
			WithWaitTimeout(time.Hour),
			nil,
		})
		if err != nil {
			t.Fatalf("buildOptions: %v", err)
		}
		if o.GracePeriod != 2*time.Minute || o.GraceMode != GracePersist || o.WaitTimeout != time.Hour {
			t.Errorf("unexpected options: %+v", o)
		}
		if o.Codec.Name() != "msgpack" {
			t.Errorf("expected msgpack codec, got %s", o.Codec.Name())
		}
	})

	t.Run("with options fills zero fields", func(t *testing.T) {
		o, err := buildOptions([]Option{WithOptions(Options{GracePeriod: time.Second})})
		if err != nil {
			t.Fatalf("buildOptions: %v", err)
		}
		if o.GracePeriod != time.Second || o.GraceMode != GraceReset || o.WaitTimeout != defaultWaitTimeout {
			t.Errorf("unexpected options: %+v", o)
		}
	})

	invalid := map[string]Option{
		"grace period": WithGracePeriod(0),
		"grace mode":   WithGraceMode("sometimes"),
		"wait timeout": WithWaitTimeout(-time.Second),
		"clock":        WithClock(nil),
		"alarm":        WithAlarm(nil),
		"codec":        WithCodec(nil),
		"step config":  WithStepDefaults(StepConfig{Timeout: -1}),
	}
	for name, opt := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			if _, err := buildOptions([]Option{opt}); err == nil {
				t.Error("expected error")
			}
		})
	}
}
