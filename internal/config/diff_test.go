package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/kanan/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Announce.TextCooldown = 20 * time.Second
	new.Detector.Interval = time.Second
	off := false
	new.Detector.ObjectRecognition = &off

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.CooldownsChanged {
		t.Error("CooldownsChanged = false")
	}
	if !d.DetectorIntervalChanged {
		t.Error("DetectorIntervalChanged = false")
	}
	if !d.ObjectRecognitionChanged || d.ObjectRecognition {
		t.Errorf("object recognition diff = %v/%v", d.ObjectRecognitionChanged, d.ObjectRecognition)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old := config.Default()
	new := config.Default()
	new.Providers.STT.Name = "whisper"
	new.Camera.MaxIndex = 2
	new.Faces.Dir = "/tmp/other"
	new.Events.Broker = "tcp://broker:1883"

	d := config.Diff(old, new)
	want := []string{"providers", "camera", "faces", "events"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() = true")
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()

	old := config.Default()
	new := config.Default()
	old.Providers.TTS.Options = map[string]any{"length_scale": 1.1}
	new.Providers.TTS.Options = map[string]any{"length_scale": 1.3}

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("option change not detected: %+v", d)
	}
	new.Providers.TTS.Options = map[string]any{"length_scale": 1.1}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("equal options reported as changed: %+v", d)
	}
}
