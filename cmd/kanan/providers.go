package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/kanan/internal/app"
	"github.com/MrWong99/kanan/internal/config"
	"github.com/MrWong99/kanan/pkg/audio"
	"github.com/MrWong99/kanan/pkg/audio/portaudio"
	"github.com/MrWong99/kanan/pkg/provider/camera"
	"github.com/MrWong99/kanan/pkg/provider/camera/gocv"
	"github.com/MrWong99/kanan/pkg/provider/detector"
	"github.com/MrWong99/kanan/pkg/provider/detector/cloud"
	"github.com/MrWong99/kanan/pkg/provider/face"
	"github.com/MrWong99/kanan/pkg/provider/face/goface"
	"github.com/MrWong99/kanan/pkg/provider/stt"
	"github.com/MrWong99/kanan/pkg/provider/stt/vosk"
	"github.com/MrWong99/kanan/pkg/provider/stt/whisper"
	"github.com/MrWong99/kanan/pkg/provider/tts"
	"github.com/MrWong99/kanan/pkg/provider/tts/piper"
)

// Piper defaults matching the voice Kanan has always used.
const (
	defaultLengthScale     = 1.1
	defaultSentenceSilence = 0.25
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry; settings that live outside the
// entry (sample rate, camera resolution) are taken from cfg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Camera ────────────────────────────────────────────────────────────────
	reg.RegisterCamera("gocv", func(config.ProviderEntry) (camera.Opener, error) {
		var opts []gocv.Option
		if cfg.Camera.Width > 0 && cfg.Camera.Height > 0 {
			opts = append(opts, gocv.WithResolution(cfg.Camera.Width, cfg.Camera.Height))
		}
		return gocv.New(opts...), nil
	})

	// ── Face encoder ──────────────────────────────────────────────────────────
	reg.RegisterEncoder("goface", func(entry config.ProviderEntry) (face.Encoder, error) {
		modelDir := entry.Model
		if modelDir == "" {
			modelDir = optString(entry.Options, "model_dir")
		}
		var opts []goface.Option
		if cnn, ok := optBool(entry.Options, "cnn"); ok {
			opts = append(opts, goface.WithCNN(cnn))
		}
		return goface.New(modelDir, opts...)
	})

	// ── Microphone ────────────────────────────────────────────────────────────
	reg.RegisterAudio("portaudio", func(config.ProviderEntry) (audio.Source, error) {
		return portaudio.New(
			portaudio.WithSampleRate(cfg.Voice.SampleRate),
			portaudio.WithBlockSize(cfg.Voice.BlockSize),
		)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []vosk.Option{vosk.WithSampleRate(cfg.Voice.SampleRate)}
		if v, ok := optBool(entry.Options, "verbose"); ok {
			opts = append(opts, vosk.WithVerbose(v))
		}
		return vosk.New(entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{
			whisper.WithSampleRate(cfg.Voice.SampleRate),
			whisper.WithLanguage(cfg.Voice.Language),
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms, ok := optInt(entry.Options, "silence_threshold_ms"); ok {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms, ok := optInt(entry.Options, "max_buffer_ms"); ok {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		return whisper.New(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []piper.Option{
			piper.WithLengthScale(defaultLengthScale),
			piper.WithSentenceSilence(defaultSentenceSilence),
		}
		if bin := optString(entry.Options, "binary"); bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		if player := optString(entry.Options, "player"); player != "" {
			opts = append(opts, piper.WithPlayer(player))
		}
		if v, ok := optFloat(entry.Options, "length_scale"); ok {
			opts = append(opts, piper.WithLengthScale(v))
		}
		if v, ok := optFloat(entry.Options, "sentence_silence"); ok {
			opts = append(opts, piper.WithSentenceSilence(v))
		}
		if dir := optString(entry.Options, "temp_dir"); dir != "" {
			opts = append(opts, piper.WithTempDir(dir))
		}
		return piper.New(entry.Model, opts...)
	})

	// ── Detector ──────────────────────────────────────────────────────────────
	reg.RegisterDetector("cloud", func(entry config.ProviderEntry) (detector.Provider, error) {
		opts := []cloud.Option{cloud.WithTimeout(cfg.Detector.Timeout)}
		if entry.APIKey != "" {
			opts = append(opts, cloud.WithAPIKey(entry.APIKey))
		}
		return cloud.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
//
// The camera, the face encoder and the recogniser are required; failing to
// create them is fatal. A missing microphone disables voice commands and a
// missing synthesiser switches speech to text-only output.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error
	p := cfg.Providers

	if ps.Camera, err = create("camera", p.Camera, true, reg.CreateCamera); err != nil {
		return nil, err
	}
	if ps.Encoder, err = create("encoder", p.Encoder, true, reg.CreateEncoder); err != nil {
		return nil, err
	}
	if ps.STT, err = create("stt", p.STT, true, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.STTFallback, err = create("stt", p.STTFallback, false, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.Detector, err = create("detector", p.Detector, false, reg.CreateDetector); err != nil {
		return nil, err
	}
	if ps.DetectorFallback, err = create("detector", p.DetectorFallback, false, reg.CreateDetector); err != nil {
		return nil, err
	}

	if ps.Audio, err = create("audio", p.Audio, false, reg.CreateAudio); err != nil {
		slog.Warn("microphone unavailable; voice commands disabled", "err", err)
		ps.Audio = nil
	}
	if ps.TTS, err = create("tts", p.TTS, false, reg.CreateTTS); err != nil {
		slog.Warn("speech synthesis unavailable; printing announcements", "err", err)
		ps.TTS = nil
	}
	return ps, nil
}

// create builds one provider. An empty name yields the zero value, which is
// an error only when required is set.
func create[T any](kind string, entry config.ProviderEntry, required bool, fn func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		if required {
			return zero, fmt.Errorf("providers.%s is required", kind)
		}
		return zero, nil
	}
	p, err := fn(entry)
	if err != nil {
		if !required && errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "kind", kind, "name", entry.Name)
			return zero, nil
		}
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a number; YAML decodes whole numbers as int.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func optBool(opts map[string]any, key string) (bool, bool) {
	v, ok := opts[key].(bool)
	return v, ok
}
