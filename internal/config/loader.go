package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"camera":   {"gocv"},
	"encoder":  {"goface"},
	"audio":    {"portaudio"},
	"stt":      {"vosk", "whisper"},
	"tts":      {"piper"},
	"detector": {"cloud"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":9090"
	DefaultFacesDir     = "faces"
	DefaultTolerance    = 0.5
	DefaultSampleRate   = 16000
	DefaultBlockSize    = 8000
	DefaultBatteryLevel = 75
	DefaultTopicPrefix  = "kanan"
)

// Load reads the YAML configuration file at path, applies defaults and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero value in cfg with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)
	if cfg.Server.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.InstanceID = host
		} else {
			cfg.Server.InstanceID = "kanan"
		}
	}

	setDefault(&cfg.Providers.Camera.Name, "gocv")
	setDefault(&cfg.Providers.Encoder.Name, "goface")
	setDefault(&cfg.Providers.Audio.Name, "portaudio")
	setDefault(&cfg.Providers.STT.Name, "vosk")
	setDefault(&cfg.Providers.TTS.Name, "piper")

	setDefault(&cfg.Camera.MaxIndex, 9)
	setDefault(&cfg.Camera.PollInterval, 10*time.Millisecond)
	setDefault(&cfg.Camera.MaxFailures, 5)
	setDefault(&cfg.Camera.ReconnectBackoff, 3*time.Second)

	setDefault(&cfg.Faces.Dir, DefaultFacesDir)
	setDefault(&cfg.Faces.Tolerance, DefaultTolerance)
	setDefault(&cfg.Faces.MatchWidth, 320)
	setDefault(&cfg.Faces.MatchHeight, 240)
	setDefault(&cfg.Faces.Concurrency, 4)

	setDefault(&cfg.Announce.Interval, 10*time.Millisecond)
	setDefault(&cfg.Announce.FaceCooldown, 5*time.Second)
	setDefault(&cfg.Announce.ObjectsCooldown, 6*time.Second)
	setDefault(&cfg.Announce.TextCooldown, 8*time.Second)

	setDefault(&cfg.Detector.Interval, 4*time.Second)
	setDefault(&cfg.Detector.Timeout, 5*time.Second)
	setDefault(&cfg.Detector.EncodeWidth, 480)
	setDefault(&cfg.Detector.EncodeHeight, 360)
	setDefault(&cfg.Detector.JPEGQuality, 85)
	if cfg.Detector.ObjectRecognition == nil {
		on := true
		cfg.Detector.ObjectRecognition = &on
	}
	setDefault(&cfg.Detector.Breaker.MaxFailures, 3)
	setDefault(&cfg.Detector.Breaker.ResetTimeout, 30*time.Second)

	setDefault(&cfg.Voice.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Voice.BlockSize, DefaultBlockSize)
	setDefault(&cfg.Voice.Language, "en")
	setDefault(&cfg.Voice.Battery, BatteryFixed)
	setDefault(&cfg.Voice.BatteryLevel, DefaultBatteryLevel)

	setDefault(&cfg.Speech.DrainTimeout, 10*time.Second)

	setDefault(&cfg.Events.TopicPrefix, DefaultTopicPrefix)
	setDefault(&cfg.Events.ClientID, "kanan-"+cfg.Server.InstanceID)
	setDefault(&cfg.Events.Buffer, 64)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	validateProviderName("camera", cfg.Providers.Camera.Name)
	validateProviderName("encoder", cfg.Providers.Encoder.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("detector", cfg.Providers.Detector.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("detector", cfg.Providers.DetectorFallback.Name)

	if cfg.Providers.Detector.Name == "cloud" && cfg.Providers.Detector.BaseURL == "" {
		errs = append(errs, errors.New("providers.detector.base_url is required for the cloud detector"))
	}
	if cfg.Providers.DetectorFallback.Name == "cloud" && cfg.Providers.DetectorFallback.BaseURL == "" {
		errs = append(errs, errors.New("providers.detector_fallback.base_url is required for the cloud detector"))
	}
	if cfg.Providers.DetectorFallback.Name != "" && cfg.Providers.Detector.Name == "" {
		errs = append(errs, errors.New("providers.detector_fallback requires providers.detector"))
	}
	if cfg.Providers.Detector.Name == "" {
		slog.Warn("config: no detector configured; objects and text will not be announced")
	}

	if cfg.Camera.MaxIndex < 0 {
		errs = append(errs, fmt.Errorf("camera.max_index %d must not be negative", cfg.Camera.MaxIndex))
	}
	if cfg.Camera.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("camera.max_failures %d must be at least 1", cfg.Camera.MaxFailures))
	}
	errs = appendNonNegative(errs, "camera.poll_interval", cfg.Camera.PollInterval)
	errs = appendNonNegative(errs, "camera.reconnect_backoff", cfg.Camera.ReconnectBackoff)

	if cfg.Faces.Tolerance < 0.5 || cfg.Faces.Tolerance > 0.6 {
		errs = append(errs, fmt.Errorf("faces.tolerance %.2f is out of range [0.5, 0.6]", cfg.Faces.Tolerance))
	}
	if cfg.Faces.MatchWidth < 1 || cfg.Faces.MatchHeight < 1 {
		errs = append(errs, fmt.Errorf("faces.match_width and faces.match_height must be positive"))
	}

	errs = appendNonNegative(errs, "announce.interval", cfg.Announce.Interval)
	errs = appendNonNegative(errs, "announce.face_cooldown", cfg.Announce.FaceCooldown)
	errs = appendNonNegative(errs, "announce.objects_cooldown", cfg.Announce.ObjectsCooldown)
	errs = appendNonNegative(errs, "announce.text_cooldown", cfg.Announce.TextCooldown)

	errs = appendNonNegative(errs, "detector.interval", cfg.Detector.Interval)
	errs = appendNonNegative(errs, "detector.timeout", cfg.Detector.Timeout)
	if q := cfg.Detector.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("detector.jpeg_quality %d is out of range [1, 100]", q))
	}

	if cfg.Voice.Battery != "" && !cfg.Voice.Battery.IsValid() {
		errs = append(errs, fmt.Errorf("voice.battery %q is invalid; valid values: fixed, sysfs", cfg.Voice.Battery))
	}
	if l := cfg.Voice.BatteryLevel; l < 0 || l > 100 {
		errs = append(errs, fmt.Errorf("voice.battery_level %d is out of range [0, 100]", l))
	}

	if cfg.Events.QoS > 2 {
		errs = append(errs, fmt.Errorf("events.qos %d is invalid; valid values: 0, 1, 2", cfg.Events.QoS))
	}

	return errors.Join(errs...)
}

func appendNonNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
