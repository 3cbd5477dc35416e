// Package config provides the configuration schema, loader, and provider
// registry for Kanan.
//
// Durations are written the way time.ParseDuration reads them ("4s",
// "250ms"). Every zero value is replaced by a default in [ApplyDefaults], so
// a minimal file only needs to name the providers.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BatterySource selects how the battery command reads the charge level.
type BatterySource string

const (
	// BatteryFixed always reports Voice.BatteryLevel.
	BatteryFixed BatterySource = "fixed"

	// BatterySysfs reads /sys/class/power_supply/*/capacity.
	BatterySysfs BatterySource = "sysfs"
)

// IsValid reports whether b is a recognised battery source.
func (b BatterySource) IsValid() bool {
	return b == BatteryFixed || b == BatterySysfs
}

// Config is the root configuration structure for Kanan.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Camera    CameraConfig    `yaml:"camera"`
	Faces     FacesConfig     `yaml:"faces"`
	Announce  AnnounceConfig  `yaml:"announce"`
	Detector  DetectorConfig  `yaml:"detector"`
	Voice     VoiceConfig     `yaml:"voice"`
	Speech    SpeechConfig    `yaml:"speech"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds the status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the status server serving /healthz,
	// /readyz and /metrics (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// InstanceID names this device in events and telemetry. Defaults to
	// the hostname.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the fraction of detector calls and status requests
	// that get a sampled trace id in their log lines. Range [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// TLS configures TLS for the status server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which implementation to use for each external
// collaborator. Each field selects a named factory registered in the
// [Registry].
type ProvidersConfig struct {
	Camera   ProviderEntry `yaml:"camera"`
	Encoder  ProviderEntry `yaml:"encoder"`
	Audio    ProviderEntry `yaml:"audio"`
	STT      ProviderEntry `yaml:"stt"`
	TTS      ProviderEntry `yaml:"tts"`
	Detector ProviderEntry `yaml:"detector"`

	// STTFallback and DetectorFallback are optional secondary backends,
	// tried when the primary fails or its breaker is open.
	STTFallback      ProviderEntry `yaml:"stt_fallback"`
	DetectorFallback ProviderEntry `yaml:"detector_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "vosk", "piper").
	Name string `yaml:"name"`

	// Model is the model path or identifier (a Vosk model directory, a
	// piper .onnx voice, the go-face model directory).
	Model string `yaml:"model"`

	// BaseURL is the endpoint of network providers such as the detector.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against network providers, if they need it.
	APIKey string `yaml:"api_key"`

	// Options holds provider-specific values not covered by the standard
	// fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CameraConfig tunes device probing and recovery.
type CameraConfig struct {
	// MaxIndex is the highest device index probed.
	MaxIndex int `yaml:"max_index"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxFailures      int           `yaml:"max_failures"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// Width and Height request a capture resolution. Zero keeps the driver
	// default.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// FacesConfig configures the face database and matcher.
type FacesConfig struct {
	// Dir holds one image per known person; the filename stem is the name.
	Dir string `yaml:"dir"`

	// Tolerance is the maximum descriptor distance accepted as a match.
	Tolerance float64 `yaml:"tolerance"`

	MatchWidth  int `yaml:"match_width"`
	MatchHeight int `yaml:"match_height"`

	// Concurrency bounds parallel encoding during a rebuild.
	Concurrency int `yaml:"concurrency"`
}

// AnnounceConfig holds the perception loop cadence and cooldowns.
type AnnounceConfig struct {
	Interval        time.Duration `yaml:"interval"`
	FaceCooldown    time.Duration `yaml:"face_cooldown"`
	ObjectsCooldown time.Duration `yaml:"objects_cooldown"`
	TextCooldown    time.Duration `yaml:"text_cooldown"`
}

// DetectorConfig configures the detection gateway.
type DetectorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	EncodeWidth  int           `yaml:"encode_width"`
	EncodeHeight int           `yaml:"encode_height"`
	JPEGQuality  int           `yaml:"jpeg_quality"`

	// ObjectRecognition is the initial state of object announcements.
	// Defaults to true.
	ObjectRecognition *bool `yaml:"object_recognition"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the detector.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// VoiceConfig configures microphone capture and recognition.
type VoiceConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	BlockSize  int    `yaml:"block_size"`
	Language   string `yaml:"language"`

	Battery      BatterySource `yaml:"battery"`
	BatteryLevel int           `yaml:"battery_level"`
}

// SpeechConfig configures speech output.
type SpeechConfig struct {
	// DrainTimeout bounds how long queued speech may keep playing after
	// shutdown starts.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// EventsConfig configures the optional MQTT event sink. An empty Broker
// disables it.
type EventsConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Buffer      int    `yaml:"buffer"`
}

// Enabled reports whether an MQTT broker is configured.
func (e EventsConfig) Enabled() bool { return e.Broker != "" }
