package config

import "slices"

// ConfigDiff describes what changed between two configs. Fields that can be
// applied to a running engine are tracked individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CooldownsChanged is true when any announce cooldown changed.
	CooldownsChanged bool

	DetectorIntervalChanged bool

	ObjectRecognitionChanged bool
	ObjectRecognition        bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart, e.g. "providers" or "camera".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CooldownsChanged && !d.DetectorIntervalChanged &&
		!d.ObjectRecognitionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Announce, new.Announce
	if oa.FaceCooldown != na.FaceCooldown || oa.ObjectsCooldown != na.ObjectsCooldown || oa.TextCooldown != na.TextCooldown {
		d.CooldownsChanged = true
	}
	if old.Detector.Interval != new.Detector.Interval {
		d.DetectorIntervalChanged = true
	}
	if boolValue(old.Detector.ObjectRecognition) != boolValue(new.Detector.ObjectRecognition) {
		d.ObjectRecognitionChanged = true
		d.ObjectRecognition = boolValue(new.Detector.ObjectRecognition)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.InstanceID != new.Server.InstanceID {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Camera != new.Camera {
		d.RestartRequired = append(d.RestartRequired, "camera")
	}
	if old.Faces != new.Faces {
		d.RestartRequired = append(d.RestartRequired, "faces")
	}
	if oa.Interval != na.Interval {
		d.RestartRequired = append(d.RestartRequired, "announce.interval")
	}
	od, nd := old.Detector, new.Detector
	if od.Timeout != nd.Timeout || od.EncodeWidth != nd.EncodeWidth || od.EncodeHeight != nd.EncodeHeight ||
		od.JPEGQuality != nd.JPEGQuality || od.Breaker != nd.Breaker {
		d.RestartRequired = append(d.RestartRequired, "detector")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}

	return d
}

func boolValue(b *bool) bool { return b != nil && *b }

func providersEqual(a, b ProvidersConfig) bool {
	pairs := [][2]ProviderEntry{
		{a.Camera, b.Camera},
		{a.Encoder, b.Encoder},
		{a.Audio, b.Audio},
		{a.STT, b.STT},
		{a.TTS, b.TTS},
		{a.Detector, b.Detector},
		{a.STTFallback, b.STTFallback},
		{a.DetectorFallback, b.DetectorFallback},
	}
	return !slices.ContainsFunc(pairs, func(p [2]ProviderEntry) bool {
		return !entryEqual(p[0], p[1])
	})
}

// entryEqual compares entries; Options are compared by length and scalar
// values only.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.Model != b.Model || a.BaseURL != b.BaseURL || a.APIKey != b.APIKey {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok {
			return false
		}
		switch av.(type) {
		case map[string]any, []any:
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}
