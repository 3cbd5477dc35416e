package resilience

import (
	"context"

	"github.com/MrWong99/kanan/pkg/provider/stt"
)

// STTFallback opens recognition sessions on the first recogniser that
// accepts one, typically Vosk and then whisper.cpp. An open session stays on
// the backend that created it.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = STTFallback{}

// NewSTTFallback returns a recogniser trying entries in order.
func NewSTTFallback(cfg FallbackConfig, entries ...Entry[stt.Provider]) STTFallback {
	return STTFallback{NewFallbackGroup(cfg, entries...)}
}

func (f STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
