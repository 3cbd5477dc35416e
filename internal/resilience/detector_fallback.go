package resilience

import (
	"context"

	"github.com/MrWong99/kanan/pkg/provider/detector"
)

// DetectorFallback spreads detection over several endpoints, each behind its
// own breaker, so an outage of the primary costs one failed call instead of
// one per cycle.
type DetectorFallback struct {
	*FallbackGroup[detector.Provider]
}

var _ detector.Provider = DetectorFallback{}

// NewDetectorFallback returns a detector trying entries in order.
func NewDetectorFallback(cfg FallbackConfig, entries ...Entry[detector.Provider]) DetectorFallback {
	return DetectorFallback{NewFallbackGroup(cfg, entries...)}
}

// Detect sends jpeg to the first endpoint that answers.
func (f DetectorFallback) Detect(ctx context.Context, jpeg []byte) (detector.Result, error) {
	return Call(f.FallbackGroup, func(p detector.Provider) (detector.Result, error) {
		return p.Detect(ctx, jpeg)
	})
}
