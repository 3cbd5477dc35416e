// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one utterance into audible speech on the local output
// device and returns once playback has finished. Kanan never mixes audio: the
// speech serialiser guarantees that at most one SynthesizeAndPlay call is in
// flight, so implementations may assume exclusive use of the sound card.
package tts

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by SynthesizeAndPlay when the engine binary or
// voice model is missing.
var ErrUnavailable = errors.New("tts: synthesis engine unavailable")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeAndPlay speaks text and blocks until playback completes, the
	// engine fails, or ctx is cancelled.
	SynthesizeAndPlay(ctx context.Context, text string) error

	// Available reports whether the engine can be used at all. The speech
	// serialiser checks it once at startup and degrades to text-only output
	// when it returns false.
	Available() bool
}
