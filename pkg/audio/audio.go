// Package audio defines the microphone capture boundary for Kanan.
//
// A [Source] produces fixed-size blocks of mono 16-bit PCM. The voice command
// dispatcher forwards every block to the speech recogniser. Implementations
// live in subpackages (portaudio) so that callers can be tested without an
// audio device.
package audio

import (
	"context"

	"github.com/MrWong99/kanan/pkg/types"
)

// AudioFrame is re-exported from the types package.
type AudioFrame = types.AudioFrame

// Source is a live microphone.
type Source interface {
	// Start begins capture and returns a channel of audio blocks. The channel
	// is closed when ctx is cancelled, Close is called, or the device fails.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}
