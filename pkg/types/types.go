// Package types defines the shared types used across all Kanan packages.
//
// These types are the lingua franca between providers, the camera manager,
// the matcher and the perception loop. Each package defines its own domain
// types; cross-cutting data structures live here to avoid circular imports.
package types

import (
	"image"
	"time"
)

// Frame is a single captured camera image.
//
// A Frame is immutable once published by the camera manager. Readers share the
// same underlying Image and must never write to it.
type Frame struct {
	// Image holds the decoded pixels at capture resolution.
	Image image.Image

	// Seq is a monotonically increasing capture counter. Consumers use it to
	// detect whether the latest frame has changed since they last looked.
	Seq uint64

	// CapturedAt is the wall-clock time the frame was read from the device.
	CapturedAt time.Time
}

// IsZero reports whether f holds no image.
func (f Frame) IsZero() bool {
	return f.Image == nil
}

// Bounds returns the pixel bounds of the frame, or the empty rectangle when
// the frame holds no image.
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// AudioFrame represents a single block of microphone audio.
type AudioFrame struct {
	// Data holds 16-bit signed little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for speech recognition).
	SampleRate int

	// Channels is 1 for mono microphone input.
	Channels int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance was emitted, relative to session start.
	Timestamp time.Duration
}
