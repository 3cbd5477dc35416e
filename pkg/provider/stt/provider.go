// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a local streaming recogniser (Vosk, whisper.cpp) and
// exposes a uniform interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio blocks and emits two streams of
// Transcript values, low-latency partials and authoritative finals. The voice
// command dispatcher only acts on finals.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format for a new STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Kanan captures at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the language code for recognition (e.g., "en"). An empty
	// string selects the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without loading a model.
//
// Callers must call Close when the session is no longer needed.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM to the recogniser.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim Transcript values. The channel is
	// closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of committed Transcript values. The channel is
	// closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio and releases all
	// associated resources. After Close returns, the Partials and Finals
	// channels are closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (model
	// failure, unsupported configuration, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
