// Package mock provides scripted stand-ins for the stt interfaces.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the listener with p ...
//	sess.Final("what time is it")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kanan/pkg/provider/stt"
)

// StartStreamCall is one recorded [Provider.StartStream] invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Session, or a fresh [Session] when Session is nil.
// StartStreamErr makes every call fail.
type Provider struct {
	Session        stt.SessionHandle
	StartStreamErr error

	mu    sync.Mutex
	calls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.calls...)
}

// Session is a recognition session driven by the test. Transcripts pushed
// with [Session.Partial] and [Session.Final] come out of the corresponding
// channels; audio handed to SendAudio is kept for inspection.
type Session struct {
	// SendAudioErr is returned by SendAudio after the chunk is recorded.
	SendAudioErr error

	partials chan stt.Transcript
	finals   chan stt.Transcript

	mu     sync.Mutex
	chunks [][]byte
	closes int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns an open session with room for 16 pending transcripts
// per channel.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// Partial queues an interim transcript.
func (s *Session) Partial(text string) { s.partials <- stt.Transcript{Text: text} }

// Final queues a final transcript.
func (s *Session) Final(text string) { s.finals <- stt.Transcript{Text: text, IsFinal: true} }

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return stt.ErrSessionClosed
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

// Chunks returns copies of the audio received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// Closes reports how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Close ends both transcript channels. Repeated calls are counted and
// otherwise ignored.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.partials)
		close(s.finals)
	}
	return nil
}
