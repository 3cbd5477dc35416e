// Package mock provides a test double for the tts.Provider interface.
//
// Provider records every utterance in order and tracks the peak number of
// concurrent SynthesizeAndPlay calls, which lets tests assert that speech
// never overlaps.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/kanan/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Unavailable makes Available return false.
	Unavailable bool

	// Delay is slept inside SynthesizeAndPlay to simulate playback.
	Delay time.Duration

	// Err, if non-nil, is returned by every SynthesizeAndPlay call.
	Err error

	// Spoken records every text passed to SynthesizeAndPlay, in call order.
	Spoken []string

	// OnSpeak, if set, is invoked with each text before returning.
	OnSpeak func(text string)

	inFlight    int
	maxInFlight int
}

// SynthesizeAndPlay records the call and returns Err.
func (p *Provider) SynthesizeAndPlay(ctx context.Context, text string) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.Spoken = append(p.Spoken, text)
	delay, err, hook := p.Delay, p.Err, p.OnSpeak
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	if hook != nil {
		hook(text)
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return err
}

// Available reports !Unavailable.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unavailable
}

// Texts returns a copy of the spoken texts. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Spoken...)
}

// MaxConcurrent returns the peak number of overlapping SynthesizeAndPlay calls.
func (p *Provider) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
