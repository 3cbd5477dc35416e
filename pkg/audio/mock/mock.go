// Package mock provides a test double for audio.Source.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/kanan/pkg/audio"
)

// Source is a mock audio.Source. Tests push frames on Frames; Start returns
// a channel that forwards them until ctx ends or Close is called.
type Source struct {
	mu sync.Mutex

	// Frames feeds the channel returned by Start. Created by NewSource.
	Frames chan audio.AudioFrame

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	StartCalls int
	CloseCalls int

	closed chan struct{}
	once   sync.Once
}

// NewSource returns a Source with a buffered Frames channel.
func NewSource() *Source {
	return &Source{Frames: make(chan audio.AudioFrame, 16), closed: make(chan struct{})}
}

// Start implements audio.Source.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	s.StartCalls++
	err := s.StartErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.Frames == nil || s.closed == nil {
		return nil, errors.New("mock: use NewSource")
	}

	out := make(chan audio.AudioFrame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case f, ok := <-s.Frames:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements audio.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

var _ audio.Source = (*Source)(nil)
