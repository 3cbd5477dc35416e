// Package portaudio captures microphone audio through PortAudio
// (github.com/gordonklaus/portaudio).
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/kanan/pkg/audio"
)

const (
	// DefaultSampleRate is what the recognisers expect.
	DefaultSampleRate = 16000

	// DefaultBlockSize is the number of samples per delivered block (0.5 s).
	DefaultBlockSize = 8000

	channels = 1
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSampleRate sets the capture rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithBlockSize sets the samples per block.
func WithBlockSize(n int) Option {
	return func(s *Source) { s.blockSize = n }
}

// Source reads the default input device in blocking mode on its own goroutine.
type Source struct {
	sampleRate int
	blockSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New initialises PortAudio. Close must be called to terminate it.
func New(opts ...Option) (*Source, error) {
	s := &Source{sampleRate: DefaultSampleRate, blockSize: DefaultBlockSize}
	for _, o := range opts {
		o(s)
	}
	if s.sampleRate <= 0 || s.blockSize <= 0 {
		return nil, errors.New("portaudio: sample rate and block size must be positive")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return s, nil
}

// Start opens the default input stream and begins delivering blocks.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, errors.New("portaudio: already started")
	}

	buf := make([]int16, s.blockSize)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(s.sampleRate), s.blockSize, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	s.stream = stream
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	out := make(chan audio.AudioFrame, 8)
	go s.readLoop(ctx, stream, buf, out)
	return out, nil
}

func (s *Source) readLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, out chan<- audio.AudioFrame) {
	defer close(s.stopped)
	defer close(out)

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			// Input overflow only means we were slow; keep going.
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			slog.Error("portaudio: read failed", "err", err)
			return
		}

		pcm := make([]byte, len(buf)*2)
		for i, v := range buf {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
		}
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: s.sampleRate,
			Channels:   channels,
			Timestamp:  time.Since(start),
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close stops the stream and terminates PortAudio.
func (s *Source) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return portaudio.Terminate()
	}
	s.running = false
	stream, done, stopped := s.stream, s.done, s.stopped
	s.stream = nil
	s.mu.Unlock()

	close(done)
	// A blocking Read returns within one block; stopping the stream first
	// would race with it.
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		slog.Warn("portaudio: read loop did not stop in time")
	}

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
