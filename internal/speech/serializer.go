// Package speech serialises every spoken announcement through a single
// consumer goroutine.
//
// Producers (the perception loop, the voice dispatcher, the camera manager)
// call [Serializer.Enqueue] from any goroutine without blocking. One consumer
// drains the queue in strict FIFO order and hands each utterance to the
// [tts.Provider], so at most one synthesis is ever in flight and
// announcements never overlap. [Serializer.Shutdown] appends a sentinel; the
// consumer exits once it reaches it, after speaking everything queued before.
//
// When the synthesis engine is unavailable at construction time the
// serialiser degrades to a text-only sink that writes each utterance to an
// [io.Writer] instead.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/kanan/pkg/provider/tts"
)

// ErrSynthUnavailable is logged once when the serialiser falls back to
// text-only output.
var ErrSynthUnavailable = errors.New("speech: synthesis unavailable, using text-only output")

// TextOnlyPrefix is written before each utterance in text-only mode.
const TextOnlyPrefix = "Kanan (text only): "

// defaultDrainTimeout bounds how long the consumer keeps speaking after the
// Run context is cancelled.
const defaultDrainTimeout = 10 * time.Second

// Utterance is one queued announcement.
type Utterance struct {
	// ID uniquely identifies the utterance in logs and events.
	ID string

	// Text is the trimmed text to speak.
	Text string

	// EnqueuedAt is when Enqueue accepted the utterance.
	EnqueuedAt time.Time

	sentinel bool
}

// Observer is notified after each utterance has been delivered (spoken or
// printed). err is non-nil if synthesis failed.
type Observer func(u Utterance, latency time.Duration, err error)

// Option is a functional option for [Serializer].
type Option func(*Serializer)

// WithTextWriter sets the writer used in text-only mode. Default: os.Stdout.
func WithTextWriter(w io.Writer) Option {
	return func(s *Serializer) { s.textOut = w }
}

// WithDrainTimeout sets how long pending utterances may still be spoken after
// the Run context is cancelled.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Serializer) { s.drainTimeout = d }
}

// WithObserver registers a callback invoked after each utterance.
func WithObserver(o Observer) Option {
	return func(s *Serializer) { s.observers = append(s.observers, o) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) { s.log = l }
}

// Serializer is the single-writer speech output channel. It is safe for
// concurrent use by any number of producers.
type Serializer struct {
	synth        tts.Provider
	textOnly     bool
	textOut      io.Writer
	drainTimeout time.Duration
	observers    []Observer
	log          *slog.Logger

	mu       sync.Mutex
	queue    []Utterance
	shutdown bool
	notify   chan struct{}

	runOnce sync.Once
	done    chan struct{}
}

// New creates a Serializer that speaks through synth. A nil synth, or one
// whose Available reports false, selects text-only mode.
func New(synth tts.Provider, opts ...Option) *Serializer {
	s := &Serializer{
		synth:        synth,
		textOut:      os.Stdout,
		drainTimeout: defaultDrainTimeout,
		log:          slog.Default(),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if synth == nil || !synth.Available() {
		s.textOnly = true
		s.log.Warn("speech: degraded mode", "err", ErrSynthUnavailable)
	}
	return s
}

// TextOnly reports whether the serialiser prints instead of speaking.
func (s *Serializer) TextOnly() bool { return s.textOnly }

// Enqueue appends text to the queue and returns immediately. Blank text is
// ignored. It returns false once Shutdown has been called.
func (s *Serializer) Enqueue(text string) bool {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return false
	}
	if text == "" {
		s.mu.Unlock()
		return true
	}
	u := Utterance{ID: uuid.NewString(), Text: text, EnqueuedAt: time.Now()}
	s.queue = append(s.queue, u)
	s.mu.Unlock()

	s.log.Info("speech: queued", "id", u.ID, "text", text)
	s.wake()
	return true
}

// Shutdown appends the sentinel. Everything enqueued before it is still
// delivered; every later Enqueue returns false. Safe to call more than once.
func (s *Serializer) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.queue = append(s.queue, Utterance{sentinel: true})
	s.mu.Unlock()
	s.wake()
}

// Len returns the number of utterances waiting to be spoken.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.shutdown && n > 0 {
		n-- // sentinel
	}
	return n
}

// Done is closed when the consumer has exited.
func (s *Serializer) Done() <-chan struct{} { return s.done }

// Run is the consumer loop. It returns nil after reaching the sentinel.
// Cancelling ctx triggers Shutdown; already queued utterances are drained for
// at most the drain timeout before playback is cut. Run may only be called
// once; later calls return an error.
func (s *Serializer) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("speech: run: consumer already started")
	}
	defer close(s.done)

	playCtx, cancelPlay := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPlay()

	stop := context.AfterFunc(ctx, func() {
		s.Shutdown()
		t := time.NewTimer(s.drainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			s.log.Warn("speech: drain timeout, cutting playback", "pending", s.Len())
			cancelPlay()
		case <-s.done:
		}
	})
	defer stop()

	for {
		u, ok := s.next()
		if !ok {
			<-s.notify
			continue
		}
		if u.sentinel {
			s.log.Debug("speech: sentinel reached, consumer exiting")
			return nil
		}
		s.deliver(playCtx, u)
	}
}

func (s *Serializer) next() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Utterance{}, false
	}
	u := s.queue[0]
	s.queue[0] = Utterance{}
	s.queue = s.queue[1:]
	return u, true
}

func (s *Serializer) deliver(ctx context.Context, u Utterance) {
	var err error
	if s.textOnly || ctx.Err() != nil {
		_, err = fmt.Fprintln(s.textOut, TextOnlyPrefix+u.Text)
	} else {
		err = s.synth.SynthesizeAndPlay(ctx, u.Text)
		if err != nil {
			s.log.Error("speech: synthesis failed", "id", u.ID, "err", err)
		}
	}
	latency := time.Since(u.EnqueuedAt)
	for _, o := range s.observers {
		o(u, latency, err)
	}
}

func (s *Serializer) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
