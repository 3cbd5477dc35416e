package voicecmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/kanan/pkg/audio"
	"github.com/MrWong99/kanan/pkg/provider/stt"
)

// DefaultStreamConfig is the microphone format used for recognition.
var DefaultStreamConfig = stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}

// ListenerOption is a functional option for [Listener].
type ListenerOption func(*Listener)

// WithStreamConfig overrides the recognition stream format.
func WithStreamConfig(cfg stt.StreamConfig) ListenerOption {
	return func(l *Listener) { l.cfg = cfg }
}

// WithOnReady registers a callback invoked once the microphone and the
// recogniser are both running. The app uses it for the greeting.
func WithOnReady(fn func()) ListenerOption {
	return func(l *Listener) { l.onReady = fn }
}

// Listener pumps microphone audio into a recognition session and dispatches
// every final transcript. Partial transcripts are discarded.
type Listener struct {
	mic        audio.Source
	recognizer stt.Provider
	dispatcher *Dispatcher
	cfg        stt.StreamConfig
	onReady    func()
}

// NewListener creates a Listener.
func NewListener(mic audio.Source, recognizer stt.Provider, d *Dispatcher, opts ...ListenerOption) *Listener {
	l := &Listener{
		mic:        mic,
		recognizer: recognizer,
		dispatcher: d,
		cfg:        DefaultStreamConfig,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run opens the microphone and a recognition session, then dispatches finals
// until ctx ends or the session's finals channel closes. Failing to open
// either side is returned as an error; everything after that is logged.
func (l *Listener) Run(ctx context.Context) error {
	sess, err := l.recognizer.StartStream(ctx, l.cfg)
	if err != nil {
		return fmt.Errorf("voicecmd: start recognition: %w", err)
	}
	defer sess.Close()

	frames, err := l.mic.Start(ctx)
	if err != nil {
		return fmt.Errorf("voicecmd: start microphone: %w", err)
	}
	defer l.mic.Close()

	go tracePartials(sess.Partials())
	go l.pump(frames, sess)

	if l.onReady != nil {
		l.onReady()
	}
	slog.Info("voicecmd: listening", "sample_rate", l.cfg.SampleRate)

	finals := sess.Finals()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-finals:
			if !ok {
				slog.Info("voicecmd: recognition session ended")
				return nil
			}
			_, _ = l.dispatcher.Dispatch(ctx, t.Text)
		}
	}
}

// pump forwards audio blocks until the microphone channel closes or the
// session is closed.
func (l *Listener) pump(frames <-chan audio.AudioFrame, sess stt.SessionHandle) {
	for f := range frames {
		if err := sess.SendAudio(f.Data); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				for range frames {
				}
				return
			}
			slog.Warn("voicecmd: send audio", "err", err)
		}
	}
}

// tracePartials logs interim transcripts at debug level until the session
// closes the channel. Commands only act on finals.
func tracePartials(partials <-chan stt.Transcript) {
	for t := range partials {
		slog.Debug("voicecmd: partial", "text", t.Text)
	}
}
