// Package vosk implements stt.Provider using the Vosk offline recogniser
// (github.com/alphacep/vosk-api/go). The model is loaded once and shared; each
// session owns its own recogniser.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/kanan/pkg/provider/stt"
)

const (
	defaultSampleRate = 16000

	// quietLogLevel silences Kaldi's startup chatter on stderr.
	quietLogLevel = -1
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider on a shared Vosk model.
type Provider struct {
	model      *vosklib.VoskModel
	sampleRate int
	verbose    bool
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSampleRate sets the default recogniser sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithVerbose keeps Kaldi's native logging enabled.
func WithVerbose(v bool) Option {
	return func(p *Provider) { p.verbose = v }
}

// New loads the Vosk model directory at modelPath.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("vosk: model path must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vosk: model %q: %w", modelPath, err)
	}

	p := &Provider{sampleRate: defaultSampleRate}
	for _, o := range opts {
		o(p)
	}
	if !p.verbose {
		vosklib.SetLogLevel(quietLogLevel)
	}

	model, err := vosklib.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", modelPath, err)
	}
	p.model = model
	return p, nil
}

// Close frees the model. Sessions must be closed first.
func (p *Provider) Close() error {
	if p.model != nil {
		p.model.Free()
		p.model = nil
	}
	return nil
}

// StartStream opens a new recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: context already cancelled: %w", err)
	}
	if p.model == nil {
		return nil, errors.New("vosk: provider is closed")
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	rec, err := vosklib.NewRecognizer(p.model, float64(sr))
	if err != nil {
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}

	s := &session{
		rec:      rec,
		started:  time.Now(),
		audioCh:  make(chan []byte, 64),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// result mirrors the JSON emitted by Result and FinalResult.
type result struct {
	Text string `json:"text"`
}

// partialResult mirrors the JSON emitted by PartialResult.
type partialResult struct {
	Partial string `json:"partial"`
}

// session implements stt.SessionHandle. The recogniser is only touched from
// processLoop.
type session struct {
	rec     *vosklib.VoskRecognizer
	started time.Time

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a block of 16-bit PCM.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes the recogniser, closes the transcript channels and frees the
// recogniser.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.rec.Free()

	var lastPartial string

	for {
		select {
		case <-ctx.Done():
			s.emitFinal(s.rec.FinalResult())
			return
		case <-s.done:
			s.emitFinal(s.rec.FinalResult())
			return
		case chunk := <-s.audioCh:
			if s.rec.AcceptWaveform(chunk) == 1 {
				lastPartial = ""
				s.emitFinal(s.rec.Result())
				continue
			}
			var pr partialResult
			if err := json.Unmarshal([]byte(s.rec.PartialResult()), &pr); err != nil {
				slog.Debug("vosk: bad partial result", "err", err)
				continue
			}
			if pr.Partial == "" || pr.Partial == lastPartial {
				continue
			}
			lastPartial = pr.Partial
			select {
			case s.partials <- stt.Transcript{Text: pr.Partial, Timestamp: time.Since(s.started)}:
			default:
			}
		}
	}
}

func (s *session) emitFinal(raw string) {
	text, err := parseResult(raw)
	if err != nil {
		slog.Warn("vosk: bad final result", "err", err)
		return
	}
	if text == "" {
		return
	}
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1, Timestamp: time.Since(s.started)}:
	default:
		slog.Warn("vosk: finals channel full, dropping utterance", "text", text)
	}
}

// parseResult extracts the recognised text from a Vosk result document.
func parseResult(raw string) (string, error) {
	var r result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", fmt.Errorf("vosk: decode result: %w", err)
	}
	return strings.TrimSpace(r.Text), nil
}
