// Package piper implements tts.Provider by shelling out to the piper neural
// TTS binary and playing the resulting WAV file with aplay.
//
// Text is split into sentences and each sentence is synthesised and played in
// turn, so the first words are heard before a long paragraph is rendered.
package piper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/MrWong99/kanan/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBinary          = "piper"
	defaultPlayer          = "aplay"
	defaultLengthScale     = 1.1
	defaultSentenceSilence = 0.25
)

// Runner executes name with args, feeding stdin to the process. It exists so
// that tests can observe invocations without real binaries.
type Runner func(ctx context.Context, stdin string, name string, args ...string) error

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBinary overrides the piper executable name or path.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithPlayer overrides the playback command (default "aplay").
func WithPlayer(path string) Option {
	return func(p *Provider) { p.player = path }
}

// WithLengthScale sets piper's --length_scale. Values above 1 slow speech down.
func WithLengthScale(v float64) Option {
	return func(p *Provider) { p.lengthScale = v }
}

// WithSentenceSilence sets piper's --sentence_silence in seconds.
func WithSentenceSilence(v float64) Option {
	return func(p *Provider) { p.sentenceSilence = v }
}

// WithTempDir sets where intermediate WAV files are written.
func WithTempDir(dir string) Option {
	return func(p *Provider) { p.tempDir = dir }
}

// WithRunner replaces process execution. Intended for tests.
func WithRunner(r Runner) Option {
	return func(p *Provider) { p.run = r }
}

// WithLookPath replaces executable discovery. Intended for tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *Provider) { p.lookPath = fn }
}

// Provider speaks through piper + aplay.
type Provider struct {
	model           string
	binary          string
	player          string
	lengthScale     float64
	sentenceSilence float64
	tempDir         string

	run      Runner
	lookPath func(string) (string, error)
}

// New creates a Provider for the given .onnx voice model.
func New(model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("piper: model must not be empty")
	}
	p := &Provider{
		model:           model,
		binary:          defaultBinary,
		player:          defaultPlayer,
		lengthScale:     defaultLengthScale,
		sentenceSilence: defaultSentenceSilence,
		tempDir:         os.TempDir(),
		run:             execRun,
		lookPath:        exec.LookPath,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Available reports whether both binaries are on PATH and the model exists.
func (p *Provider) Available() bool {
	for _, bin := range []string{p.binary, p.player} {
		if _, err := p.lookPath(bin); err != nil {
			slog.Warn("piper: executable not found", "bin", bin, "err", err)
			return false
		}
	}
	if _, err := os.Stat(p.model); err != nil {
		slog.Warn("piper: voice model not found", "model", p.model, "err", err)
		return false
	}
	return true
}

// SynthesizeAndPlay renders text sentence by sentence and plays each one. A
// sentence that fails is skipped so the rest of the utterance is still
// heard; the failures are returned joined.
func (p *Provider) SynthesizeAndPlay(ctx context.Context, text string) error {
	var errs []error
	for _, sentence := range SplitSentences(text) {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := p.speakSentence(ctx, sentence); err != nil {
			slog.Warn("piper: sentence skipped", "sentence", sentence, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) speakSentence(ctx context.Context, sentence string) error {
	f, err := os.CreateTemp(p.tempDir, "kanan-tts-*.wav")
	if err != nil {
		return fmt.Errorf("piper: create temp file: %w", err)
	}
	wav := f.Name()
	f.Close()
	defer os.Remove(wav)

	err = p.run(ctx, sentence, p.binary,
		"--model", p.model,
		"--output_file", wav,
		"--length_scale", strconv.FormatFloat(p.lengthScale, 'f', -1, 64),
		"--sentence_silence", strconv.FormatFloat(p.sentenceSilence, 'f', -1, 64),
	)
	if err != nil {
		return fmt.Errorf("piper: synthesize: %w", err)
	}
	if err := p.run(ctx, "", p.player, "-q", wav); err != nil {
		return fmt.Errorf("piper: play %s: %w", filepath.Base(wav), err)
	}
	return nil
}

// execRun runs the command and folds its stderr into the returned error.
func execRun(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// SplitSentences breaks text on '.', '!' and '?' followed by whitespace or the
// end of the string. Abbreviations like "3.14" stay intact. Blank sentences
// are dropped.
func SplitSentences(text string) []string {
	var out []string
	rest := strings.TrimSpace(text)
	for rest != "" {
		i := sentenceBoundary(rest)
		if i < 0 {
			out = append(out, rest)
			break
		}
		if s := strings.TrimSpace(rest[:i+1]); s != "" {
			out = append(out, s)
		}
		rest = strings.TrimSpace(rest[i+1:])
	}
	return out
}

func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
