// Package perception runs the control loop that turns camera frames into
// spoken announcements.
//
// Each cycle the [Loop] takes the newest published frame, matches faces
// against the face database, asks the detection gateway for objects and text,
// and hands every result that survives its cooldown to the speech serialiser.
// A failing collaborator only costs the current cycle; the loop itself stops
// only when its context ends.
package perception

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kanan/internal/announce"
	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/pkg/provider/detector"
	"github.com/MrWong99/kanan/pkg/types"
)

// DefaultInterval is the pause between perception cycles.
const DefaultInterval = 10 * time.Millisecond

// Announcement kinds, used as metric attributes and event types.
const (
	KindFace    = "face"
	KindObjects = "objects"
	KindText    = "text"
)

// Cooldowns configures how long a subject stays quiet after being announced.
type Cooldowns struct {
	Face    time.Duration
	Objects time.Duration
	Text    time.Duration
}

// DefaultCooldowns returns the standard cooldowns: 5s for faces, 6s for the
// object set and 8s for text.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Face:    5 * time.Second,
		Objects: 6 * time.Second,
		Text:    8 * time.Second,
	}
}

// Flags is the runtime state the voice dispatcher shares with the loop.
// The zero value has object recognition disabled; use [NewFlags].
type Flags struct {
	objectRecognition atomic.Bool
}

// NewFlags returns flags with object recognition enabled.
func NewFlags() *Flags {
	f := &Flags{}
	f.objectRecognition.Store(true)
	return f
}

// SetObjectRecognition switches object announcements on or off. Text
// announcements are unaffected.
func (f *Flags) SetObjectRecognition(enabled bool) { f.objectRecognition.Store(enabled) }

// ObjectRecognition reports whether object announcements are enabled.
func (f *Flags) ObjectRecognition() bool { return f.objectRecognition.Load() }

// FrameSource provides the latest camera frame.
type FrameSource interface {
	CurrentFrame() (types.Frame, bool)
}

// FaceMatcher finds known people in a frame.
type FaceMatcher interface {
	Match(ctx context.Context, frame types.Frame) []faces.Match
}

// Detector returns objects and text for a frame when a fresh result is
// available.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (detector.Result, bool)
}

// Speaker queues text for speech output.
type Speaker interface {
	Enqueue(text string) bool
}

// Announcement describes one phrase handed to the speaker.
type Announcement struct {
	Kind    string
	Key     announce.Key
	Subject string
	Phrase  string
	Seq     uint64
	At      time.Time
}

// Observer is notified after every announcement.
type Observer func(ctx context.Context, a Announcement)

// Deps are the loop's collaborators. Frames, Speaker and Flags are required;
// a nil Faces or Detector disables that stage.
type Deps struct {
	Frames   FrameSource
	Faces    FaceMatcher
	Detector Detector
	Speaker  Speaker
	Flags    *Flags
}

// Option is a functional option for [Loop].
type Option func(*Loop)

// WithInterval sets the pause between cycles.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// WithCooldowns replaces the default cooldowns.
func WithCooldowns(c Cooldowns) Option {
	return func(l *Loop) { l.cooldowns.Store(&c) }
}

// WithClock overrides the clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithObserver adds an announcement observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithMetrics records match latency and announcements.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop is the perception control loop. Run must be called from a single
// goroutine; SetCooldowns may be called from any goroutine.
type Loop struct {
	deps      Deps
	interval  time.Duration
	now       func() time.Time
	cooldowns atomic.Pointer[Cooldowns]
	observers []Observer
	metrics   *observe.Metrics

	debouncer *announce.Debouncer
	lastSeq   uint64
	seen      bool
}

// New creates a Loop.
func New(deps Deps, opts ...Option) *Loop {
	l := &Loop{
		deps:     deps,
		interval: DefaultInterval,
		now:      time.Now,
	}
	def := DefaultCooldowns()
	l.cooldowns.Store(&def)
	for _, o := range opts {
		o(l)
	}
	if l.deps.Flags == nil {
		l.deps.Flags = NewFlags()
	}
	l.debouncer = announce.NewDebouncer(announce.WithClock(l.now))
	return l
}

// Flags returns the shared runtime flags.
func (l *Loop) Flags() *Flags { return l.deps.Flags }

// Cooldowns returns the cooldowns currently in effect.
func (l *Loop) Cooldowns() Cooldowns { return *l.cooldowns.Load() }

// SetCooldowns replaces the cooldowns. Used on config reload.
func (l *Loop) SetCooldowns(c Cooldowns) { l.cooldowns.Store(&c) }

// Run executes perception cycles until ctx is cancelled. It always returns
// nil; per-cycle failures are logged and contained.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	slog.Info("perception: loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("perception: loop stopped")
			return nil
		case <-ticker.C:
			if err := l.step(ctx); err != nil {
				slog.Error("perception: cycle failed", "err", err)
			}
		}
	}
}

// step runs one cycle and converts a panic in any collaborator into an error.
func (l *Loop) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("perception: panic in cycle: %v", r)
		}
	}()
	l.cycle(ctx)
	return nil
}

// cycle processes the newest frame, if it has not been seen yet.
func (l *Loop) cycle(ctx context.Context) {
	frame, ok := l.deps.Frames.CurrentFrame()
	if !ok || frame.IsZero() {
		return
	}
	if l.seen && frame.Seq == l.lastSeq {
		return
	}
	l.lastSeq, l.seen = frame.Seq, true

	cd := l.Cooldowns()
	l.announceFaces(ctx, frame, cd.Face)

	if l.deps.Detector == nil {
		return
	}
	res, ok := l.deps.Detector.Detect(ctx, frame)
	if !ok {
		return
	}
	if len(res.Objects) > 0 && l.deps.Flags.ObjectRecognition() &&
		l.debouncer.ShouldAnnounce(announce.KeyObjects, announce.PeriodicRefresh, cd.Objects, true) {
		l.emit(ctx, Announcement{
			Kind:    KindObjects,
			Key:     announce.KeyObjects,
			Subject: strings.Join(res.Objects, ", "),
			Phrase:  announce.ObjectsPhrase(res.Objects),
			Seq:     frame.Seq,
		})
	}
	if text := strings.TrimSpace(res.Text); text != "" &&
		l.debouncer.ShouldAnnounce(announce.KeyText, announce.PeriodicRefresh, cd.Text, true) {
		l.emit(ctx, Announcement{
			Kind:    KindText,
			Key:     announce.KeyText,
			Subject: text,
			Phrase:  announce.TextPhrase(text),
			Seq:     frame.Seq,
		})
	}
}

func (l *Loop) announceFaces(ctx context.Context, frame types.Frame, cooldown time.Duration) {
	if l.deps.Faces == nil {
		return
	}
	start := time.Now()
	matches := l.deps.Faces.Match(ctx, frame)
	l.metrics.RecordFaceMatch(ctx, time.Since(start))

	for _, m := range matches {
		key := announce.FaceKey(m.Name)
		if !l.debouncer.ShouldAnnounce(key, announce.PresenceReset, cooldown, true) {
			continue
		}
		l.emit(ctx, Announcement{
			Kind:    KindFace,
			Key:     key,
			Subject: m.Name,
			Phrase:  announce.FacePhrase(m.Name),
			Seq:     frame.Seq,
		})
	}
}

func (l *Loop) emit(ctx context.Context, a Announcement) {
	a.At = l.now()
	if !l.deps.Speaker.Enqueue(a.Phrase) {
		slog.Debug("perception: speaker closed, dropping announcement", "kind", a.Kind, "subject", a.Subject)
		return
	}
	slog.Info("perception: announce", "kind", a.Kind, "subject", a.Subject, "seq", a.Seq)
	l.metrics.RecordAnnouncement(ctx, a.Kind)
	for _, o := range l.observers {
		o(ctx, a)
	}
}
