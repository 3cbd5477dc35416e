// Package voicecmd turns finalised speech transcripts into actions.
//
// Each final transcript is trimmed and lowercased, then checked against an
// ordered table of [Intent] values; the first match runs and the rest are
// skipped. Order matters: compound phrases such as "stop object recognition"
// sit before broader ones so that a short keyword never shadows them.
// Utterances that match nothing are ignored.
package voicecmd

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/pkg/types"
)

// Spoken confirmations.
const (
	PhraseFacesRefreshed  = "Faces refreshed"
	PhraseCameraNotReady  = "Camera not ready"
	PhraseObjectsDisabled = "Object recognition disabled, but I will continue reading text."
	PhraseObjectsEnabled  = "Object recognition enabled."
	PhraseShuttingDown    = "Shutting down"
	PhraseSaveFailed      = "Sorry, I could not save the picture"
	PhraseRebuildFailed   = "Sorry, I could not refresh the faces"
	PhraseBatteryUnknown  = "Sorry, I could not read the battery level."

	// DefaultPictureName prefixes the timestamped name of a picture whose
	// command names no subject.
	DefaultPictureName = "picture"

	// pictureStampLayout is appended to [DefaultPictureName].
	pictureStampLayout = "20060102_150405"

	// timeLayout renders the wall clock as "03:04 PM".
	timeLayout = "03:04 PM"
)

// batteryPhrases trigger the battery intent. The bare word "battery" is
// deliberately absent: it shows up in unrelated speech and in Kanan's own
// answer.
var batteryPhrases = []string{
	"battery status",
	"battery level",
	"what is my battery",
	"whats my battery",
	"what's my battery",
	"power level",
}

// Speaker queues text for speech output.
type Speaker interface {
	Enqueue(text string) bool
}

// FaceStore persists snapshots and rebuilds the face database.
type FaceStore interface {
	Save(name string, img image.Image) (string, error)
	Reload(ctx context.Context) (int, error)
}

// FrameSource provides the latest camera frame.
type FrameSource interface {
	CurrentFrame() (types.Frame, bool)
}

// ObjectToggle switches object announcements on and off.
type ObjectToggle interface {
	SetObjectRecognition(enabled bool)
}

// Utterance is one final transcript handed to an intent.
type Utterance struct {
	// Text is Raw case-folded; predicates match against it.
	Text string

	// Raw is trimmed and NFKC-normalised but keeps the recogniser's casing.
	Raw string
}

// Intent is one entry of the ordered command table.
type Intent struct {
	// Name is a short label used in logs and metrics.
	Name string

	// Match reports whether the normalised text triggers this intent.
	Match func(text string) bool

	// Action performs the command.
	Action func(ctx context.Context, u Utterance) error
}

// Deps are the collaborators a Dispatcher acts on. Speaker is required; any
// other nil dependency makes the intents that need it reply that the feature
// is not ready.
type Deps struct {
	Speaker  Speaker
	Faces    FaceStore
	Frames   FrameSource
	Objects  ObjectToggle
	Battery  BatteryReader
	Shutdown func()
}

// Option is a functional option for [Dispatcher].
type Option func(*Dispatcher)

// WithClock overrides the clock used by the time intent.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMetrics counts dispatched commands.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIntents replaces the built-in intent table.
func WithIntents(intents []Intent) Option {
	return func(d *Dispatcher) { d.intents = intents }
}

// Dispatcher evaluates final transcripts against the intent table. Dispatch
// is safe for concurrent use, but the listener calls it from one goroutine
// so commands run in the order they were spoken.
type Dispatcher struct {
	deps    Deps
	intents []Intent
	now     func() time.Time
	metrics *observe.Metrics
}

// New creates a Dispatcher with the built-in intent table.
func New(deps Deps, opts ...Option) *Dispatcher {
	if deps.Battery == nil {
		deps.Battery = FixedBattery(DefaultBatteryLevel)
	}
	d := &Dispatcher{deps: deps, now: time.Now}
	d.intents = d.defaultIntents()
	for _, o := range opts {
		o(d)
	}
	return d
}

// Intents returns the intent names in evaluation order.
func (d *Dispatcher) Intents() []string {
	names := make([]string, len(d.intents))
	for i, in := range d.intents {
		names[i] = in.Name
	}
	return names
}

// Dispatch normalises text and runs the first matching intent. It returns
// the matched intent name, or "" if nothing matched. Action errors are
// logged and returned wrapped with the intent name.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (string, error) {
	u := normalize(text)
	if u.Raw == "" {
		return "", nil
	}

	for _, in := range d.intents {
		if !in.Match(u.Text) {
			continue
		}
		d.metrics.RecordCommand(ctx, in.Name)
		slog.Info("voicecmd: command", "intent", in.Name, "text", u.Text)
		if err := in.Action(ctx, u); err != nil {
			slog.Warn("voicecmd: command failed", "intent", in.Name, "text", u.Text, "err", err)
			return in.Name, fmt.Errorf("voicecmd: %s: %w", in.Name, err)
		}
		return in.Name, nil
	}

	slog.Debug("voicecmd: no command matched", "text", u.Text)
	return "", nil
}

func (d *Dispatcher) say(text string) {
	d.deps.Speaker.Enqueue(text)
}

// defaultIntents returns the built-in command table in evaluation order.
func (d *Dispatcher) defaultIntents() []Intent {
	return []Intent{
		{
			Name:   "time",
			Match:  containsAny("what time"),
			Action: d.tellTime,
		},
		{
			Name:   "rebuild",
			Match:  containsAny("rebuild"),
			Action: d.rebuildFaces,
		},
		{
			Name:   "battery",
			Match:  containsAny(batteryPhrases...),
			Action: d.tellBattery,
		},
		{
			Name: "picture",
			Match: func(text string) bool {
				return strings.Contains(text, "picture") && strings.Contains(text, "name")
			},
			Action: d.takePicture,
		},
		{
			Name:   "stop_objects",
			Match:  containsAny("stop object recognition"),
			Action: d.toggleObjects(false),
		},
		{
			Name:   "start_objects",
			Match:  containsAny("start object recognition"),
			Action: d.toggleObjects(true),
		},
		{
			Name:   "shutdown",
			Match:  containsAny("shutdown", "exit"),
			Action: d.shutdown,
		},
	}
}

func (d *Dispatcher) tellTime(_ context.Context, _ Utterance) error {
	d.say("It is " + d.now().Format(timeLayout))
	return nil
}

func (d *Dispatcher) rebuildFaces(ctx context.Context, _ Utterance) error {
	if d.deps.Faces == nil {
		return fmt.Errorf("no face store configured")
	}
	if _, err := d.deps.Faces.Reload(ctx); err != nil {
		d.say(PhraseRebuildFailed)
		return err
	}
	d.say(PhraseFacesRefreshed)
	return nil
}

func (d *Dispatcher) tellBattery(ctx context.Context, _ Utterance) error {
	level, err := d.deps.Battery.BatteryLevel(ctx)
	if err != nil {
		d.say(PhraseBatteryUnknown)
		return err
	}
	d.say(fmt.Sprintf("Your battery is at %d percent.", level))
	return nil
}

func (d *Dispatcher) takePicture(ctx context.Context, u Utterance) error {
	var frame types.Frame
	ok := false
	if d.deps.Frames != nil {
		frame, ok = d.deps.Frames.CurrentFrame()
	}
	if !ok || frame.IsZero() {
		d.say(PhraseCameraNotReady)
		return nil
	}
	if d.deps.Faces == nil {
		return fmt.Errorf("no face store configured")
	}

	name, named := PictureName(u)
	if !named {
		name = DefaultPictureName + "_" + d.now().Format(pictureStampLayout)
	}
	filename, err := d.deps.Faces.Save(name, frame.Image)
	if err != nil {
		d.say(PhraseSaveFailed)
		return err
	}
	d.say("Picture saved as " + filename)

	if _, err := d.deps.Faces.Reload(ctx); err != nil {
		d.say(PhraseRebuildFailed)
		return err
	}
	if named {
		d.say(fmt.Sprintf("New face %s added successfully", strings.TrimSuffix(filename, ".jpg")))
	}
	return nil
}

func (d *Dispatcher) toggleObjects(enabled bool) func(context.Context, Utterance) error {
	return func(context.Context, Utterance) error {
		if d.deps.Objects == nil {
			return fmt.Errorf("no object toggle configured")
		}
		d.deps.Objects.SetObjectRecognition(enabled)
		if enabled {
			d.say(PhraseObjectsEnabled)
		} else {
			d.say(PhraseObjectsDisabled)
		}
		return nil
	}
}

func (d *Dispatcher) shutdown(context.Context, Utterance) error {
	d.say(PhraseShuttingDown)
	if d.deps.Shutdown != nil {
		d.deps.Shutdown()
	}
	return nil
}

// PictureName extracts the subject name from a picture command: the text
// after the first "name it", or failing that the first "name", without the
// punctuation whisper puts around it. The name keeps the recogniser's casing
// when possible. The boolean reports whether a name was actually spoken;
// otherwise [DefaultPictureName] is returned.
func PictureName(u Utterance) (string, bool) {
	sep := "name it"
	idx := strings.Index(u.Text, sep)
	if idx < 0 {
		sep = "name"
		idx = strings.Index(u.Text, sep)
	}
	if idx < 0 {
		return DefaultPictureName, false
	}

	src := u.Text
	if len(u.Raw) == len(u.Text) {
		src = u.Raw
	}
	name := strings.TrimFunc(src[idx+len(sep):], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if name == "" {
		return DefaultPictureName, false
	}
	return name, true
}

// typographic quotes as emitted by whisper.cpp.
var quotes = strings.NewReplacer("\u2018", "'", "\u2019", "'", "\u201c", `"`, "\u201d", `"`)

// normalize trims text, applies NFKC and straightens quotes for Raw, then
// case-folds Raw into Text. A fresh Caser is used per call because Casers
// keep state.
func normalize(text string) Utterance {
	raw := quotes.Replace(norm.NFKC.String(strings.TrimSpace(text)))
	return Utterance{Text: cases.Fold().String(raw), Raw: raw}
}

// containsAny returns a predicate matching text that contains any phrase.
func containsAny(phrases ...string) func(string) bool {
	return func(text string) bool {
		for _, p := range phrases {
			if strings.Contains(text, p) {
				return true
			}
		}
		return false
	}
}
