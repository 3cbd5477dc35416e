package voicecmd

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/pkg/provider/face"
	facemock "github.com/MrWong99/kanan/pkg/provider/face/mock"
	"github.com/MrWong99/kanan/pkg/types"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSpeaker) Enqueue(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return true
}

func (s *fakeSpeaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeFrames struct {
	frame types.Frame
	ok    bool
}

func (f fakeFrames) CurrentFrame() (types.Frame, bool) { return f.frame, f.ok }

type fakeStore struct {
	saved     []string
	reloads   int
	saveErr   error
	reloadErr error
}

func (s *fakeStore) Save(name string, _ image.Image) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.saved = append(s.saved, name)
	return faces.SanitizeName(name) + ".jpg", nil
}

func (s *fakeStore) Reload(context.Context) (int, error) {
	s.reloads++
	return len(s.saved), s.reloadErr
}

type fakeToggle struct{ states []bool }

func (t *fakeToggle) SetObjectRecognition(enabled bool) { t.states = append(t.states, enabled) }

func liveFrames() fakeFrames {
	return fakeFrames{
		frame: types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), Seq: 1},
		ok:    true,
	}
}

type fixture struct {
	speaker *fakeSpeaker
	store   *fakeStore
	toggle  *fakeToggle
	stopped int
	d       *Dispatcher
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		speaker: &fakeSpeaker{},
		store:   &fakeStore{},
		toggle:  &fakeToggle{},
	}
	f.d = New(Deps{
		Speaker:  f.speaker,
		Faces:    f.store,
		Frames:   liveFrames(),
		Objects:  f.toggle,
		Shutdown: func() { f.stopped++ },
	}, opts...)
	return f
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestDispatch_IntentTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		wantIntent string
	}{
		{"What time is it", "time"},
		{"please rebuild the faces", "rebuild"},
		{"what's my battery", "battery"},
		{"battery status please", "battery"},
		{"take a picture name it Max", "picture"},
		{"stop object recognition", "stop_objects"},
		{"start object recognition", "start_objects"},
		{"shutdown", "shutdown"},
		{"exit now", "shutdown"},
		{"battery", ""},
		{"hello there", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			got, err := f.d.Dispatch(t.Context(), tt.text)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if got != tt.wantIntent {
				t.Errorf("intent = %q, want %q", got, tt.wantIntent)
			}
		})
	}
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	t.Parallel()

	f := newFixture()
	// Contains both "what time" and "exit"; only the time intent may run.
	got, _ := f.d.Dispatch(t.Context(), "what time should I exit")
	if got != "time" {
		t.Fatalf("intent = %q, want time", got)
	}
	if f.stopped != 0 {
		t.Error("shutdown ran after an earlier intent matched")
	}
	if n := len(f.speaker.Texts()); n != 1 {
		t.Errorf("spoke %d phrases, want 1", n)
	}
}

func TestDispatch_Order(t *testing.T) {
	t.Parallel()

	want := []string{"time", "rebuild", "battery", "picture", "stop_objects", "start_objects", "shutdown"}
	if got := newFixture().d.Intents(); !slices.Equal(got, want) {
		t.Errorf("Intents() = %v, want %v", got, want)
	}
}

func TestDispatch_Time(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 15, 4, 0, 0, time.Local)
	f := newFixture(WithClock(func() time.Time { return at }))
	f.d.Dispatch(t.Context(), "what time is it")

	if got := f.speaker.Texts(); !slices.Equal(got, []string{"It is 03:04 PM"}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_Rebuild(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.d.Dispatch(t.Context(), "rebuild")
	if f.store.reloads != 1 {
		t.Errorf("reloads = %d, want 1", f.store.reloads)
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{PhraseFacesRefreshed}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_RebuildFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.store.reloadErr = errors.New("disk gone")
	_, err := f.d.Dispatch(t.Context(), "rebuild")
	if err == nil {
		t.Fatal("Dispatch returned nil error")
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{PhraseRebuildFailed}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_Battery(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.d.Dispatch(t.Context(), "what is my battery")
	if got := f.speaker.Texts(); !slices.Equal(got, []string{"Your battery is at 75 percent."}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_PictureNamed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.d.Dispatch(t.Context(), "take a picture name it Max")

	if !slices.Equal(f.store.saved, []string{"Max"}) {
		t.Errorf("saved = %q, want [Max]", f.store.saved)
	}
	if f.store.reloads != 1 {
		t.Errorf("reloads = %d, want 1", f.store.reloads)
	}
	want := []string{"Picture saved as Max.jpg", "New face Max added successfully"}
	if got := f.speaker.Texts(); !slices.Equal(got, want) {
		t.Errorf("spoken = %q, want %q", got, want)
	}
}

func TestDispatch_PictureUnnamed(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 18, 9, 5, 7, 0, time.Local)
	f := newFixture(WithClock(func() time.Time { return at }))
	f.d.Dispatch(t.Context(), "picture name")
	at = at.Add(time.Second)
	f.d.Dispatch(t.Context(), "take a picture name it")

	// Unnamed pictures never overwrite each other.
	want := []string{"picture_20261018_090507", "picture_20261018_090508"}
	if !slices.Equal(f.store.saved, want) {
		t.Errorf("saved = %q, want %q", f.store.saved, want)
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{
		"Picture saved as picture_20261018_090507.jpg",
		"Picture saved as picture_20261018_090508.jpg",
	}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_PictureNoFrame(t *testing.T) {
	t.Parallel()

	speaker := &fakeSpeaker{}
	store := &fakeStore{}
	d := New(Deps{Speaker: speaker, Faces: store, Frames: fakeFrames{}})
	d.Dispatch(t.Context(), "take a picture name it Max")

	if len(store.saved) != 0 {
		t.Error("saved without a frame")
	}
	if got := speaker.Texts(); !slices.Equal(got, []string{PhraseCameraNotReady}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_PictureSaveFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.store.saveErr = errors.New("read-only")
	if _, err := f.d.Dispatch(t.Context(), "picture name it Max"); err == nil {
		t.Fatal("Dispatch returned nil error")
	}
	if f.store.reloads != 0 {
		t.Error("reloaded after a failed save")
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{PhraseSaveFailed}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_ObjectToggle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.d.Dispatch(t.Context(), "stop object recognition")
	f.d.Dispatch(t.Context(), "start object recognition")

	if !slices.Equal(f.toggle.states, []bool{false, true}) {
		t.Errorf("toggle states = %v", f.toggle.states)
	}
	want := []string{PhraseObjectsDisabled, PhraseObjectsEnabled}
	if got := f.speaker.Texts(); !slices.Equal(got, want) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.d.Dispatch(t.Context(), "shutdown")
	if f.stopped != 1 {
		t.Errorf("shutdown called %d times, want 1", f.stopped)
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{PhraseShuttingDown}) {
		t.Errorf("spoken = %q", got)
	}
}

func TestDispatch_CustomIntents(t *testing.T) {
	t.Parallel()

	var ran []string
	d := New(Deps{Speaker: &fakeSpeaker{}}, WithIntents([]Intent{{
		Name:  "hello",
		Match: containsAny("hello"),
		Action: func(_ context.Context, u Utterance) error {
			ran = append(ran, u.Raw)
			return nil
		},
	}}))
	got, _ := d.Dispatch(t.Context(), "  Hello Kanan ")
	if got != "hello" || !slices.Equal(ran, []string{"Hello Kanan"}) {
		t.Errorf("intent = %q, ran = %q", got, ran)
	}
}

func TestPictureName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw       string
		wantName  string
		wantNamed bool
	}{
		{"take a picture name it Max", "Max", true},
		{"picture name Anna Lee", "Anna Lee", true},
		{"picture name it", DefaultPictureName, false},
		{"picture name", DefaultPictureName, false},
		{"picture", DefaultPictureName, false},
		{"Take a picture, name it Max.", "Max", true},
		{"Take a picture. Name it, Max.", "Max", true},
		{"Take a picture and name it \u201cAnna Lee\u201d!", "Anna Lee", true},
		{"Take a picture, name it.", DefaultPictureName, false},
	}
	for _, tt := range tests {
		u := normalize(tt.raw)
		name, named := PictureName(u)
		if name != tt.wantName || named != tt.wantNamed {
			t.Errorf("PictureName(%q) = (%q, %v), want (%q, %v)", tt.raw, name, named, tt.wantName, tt.wantNamed)
		}
	}
}

// TestDispatch_PictureEndToEnd saves through a real face database: after the
// command the new subject is on disk and part of the live snapshot.
func TestDispatch_PictureEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(1)}}}
	db := faces.NewDatabase(dir, enc)
	speaker := &fakeSpeaker{}
	d := New(Deps{Speaker: speaker, Faces: db, Frames: liveFrames()})

	if _, err := d.Dispatch(t.Context(), "take a picture name it Max"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Max.jpg")); err != nil {
		t.Fatalf("Max.jpg not written: %v", err)
	}
	if got := db.Snapshot().Names(); !slices.Contains(got, "Max") {
		t.Errorf("snapshot names = %q, want Max", got)
	}
	want := []string{"Picture saved as Max.jpg", "New face Max added successfully"}
	if got := speaker.Texts(); !slices.Equal(got, want) {
		t.Errorf("spoken = %q, want %q", got, want)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, raw, text string
	}{
		{"  What Time Is It \n", "What Time Is It", "what time is it"},
		{"what’s my battery", "what's my battery", "what's my battery"},
		{"ＢＡＴＴＥＲＹ ＬＥＶＥＬ", "BATTERY LEVEL", "battery level"},
		{"   ", "", ""},
	}
	for _, tt := range tests {
		u := normalize(tt.in)
		if u.Raw != tt.raw || u.Text != tt.text {
			t.Errorf("normalize(%q) = {%q %q}, want {%q %q}", tt.in, u.Text, u.Raw, tt.text, tt.raw)
		}
	}
}

func TestDispatch_TypographicApostrophe(t *testing.T) {
	t.Parallel()

	speaker := &fakeSpeaker{}
	d := New(Deps{Speaker: speaker, Battery: FixedBattery(40)})
	intent, err := d.Dispatch(t.Context(), "What’s my battery?")
	if err != nil || intent != "battery" {
		t.Fatalf("Dispatch = %q, %v; want battery", intent, err)
	}
}
