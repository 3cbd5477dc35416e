package faces

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/MrWong99/kanan/pkg/provider/face"
	facemock "github.com/MrWong99/kanan/pkg/provider/face/mock"
	"github.com/MrWong99/kanan/pkg/types"
)

func loadedDB(t *testing.T, records ...Record) *Database {
	t.Helper()
	db := NewDatabase(t.TempDir(), &facemock.Encoder{})
	db.current.Store(&Snapshot{Records: records})
	return db
}

func frame640(seq uint64) types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	return types.Frame{Image: img, Seq: seq}
}

func TestMatcher_EmptyDatabase(t *testing.T) {
	t.Parallel()

	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(1)}}}
	m := NewMatcher(NewDatabase(t.TempDir(), enc), enc)
	if got := m.Match(t.Context(), frame640(1)); len(got) != 0 {
		t.Errorf("Match = %v, want empty", got)
	}
	if enc.Calls() != 0 {
		t.Errorf("encoder called %d times on an empty database", enc.Calls())
	}
}

func TestMatcher_ZeroFrame(t *testing.T) {
	t.Parallel()

	enc := &facemock.Encoder{}
	m := NewMatcher(loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)}), enc)
	if got := m.Match(t.Context(), types.Frame{}); len(got) != 0 {
		t.Errorf("Match = %v, want empty", got)
	}
}

func TestMatcher_Threshold(t *testing.T) {
	t.Parallel()

	db := loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)})
	tests := []struct {
		name  string
		probe float32
		want  bool
	}{
		{"exact", 0, true},
		{"close", 0.3, true},
		{"at threshold", 0.5, false},
		{"far", 0.9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(tt.probe)}}}
			m := NewMatcher(db, enc)
			got := m.Match(t.Context(), frame640(1))
			if (len(got) == 1) != tt.want {
				t.Fatalf("Match(%v) = %v, want matched=%v", tt.probe, got, tt.want)
			}
		})
	}
}

func TestMatcher_CustomTolerance(t *testing.T) {
	t.Parallel()

	db := loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)})
	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(0.55)}}}
	m := NewMatcher(db, enc, WithTolerance(0.6))
	if m.Tolerance() != 0.6 {
		t.Fatalf("Tolerance = %v", m.Tolerance())
	}
	if got := m.Match(t.Context(), frame640(1)); len(got) != 1 {
		t.Errorf("Match = %v, want one match at tolerance 0.6", got)
	}
}

func TestMatcher_NearestWins(t *testing.T) {
	t.Parallel()

	db := loadedDB(t,
		Record{Name: "alan", Encoding: facemock.Enc(0)},
		Record{Name: "bob", Encoding: facemock.Enc(0.4)},
	)
	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(0.3)}}}
	got := NewMatcher(db, enc).Match(t.Context(), frame640(1))
	if len(got) != 1 || got[0].Name != "bob" {
		t.Fatalf("Match = %v, want bob", got)
	}
}

func TestMatcher_TieGoesToFirstRecord(t *testing.T) {
	t.Parallel()

	db := loadedDB(t,
		Record{Name: "alan", Encoding: facemock.Enc(0.1)},
		Record{Name: "alan_twin", Encoding: facemock.Enc(0.1)},
	)
	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(0.1)}}}
	got := NewMatcher(db, enc).Match(t.Context(), frame640(1))
	if len(got) != 1 || got[0].Name != "alan" {
		t.Fatalf("Match = %v, want alan", got)
	}
}

func TestMatcher_UnknownFacesDropped(t *testing.T) {
	t.Parallel()

	db := loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)})
	enc := &facemock.Encoder{Faces: []face.Face{
		{Encoding: facemock.Enc(5)},
		{Encoding: facemock.Enc(0.1)},
		{Encoding: facemock.Enc(7)},
	}}
	got := NewMatcher(db, enc).Match(t.Context(), frame640(1))
	if len(got) != 1 || got[0].Name != "alan" {
		t.Fatalf("Match = %v, want only alan", got)
	}
}

func TestMatcher_DownsamplesAndScalesBoxes(t *testing.T) {
	t.Parallel()

	db := loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)})
	enc := &facemock.Encoder{Faces: []face.Face{{
		Box:      image.Rect(10, 20, 50, 60),
		Encoding: facemock.Enc(0),
	}}}
	got := NewMatcher(db, enc).Match(t.Context(), frame640(1))
	if len(got) != 1 {
		t.Fatalf("Match = %v, want one match", got)
	}
	if enc.LastBounds != image.Rect(0, 0, 320, 240) {
		t.Errorf("encoder saw %v, want 320x240", enc.LastBounds)
	}
	if want := image.Rect(20, 40, 100, 120); got[0].Box != want {
		t.Errorf("Box = %v, want %v", got[0].Box, want)
	}
}

func TestMatcher_EncoderErrorYieldsEmpty(t *testing.T) {
	t.Parallel()

	db := loadedDB(t, Record{Name: "alan", Encoding: facemock.Enc(0)})
	enc := &facemock.Encoder{EncodeErr: errors.New("dlib exploded")}
	if got := NewMatcher(db, enc).Match(t.Context(), frame640(1)); len(got) != 0 {
		t.Errorf("Match = %v, want empty", got)
	}
}

func TestMatcher_SeesRebuiltSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	enc := &facemock.Encoder{
		ByMarker: map[color.RGBA][]face.Face{red: {{Encoding: facemock.Enc(1)}}},
		Faces:    []face.Face{{Encoding: facemock.Enc(1)}},
	}
	db := NewDatabase(dir, enc)
	m := NewMatcher(db, enc)
	if got := m.Match(t.Context(), frame640(1)); len(got) != 0 {
		t.Fatalf("Match before rebuild = %v", got)
	}

	writePNG(t, dir, "max.png", red)
	if _, err := db.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	got := m.Match(t.Context(), frame640(2))
	if len(got) != 1 || got[0].Name != "max" {
		t.Fatalf("Match after rebuild = %v, want max", got)
	}
}
