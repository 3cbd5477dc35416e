package faces

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/kanan/pkg/provider/face"
	facemock "github.com/MrWong99/kanan/pkg/provider/face/mock"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	black = color.RGBA{A: 255}
)

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func writePNG(t *testing.T, dir, name string, c color.RGBA) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, solid(c)); err != nil {
		t.Fatal(err)
	}
}

func markerEncoder() *facemock.Encoder {
	return &facemock.Encoder{
		ByMarker: map[color.RGBA][]face.Face{
			red:   {{Encoding: facemock.Enc(1)}},
			green: {{Encoding: facemock.Enc(2)}, {Encoding: facemock.Enc(9)}},
			blue:  {{Encoding: facemock.Enc(3)}},
			black: nil,
		},
	}
}

func TestDatabase_InitialSnapshotEmpty(t *testing.T) {
	t.Parallel()

	db := NewDatabase(t.TempDir(), markerEncoder())
	snap := db.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() = nil")
	}
	if snap.Len() != 0 {
		t.Errorf("Len = %d, want 0", snap.Len())
	}
}

func TestDatabase_Rebuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "carol.png", blue)
	writePNG(t, dir, "alan.PNG", red)
	writePNG(t, dir, "bob.png", green)
	writePNG(t, dir, "nobody.png", black)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	enc := markerEncoder()
	db := NewDatabase(dir, enc, WithConcurrency(2))
	n, err := db.Rebuild(t.Context(), dir)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 3 {
		t.Fatalf("Rebuild count = %d, want 3", n)
	}

	snap := db.Snapshot()
	if got, want := snap.Names(), []string{"alan", "bob", "carol"}; !slices.Equal(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}
	// First face only.
	if snap.Records[1].Encoding != facemock.Enc(2) {
		t.Errorf("bob encoding[0] = %v, want 2", snap.Records[1].Encoding[0])
	}
	if snap.BuiltAt.IsZero() {
		t.Error("BuiltAt is zero")
	}
	if enc.Calls() != 4 {
		t.Errorf("Encode calls = %d, want 4 (broken.jpg never reaches the encoder)", enc.Calls())
	}
}

func TestDatabase_RebuildIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "alan.png", red)
	writePNG(t, dir, "bob.png", green)

	db := NewDatabase(dir, markerEncoder())
	if _, err := db.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	first := db.Snapshot()
	if _, err := db.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	second := db.Snapshot()

	if first == second {
		t.Fatal("expected a fresh snapshot pointer after rebuild")
	}
	if !slices.Equal(first.Records, second.Records) {
		t.Errorf("records differ between rebuilds:\n%v\n%v", first.Records, second.Records)
	}
}

func TestDatabase_DuplicateStemLastWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "alan.jpeg", red) // PNG bytes, decoder sniffs the format
	writePNG(t, dir, "alan.png", blue)

	db := NewDatabase(dir, markerEncoder())
	n, err := db.Reload(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if got := db.Snapshot().Records[0].Encoding; got != facemock.Enc(3) {
		t.Errorf("encoding[0] = %v, want 3 (alan.png sorts last)", got[0])
	}
}

func TestDatabase_MissingDirKeepsSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "alan.png", red)
	db := NewDatabase(dir, markerEncoder())
	if _, err := db.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	before := db.Snapshot()

	_, err := db.Rebuild(t.Context(), filepath.Join(dir, "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
	if db.Snapshot() != before {
		t.Error("snapshot changed after failed rebuild")
	}
}

func TestDatabase_EmptyDir(t *testing.T) {
	t.Parallel()

	db := NewDatabase(t.TempDir(), markerEncoder())
	n, err := db.Reload(t.Context())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n != 0 || db.Snapshot().Len() != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestDatabase_RebuildCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "alan.png", red)
	db := NewDatabase(dir, markerEncoder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := db.Reload(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if db.Snapshot().Len() != 0 {
		t.Error("cancelled rebuild published a snapshot")
	}
}

func TestDatabase_Progress(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "a.png", red)
	writePNG(t, dir, "b.png", green)
	writePNG(t, dir, "c.png", black)

	var (
		mu    sync.Mutex
		calls int
		total int
	)
	db := NewDatabase(dir, markerEncoder(), WithProgress(func(done, n int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		total = n
	}))
	if _, err := db.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 || total != 3 {
		t.Errorf("progress calls = %d total = %d, want 3/3", calls, total)
	}
}

func TestDatabase_ConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "alan.png", red)
	writePNG(t, dir, "bob.png", green)
	db := NewDatabase(dir, markerEncoder())

	ctx := t.Context()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			_, _ = db.Reload(ctx)
		}
	}()
	for range 200 {
		if n := db.Snapshot().Len(); n != 0 && n != 2 {
			t.Fatalf("observed partial snapshot with %d records", n)
		}
	}
	wg.Wait()
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Max", "Max"},
		{"  mary jane  ", "mary_jane"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDatabase_Save(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "known_faces")
	enc := &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(4)}}}
	db := NewDatabase(dir, enc)

	name, err := db.Save("mary jane", solid(red))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if name != "mary_jane.jpg" {
		t.Errorf("filename = %q, want mary_jane.jpg", name)
	}
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}

	n, err := db.Reload(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || db.Snapshot().Records[0].Name != "mary_jane" {
		t.Errorf("snapshot = %v, want [mary_jane]", db.Snapshot().Names())
	}
}

func TestDatabase_SaveInvalidName(t *testing.T) {
	t.Parallel()

	db := NewDatabase(t.TempDir(), &facemock.Encoder{})
	for _, name := range []string{"", "   ", "../evil", "a/b", ".."} {
		if _, err := db.Save(name, solid(red)); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Save(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}
