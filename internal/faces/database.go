// Package faces holds the known-subject database and the matcher that
// labels faces in live frames.
//
// The [Database] is rebuilt wholesale from a directory of portrait images,
// one subject per file, named after the file stem. Rebuilds encode every
// image outside of any lock and publish the result with a single atomic
// pointer swap, so readers always see either the previous complete snapshot
// or the next one. The [Matcher] compares each face found in a frame against
// the current snapshot.
package faces

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/pkg/imaging"
	"github.com/MrWong99/kanan/pkg/provider/face"
)

// ErrInvalidName is returned by [Database.Save] for names that are empty or
// would escape the faces directory.
var ErrInvalidName = errors.New("faces: invalid subject name")

// supportedExt lists the image extensions picked up by a rebuild.
var supportedExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Record is one known subject.
type Record struct {
	Name     string
	Encoding face.Encoding
}

// Snapshot is an immutable, consistent view of the database.
type Snapshot struct {
	// Records are ordered by source filename.
	Records []Record

	// BuiltAt is when the snapshot was published. Zero for the initial empty
	// snapshot.
	BuiltAt time.Time
}

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.Records) }

// Names returns the subject names in snapshot order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.Records))
	for i, r := range s.Records {
		names[i] = r.Name
	}
	return names
}

// Progress is called after each image of a rebuild has been processed.
type Progress func(done, total int)

// Option is a functional option for [Database].
type Option func(*Database)

// WithConcurrency bounds the number of images encoded in parallel. Default:
// runtime.NumCPU().
func WithConcurrency(n int) Option {
	return func(db *Database) {
		if n > 0 {
			db.concurrency = n
		}
	}
}

// WithProgress registers a rebuild progress callback.
func WithProgress(p Progress) Option {
	return func(db *Database) { db.progress = p }
}

// WithJPEGQuality sets the quality used by [Database.Save].
func WithJPEGQuality(q int) Option {
	return func(db *Database) { db.jpegQuality = q }
}

// Database is the known-subject store. Snapshot is lock-free; concurrent
// Rebuild calls are serialised so the last one to finish always reflects the
// latest directory contents.
type Database struct {
	dir         string
	enc         face.Encoder
	concurrency int
	jpegQuality int
	progress    Progress

	current   atomic.Pointer[Snapshot]
	rebuildMu sync.Mutex
}

// NewDatabase creates an empty database backed by dir. Call [Database.Rebuild]
// to load it.
func NewDatabase(dir string, enc face.Encoder, opts ...Option) *Database {
	db := &Database{
		dir:         dir,
		enc:         enc,
		concurrency: runtime.NumCPU(),
		jpegQuality: 95,
	}
	for _, o := range opts {
		o(db)
	}
	db.current.Store(&Snapshot{})
	return db
}

// Dir returns the faces directory.
func (db *Database) Dir() string { return db.dir }

// Snapshot returns the active snapshot. It never returns nil.
func (db *Database) Snapshot() *Snapshot { return db.current.Load() }

// Reload rebuilds from the configured directory.
func (db *Database) Reload(ctx context.Context) (int, error) {
	return db.Rebuild(ctx, db.dir)
}

// Rebuild scans dir, encodes the first face of every supported image and
// atomically replaces the active snapshot. Images that cannot be decoded or
// contain no face are skipped with a warning. If dir cannot be read the
// active snapshot is left untouched. It returns the number of records in the
// new snapshot.
func (db *Database) Rebuild(ctx context.Context, dir string) (n int, err error) {
	ctx, span := observe.StartSpan(ctx, "faces.rebuild", attribute.String("faces.dir", dir))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	db.rebuildMu.Lock()
	defer db.rebuildMu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("faces: rebuild: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if supportedExt[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}

	results := make([]*Record, len(files))
	var processed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.concurrency)
	for i, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := db.encodeFile(filepath.Join(dir, name))
			if err != nil {
				log.Warn("faces: skipping image", "file", name, "err", err)
			} else {
				results[i] = rec
			}
			if db.progress != nil {
				db.progress(int(processed.Add(1)), len(files))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("faces: rebuild: %w", err)
	}

	snap := &Snapshot{BuiltAt: time.Now()}
	index := make(map[string]int, len(results))
	for _, rec := range results {
		if rec == nil {
			continue
		}
		if i, dup := index[rec.Name]; dup {
			snap.Records[i].Encoding = rec.Encoding
			continue
		}
		index[rec.Name] = len(snap.Records)
		snap.Records = append(snap.Records, *rec)
	}
	db.current.Store(snap)

	span.SetAttributes(
		attribute.Int("faces.files", len(files)),
		attribute.Int("faces.records", snap.Len()),
	)
	if snap.Len() == 0 {
		log.Warn("faces: no known subjects loaded", "dir", dir)
	} else {
		log.Info("faces: loaded", "count", snap.Len(), "dir", dir)
	}
	return snap.Len(), nil
}

func (db *Database) encodeFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	found, err := db.enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if len(found) == 0 {
		return nil, errors.New("no face detected")
	}
	base := filepath.Base(path)
	return &Record{
		Name:     strings.TrimSuffix(base, filepath.Ext(base)),
		Encoding: found[0].Encoding,
	}, nil
}

// SanitizeName turns a spoken subject name into a filename stem: surrounding
// whitespace is trimmed and inner spaces become underscores.
func SanitizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// Save writes img as <dir>/<name>.jpg and returns the file name. The name is
// sanitised with [SanitizeName]. Save does not rebuild the database.
func (db *Database) Save(name string, img image.Image) (string, error) {
	stem := SanitizeName(name)
	if stem == "" || stem == "." || stem == ".." || strings.ContainsAny(stem, `/\`) {
		return "", fmt.Errorf("faces: save %q: %w", name, ErrInvalidName)
	}
	data, err := imaging.EncodeJPEG(img, db.jpegQuality)
	if err != nil {
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}
	if err := os.MkdirAll(db.dir, 0o755); err != nil {
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}

	filename := stem + ".jpg"
	tmp, err := os.CreateTemp(db.dir, "."+stem+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(db.dir, filename)); err != nil {
		return "", fmt.Errorf("faces: save %q: %w", name, err)
	}
	slog.Info("faces: snapshot saved", "file", filename)
	return filename, nil
}
