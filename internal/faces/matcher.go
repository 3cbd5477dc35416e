package faces

import (
	"context"
	"image"
	"log/slog"

	"github.com/MrWong99/kanan/pkg/imaging"
	"github.com/MrWong99/kanan/pkg/provider/face"
	"github.com/MrWong99/kanan/pkg/types"
)

const (
	// DefaultTolerance is the maximum accepted descriptor distance.
	DefaultTolerance = 0.5

	// DefaultMatchWidth and DefaultMatchHeight are the working resolution
	// frames are downsampled to before detection.
	DefaultMatchWidth  = 320
	DefaultMatchHeight = 240
)

// Match is one recognised subject in a frame.
type Match struct {
	Name string

	// Box is the face bounding box in source-frame coordinates.
	Box image.Rectangle

	// Distance is the descriptor distance to the matched record.
	Distance float64
}

// MatcherOption is a functional option for [Matcher].
type MatcherOption func(*Matcher)

// WithTolerance sets the acceptance threshold. A face matches only when its
// distance to the best record is strictly below tol.
func WithTolerance(tol float64) MatcherOption {
	return func(m *Matcher) { m.tolerance = tol }
}

// WithMatchSize sets the working resolution used for detection.
func WithMatchSize(w, h int) MatcherOption {
	return func(m *Matcher) { m.width, m.height = w, h }
}

// Matcher labels the faces in a frame with known subject names. It is safe
// for concurrent use if the underlying encoder is.
type Matcher struct {
	db        *Database
	enc       face.Encoder
	tolerance float64
	width     int
	height    int
}

// NewMatcher creates a Matcher that reads subjects from db and detects faces
// with enc.
func NewMatcher(db *Database, enc face.Encoder, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		db:        db,
		enc:       enc,
		tolerance: DefaultTolerance,
		width:     DefaultMatchWidth,
		height:    DefaultMatchHeight,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Tolerance returns the acceptance threshold.
func (m *Matcher) Tolerance() float64 { return m.tolerance }

// Match returns one entry per detected face that is close enough to a known
// subject. Unknown faces are omitted. It returns an empty result, never an
// error, when the database is empty, the frame holds no image, or the
// encoder fails.
func (m *Matcher) Match(ctx context.Context, frame types.Frame) []Match {
	snap := m.db.Snapshot()
	if snap.Len() == 0 || frame.IsZero() || ctx.Err() != nil {
		return nil
	}

	src := frame.Bounds()
	small := imaging.Resize(frame.Image, m.width, m.height)
	found, err := m.enc.Encode(small)
	if err != nil {
		slog.Warn("faces: detection failed", "seq", frame.Seq, "err", err)
		return nil
	}

	var out []Match
	for _, f := range found {
		idx, dist := nearest(snap.Records, f.Encoding)
		if idx < 0 || dist >= m.tolerance {
			continue
		}
		out = append(out, Match{
			Name:     snap.Records[idx].Name,
			Box:      imaging.ScaleRect(f.Box, small.Bounds(), src),
			Distance: dist,
		})
	}
	return out
}

// nearest returns the index of the record closest to enc and its distance.
// Ties go to the lowest index.
func nearest(records []Record, enc face.Encoding) (int, float64) {
	best, bestDist := -1, 0.0
	for i := range records {
		d := face.Distance(records[i].Encoding, enc)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
