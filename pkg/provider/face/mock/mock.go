// Package mock provides a test double for face.Encoder.
//
// Encoder returns faces keyed by a marker colour painted at pixel (0,0) of the
// encoded image, or a fixed Faces slice when no key matches. This lets tests
// build tiny synthetic images that "contain" a known subject without a model.
package mock

import (
	"image"
	"image/color"
	"sync"

	"github.com/MrWong99/kanan/pkg/provider/face"
)

// Encoder is a mock implementation of face.Encoder.
type Encoder struct {
	mu sync.Mutex

	// ByMarker maps the colour at the image's top-left pixel to the faces
	// returned for that image.
	ByMarker map[color.RGBA][]face.Face

	// Faces is returned when no marker matches.
	Faces []face.Face

	// EncodeErr, if non-nil, is returned by every Encode call.
	EncodeErr error

	// EncodeCalls counts Encode invocations.
	EncodeCalls int

	// LastBounds records the bounds of the most recently encoded image.
	LastBounds image.Rectangle

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Encode records the call and returns the configured faces.
func (e *Encoder) Encode(img image.Image) ([]face.Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EncodeCalls++
	e.LastBounds = img.Bounds()
	if e.EncodeErr != nil {
		return nil, e.EncodeErr
	}
	if e.ByMarker != nil {
		b := img.Bounds()
		c := color.RGBAModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.RGBA)
		if faces, ok := e.ByMarker[c]; ok {
			return append([]face.Face(nil), faces...), nil
		}
	}
	return append([]face.Face(nil), e.Faces...), nil
}

// Calls returns the number of Encode calls. Thread-safe.
func (e *Encoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.EncodeCalls
}

// Close records the call.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// Ensure Encoder implements face.Encoder at compile time.
var _ face.Encoder = (*Encoder)(nil)

// Enc builds a deterministic encoding whose first component is v. Useful for
// constructing records at a known distance from each other.
func Enc(v float32) face.Encoding {
	var e face.Encoding
	e[0] = v
	return e
}
