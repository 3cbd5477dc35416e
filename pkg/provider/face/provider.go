// Package face defines the Encoder interface for face-embedding backends.
//
// An Encoder locates faces in an image and computes a fixed-length descriptor
// for each one. Two descriptors of the same person are close in Euclidean
// space; the matcher compares them with [Distance] against an acceptance
// threshold. The package itself is pure Go so that callers can be tested
// without the native dlib toolchain; see the goface subpackage for the real
// implementation.
package face

import (
	"image"
	"math"
)

// EncodingSize is the number of dimensions in a face descriptor.
const EncodingSize = 128

// Encoding is a face descriptor produced by an [Encoder].
type Encoding [EncodingSize]float32

// Face is a single face located by an [Encoder].
type Face struct {
	// Box is the face bounding box in the coordinates of the encoded image.
	Box image.Rectangle

	// Encoding is the descriptor computed for the face.
	Encoding Encoding
}

// Encoder is the abstraction over any face-embedding backend.
//
// Implementations must be safe for concurrent use; the face database encodes
// several images in parallel during a rebuild.
type Encoder interface {
	// Encode detects every face in img and returns one Face per detection,
	// ordered as the backend reports them. An image without faces yields an
	// empty slice and a nil error.
	Encode(img image.Image) ([]Face, error)

	// Close releases the model. Calling Close more than once is safe.
	Close() error
}

// Distance returns the Euclidean distance between two encodings.
func Distance(a, b Encoding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
