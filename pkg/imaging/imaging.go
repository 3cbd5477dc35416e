// Package imaging holds the small set of pixel operations the perception
// pipeline needs: downsampling before detection, JPEG encoding for the
// face encoder and the cloud detector, and mapping rectangles between
// resolutions.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality matches the encoder quality used for outbound frames.
const DefaultJPEGQuality = 85

// Resize scales src to exactly width x height using an approximate bilinear
// filter. If src already has the requested size it is returned unchanged.
func Resize(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img as JPEG. quality <= 0 selects [DefaultJPEGQuality].
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ScaleRect maps r from a coordinate space of size from to one of size to.
func ScaleRect(r image.Rectangle, from, to image.Rectangle) image.Rectangle {
	if from.Dx() == 0 || from.Dy() == 0 {
		return r
	}
	sx := float64(to.Dx()) / float64(from.Dx())
	sy := float64(to.Dy()) / float64(from.Dy())
	return image.Rect(
		to.Min.X+int(float64(r.Min.X-from.Min.X)*sx),
		to.Min.Y+int(float64(r.Min.Y-from.Min.Y)*sy),
		to.Min.X+int(float64(r.Max.X-from.Min.X)*sx),
		to.Min.Y+int(float64(r.Max.Y-from.Min.Y)*sy),
	)
}
