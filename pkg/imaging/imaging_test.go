package imaging_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/MrWong99/kanan/pkg/imaging"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	return img
}

func TestResize(t *testing.T) {
	t.Parallel()

	got := imaging.Resize(solid(640, 480), 320, 240)
	if b := got.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Fatalf("bounds = %v, want 320x240", b)
	}
}

func TestResize_SameSizeReturnsSource(t *testing.T) {
	t.Parallel()

	src := solid(32, 24)
	if got := imaging.Resize(src, 32, 24); got != src {
		t.Error("expected the source image to be returned unchanged")
	}
}

func TestEncodeJPEG(t *testing.T) {
	t.Parallel()

	data, err := imaging.EncodeJPEG(solid(48, 36), 0)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 48 || b.Dy() != 36 {
		t.Errorf("decoded bounds = %v, want 48x36", b)
	}
}

func TestScaleRect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		r        image.Rectangle
		from, to image.Rectangle
		want     image.Rectangle
	}{
		{
			name: "double",
			r:    image.Rect(10, 20, 30, 40),
			from: image.Rect(0, 0, 320, 240),
			to:   image.Rect(0, 0, 640, 480),
			want: image.Rect(20, 40, 60, 80),
		},
		{
			name: "identity",
			r:    image.Rect(1, 2, 3, 4),
			from: image.Rect(0, 0, 10, 10),
			to:   image.Rect(0, 0, 10, 10),
			want: image.Rect(1, 2, 3, 4),
		},
		{
			name: "empty source space",
			r:    image.Rect(1, 2, 3, 4),
			from: image.Rectangle{},
			to:   image.Rect(0, 0, 10, 10),
			want: image.Rect(1, 2, 3, 4),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := imaging.ScaleRect(tc.r, tc.from, tc.to); got != tc.want {
				t.Errorf("ScaleRect = %v, want %v", got, tc.want)
			}
		})
	}
}
