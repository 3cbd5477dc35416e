// Package gocv opens capture devices through OpenCV (gocv.io/x/gocv).
package gocv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/MrWong99/kanan/pkg/provider/camera"
)

// Compile-time interface assertions.
var (
	_ camera.Opener = (*Opener)(nil)
	_ camera.Device = (*device)(nil)
)

// Opener opens OpenCV capture devices by index.
type Opener struct {
	width  int
	height int
}

// Option is a functional option for configuring an Opener.
type Option func(*Opener)

// WithResolution requests a capture resolution. The driver may pick the
// nearest supported mode.
func WithResolution(width, height int) Option {
	return func(o *Opener) { o.width, o.height = width, height }
}

// New creates an Opener.
func New(opts ...Option) *Opener {
	o := &Opener{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open opens the device at index.
func (o *Opener) Open(index int) (camera.Device, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("gocv: open device %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("gocv: device %d did not open", index)
	}
	if o.width > 0 && o.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(o.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(o.height))
	}
	return &device{vc: vc, mat: gocv.NewMat()}, nil
}

// device reuses one Mat across reads; ToImage copies the pixels out, so the
// returned image never aliases OpenCV memory.
type device struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (d *device) Read() (image.Image, error) {
	if ok := d.vc.Read(&d.mat); !ok {
		return nil, fmt.Errorf("gocv: read failed")
	}
	if d.mat.Empty() {
		return nil, camera.ErrEmptyFrame
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("gocv: convert frame: %w", err)
	}
	return img, nil
}

func (d *device) Close() error {
	d.mat.Close()
	return d.vc.Close()
}
