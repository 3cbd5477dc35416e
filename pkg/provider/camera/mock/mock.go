// Package mock provides scriptable test doubles for camera.Opener and
// camera.Device.
package mock

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/MrWong99/kanan/pkg/provider/camera"
)

// ErrNoDevice is returned by Opener.Open for indices that are not present.
var ErrNoDevice = errors.New("mock: no device")

// Device is a scriptable camera.Device. While Fail is true every Read fails.
type Device struct {
	mu sync.Mutex

	// Index is the index the device was opened at.
	Index int

	// Fail makes Read return an error.
	Fail bool

	// Image is returned by successful reads. Defaults to a 64x48 grey frame.
	Image image.Image

	Reads  int
	Closed bool
}

// Read returns Image or an error while Fail is set.
func (d *Device) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Reads++
	if d.Fail || d.Closed {
		return nil, errors.New("mock: read failed")
	}
	if d.Image == nil {
		return Solid(64, 48, color.RGBA{R: 128, G: 128, B: 128, A: 255}), nil
	}
	return d.Image, nil
}

// Close marks the device closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// SetFail toggles read failures. Thread-safe.
func (d *Device) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Fail = fail
}

// IsClosed reports whether Close was called. Thread-safe.
func (d *Device) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Closed
}

// Opener hands out devices for the indices listed in Present. Each Open call
// creates a new Device built by New (or a default Device).
type Opener struct {
	mu sync.Mutex

	// Present lists the indices that can be opened.
	Present map[int]bool

	// New, if set, builds the device for an index.
	New func(index int) *Device

	// Opened records every device handed out, in order.
	Opened []*Device

	// Attempts records every index passed to Open, in order.
	Attempts []int
}

// Open implements camera.Opener.
func (o *Opener) Open(index int) (camera.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Attempts = append(o.Attempts, index)
	if !o.Present[index] {
		return nil, ErrNoDevice
	}
	var d *Device
	if o.New != nil {
		d = o.New(index)
	} else {
		d = &Device{}
	}
	d.Index = index
	o.Opened = append(o.Opened, d)
	return d, nil
}

// SetPresent marks index as present or absent. Thread-safe.
func (o *Opener) SetPresent(index int, present bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Present == nil {
		o.Present = make(map[int]bool)
	}
	o.Present[index] = present
}

// Devices returns a copy of the opened devices. Thread-safe.
func (o *Opener) Devices() []*Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Device(nil), o.Opened...)
}

// Solid returns a w x h image filled with c.
func Solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

var (
	_ camera.Opener = (*Opener)(nil)
	_ camera.Device = (*Device)(nil)
)
