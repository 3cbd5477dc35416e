// Package camera defines the capture-device boundary used by the camera
// manager. A Device yields decoded frames; an Opener turns a device index
// into a Device. The gocv subpackage provides the V4L2/OpenCV implementation.
package camera

import (
	"errors"
	"image"
)

// ErrEmptyFrame is returned by Read when the device produced no pixels.
var ErrEmptyFrame = errors.New("camera: empty frame")

// Device is an open capture device. Read and Close are only ever called from
// the camera manager's acquisition goroutine.
type Device interface {
	// Read grabs and decodes the next frame. The returned image is owned by
	// the caller and must not be retained by the device.
	Read() (image.Image, error)

	// Close releases the device.
	Close() error
}

// Opener opens the device at index. It returns an error if the device does
// not exist or cannot be opened.
type Opener interface {
	Open(index int) (Device, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(index int) (Device, error)

// Open calls f(index).
func (f OpenerFunc) Open(index int) (Device, error) { return f(index) }
