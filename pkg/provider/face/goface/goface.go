// Package goface implements face.Encoder on top of the dlib models wrapped by
// github.com/Kagami/go-face. The model directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
package goface

import (
	"errors"
	"fmt"
	"image"
	"sync"

	goface "github.com/Kagami/go-face"

	"github.com/MrWong99/kanan/pkg/imaging"
	"github.com/MrWong99/kanan/pkg/provider/face"
)

// Compile-time assertion that Encoder satisfies face.Encoder.
var _ face.Encoder = (*Encoder)(nil)

// Encoder wraps a go-face Recognizer. dlib inference is not reentrant, so
// calls are serialised internally.
type Encoder struct {
	mu      sync.Mutex
	rec     *goface.Recognizer
	cnn     bool
	quality int
}

// Option is a functional option for configuring an Encoder.
type Option func(*Encoder)

// WithCNN switches detection to the CNN detector. It is more accurate on
// rotated faces but several times slower on CPU.
func WithCNN(enabled bool) Option {
	return func(e *Encoder) { e.cnn = enabled }
}

// WithJPEGQuality sets the quality used when handing frames to dlib.
func WithJPEGQuality(q int) Option {
	return func(e *Encoder) { e.quality = q }
}

// New loads the models from modelDir.
func New(modelDir string, opts ...Option) (*Encoder, error) {
	if modelDir == "" {
		return nil, errors.New("goface: model directory must not be empty")
	}
	rec, err := goface.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("goface: load models from %q: %w", modelDir, err)
	}
	e := &Encoder{rec: rec}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Encode implements face.Encoder.
func (e *Encoder) Encode(img image.Image) ([]face.Face, error) {
	data, err := imaging.EncodeJPEG(img, e.quality)
	if err != nil {
		return nil, fmt.Errorf("goface: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, errors.New("goface: encoder is closed")
	}

	var found []goface.Face
	if e.cnn {
		found, err = e.rec.RecognizeCNN(data)
	} else {
		found, err = e.rec.Recognize(data)
	}
	if err != nil {
		return nil, fmt.Errorf("goface: recognize: %w", err)
	}

	out := make([]face.Face, 0, len(found))
	for _, f := range found {
		out = append(out, face.Face{
			Box:      f.Rectangle,
			Encoding: face.Encoding(f.Descriptor),
		})
	}
	return out, nil
}

// Close releases the dlib models.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}
