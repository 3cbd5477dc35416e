package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/kanan/pkg/audio"
	"github.com/MrWong99/kanan/pkg/provider/camera"
	"github.com/MrWong99/kanan/pkg/provider/detector"
	"github.com/MrWong99/kanan/pkg/provider/face"
	"github.com/MrWong99/kanan/pkg/provider/stt"
	"github.com/MrWong99/kanan/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	camera   map[string]func(ProviderEntry) (camera.Opener, error)
	encoder  map[string]func(ProviderEntry) (face.Encoder, error)
	audio    map[string]func(ProviderEntry) (audio.Source, error)
	stt      map[string]func(ProviderEntry) (stt.Provider, error)
	tts      map[string]func(ProviderEntry) (tts.Provider, error)
	detector map[string]func(ProviderEntry) (detector.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		camera:   make(map[string]func(ProviderEntry) (camera.Opener, error)),
		encoder:  make(map[string]func(ProviderEntry) (face.Encoder, error)),
		audio:    make(map[string]func(ProviderEntry) (audio.Source, error)),
		stt:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:      make(map[string]func(ProviderEntry) (tts.Provider, error)),
		detector: make(map[string]func(ProviderEntry) (detector.Provider, error)),
	}
}

// RegisterCamera registers a camera opener factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCamera(name string, factory func(ProviderEntry) (camera.Opener, error)) {
	register(&r.mu, r.camera, name, factory)
}

// RegisterEncoder registers a face encoder factory under name.
func (r *Registry) RegisterEncoder(name string, factory func(ProviderEntry) (face.Encoder, error)) {
	register(&r.mu, r.encoder, name, factory)
}

// RegisterAudio registers a microphone factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	register(&r.mu, r.audio, name, factory)
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	register(&r.mu, r.stt, name, factory)
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	register(&r.mu, r.tts, name, factory)
}

// RegisterDetector registers a detector provider factory under name.
func (r *Registry) RegisterDetector(name string, factory func(ProviderEntry) (detector.Provider, error)) {
	register(&r.mu, r.detector, name, factory)
}

// CreateCamera instantiates a camera opener using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCamera(entry ProviderEntry) (camera.Opener, error) {
	return create(&r.mu, r.camera, "camera", entry)
}

// CreateEncoder instantiates a face encoder using the factory registered under entry.Name.
func (r *Registry) CreateEncoder(entry ProviderEntry) (face.Encoder, error) {
	return create(&r.mu, r.encoder, "encoder", entry)
}

// CreateAudio instantiates a microphone using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	return create(&r.mu, r.audio, "audio", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, r.stt, "stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(&r.mu, r.tts, "tts", entry)
}

// CreateDetector instantiates a detector provider using the factory registered under entry.Name.
func (r *Registry) CreateDetector(entry ProviderEntry) (detector.Provider, error) {
	return create(&r.mu, r.detector, "detector", entry)
}

func register[T any](mu *sync.RWMutex, m map[string]func(ProviderEntry) (T, error), name string, factory func(ProviderEntry) (T, error)) {
	mu.Lock()
	defer mu.Unlock()
	m[name] = factory
}

func create[T any](mu *sync.RWMutex, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
