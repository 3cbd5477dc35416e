// Package camera owns the capture device and publishes the latest frame.
//
// The [Manager] probes device indices in order, keeps reading from the first
// one that yields a frame, and recovers on its own when the feed drops:
// after a run of consecutive read failures it releases the device, waits a
// fixed backoff and probes again. Consumers never block on the device; they
// read the most recently published frame with [Manager.CurrentFrame].
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/kanan/pkg/provider/camera"
	"github.com/MrWong99/kanan/pkg/types"
)

var (
	// ErrNoDevice is returned by Open when no index yields a readable frame.
	ErrNoDevice = errors.New("camera: no working device found")

	// ErrReadFailed wraps transient device read errors.
	ErrReadFailed = errors.New("camera: read failed")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("camera: manager closed")
)

// State is the acquisition state of the manager.
type State int

const (
	// StateSearching means no device is held yet.
	StateSearching State = iota

	// StateActive means the last read succeeded.
	StateActive

	// StateDegraded means at least one consecutive read has failed.
	StateDegraded

	// StateReconnecting means the device was released and a re-probe is
	// pending.
	StateReconnecting

	// StateClosed means Close was called.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the acquisition tuning knobs. Zero values select defaults.
type Config struct {
	// MaxIndex is the highest device index probed. Default: 9.
	MaxIndex int

	// PollInterval is the pause between successful reads. Default: 10ms.
	PollInterval time.Duration

	// MaxFailures is the number of consecutive read failures that triggers a
	// reconnect. Default: 5.
	MaxFailures int

	// ReconnectBackoff is the wait between releasing a device and probing
	// again. Default: 3s.
	ReconnectBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxIndex <= 0 {
		c.MaxIndex = 9
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 3 * time.Second
	}
}

// Option is a functional option for [Manager].
type Option func(*Manager)

// WithOnReconnect registers a callback invoked after the feed has been
// re-established following a loss. The app uses it to speak
// "Camera reconnected".
func WithOnReconnect(fn func(index int)) Option {
	return func(m *Manager) { m.onReconnect = fn }
}

// WithOnStateChange registers a callback invoked on every state transition.
// It runs with the manager's lock held and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager owns one capture device at a time. Run must be called from a
// single goroutine; CurrentFrame, State and Index are safe from any.
type Manager struct {
	opener camera.Opener
	cfg    Config

	onReconnect func(index int)
	onState     func(from, to State)

	mu     sync.RWMutex
	dev    camera.Device
	index  int
	state  State
	frame  types.Frame
	hasImg bool
	seq    uint64

	running bool
}

// NewManager creates a Manager that opens devices through opener.
func NewManager(opener camera.Opener, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{opener: opener, cfg: cfg, index: -1}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open probes device indices 0..MaxIndex and keeps the first that opens and
// yields a frame. It returns [ErrNoDevice] if none does.
func (m *Manager) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("camera: open: %w", err)
	}
	if m.State() == StateClosed {
		return ErrClosed
	}
	if !m.probe() {
		return ErrNoDevice
	}
	return nil
}

// probe tries every index in order and installs the first working device.
func (m *Manager) probe() bool {
	for i := 0; i <= m.cfg.MaxIndex; i++ {
		dev, err := m.opener.Open(i)
		if err != nil {
			continue
		}
		img, err := dev.Read()
		if err != nil || img == nil {
			_ = dev.Close()
			continue
		}

		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			_ = dev.Close()
			return false
		}
		m.dev = dev
		m.index = i
		m.publishLocked(img)
		m.setStateLocked(StateActive)
		m.mu.Unlock()

		slog.Info("camera: device active", "index", i, "path", fmt.Sprintf("/dev/video%d", i))
		return true
	}
	slog.Warn("camera: no working device found", "max_index", m.cfg.MaxIndex)
	return false
}

// Run is the acquisition loop. It reads frames until ctx is cancelled or
// Close is called, reconnecting after MaxFailures consecutive read failures.
// If no device is held when Run starts it probes once per backoff.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		closed := m.state == StateClosed
		m.mu.Unlock()
		if closed {
			m.release(StateClosed)
		}
	}()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		m.mu.RLock()
		dev, state := m.dev, m.state
		m.mu.RUnlock()
		if state == StateClosed {
			return ErrClosed
		}

		if dev == nil {
			m.setState(StateSearching)
			if !m.probe() {
				if !sleep(ctx, m.cfg.ReconnectBackoff) {
					return nil
				}
			}
			continue
		}

		img, err := dev.Read()
		if err != nil || img == nil {
			failures++
			if err == nil {
				err = camera.ErrEmptyFrame
			}
			slog.Debug("camera: read failed", "failures", failures, "err", fmt.Errorf("%w: %w", ErrReadFailed, err))
			m.setState(StateDegraded)
			if failures < m.cfg.MaxFailures {
				if !sleep(ctx, m.cfg.PollInterval) {
					return nil
				}
				continue
			}

			failures = 0
			if !m.reconnect(ctx) {
				return nil
			}
			continue
		}

		failures = 0
		m.mu.Lock()
		m.publishLocked(img)
		m.setStateLocked(StateActive)
		m.mu.Unlock()

		if !sleep(ctx, m.cfg.PollInterval) {
			return nil
		}
	}
}

// reconnect releases the current device and re-probes with a fixed backoff
// until a device is found. It returns false if ctx ended first.
func (m *Manager) reconnect(ctx context.Context) bool {
	slog.Warn("camera: feed lost, reconnecting", "index", m.Index())
	m.release(StateReconnecting)

	for {
		if !sleep(ctx, m.cfg.ReconnectBackoff) {
			return false
		}
		if m.State() == StateClosed {
			return false
		}
		if m.probe() {
			idx := m.Index()
			slog.Info("camera: reconnected", "index", idx)
			if m.onReconnect != nil {
				m.onReconnect(idx)
			}
			return true
		}
		m.setState(StateReconnecting)
	}
}

// release closes the held device and moves to state.
func (m *Manager) release(state State) {
	m.mu.Lock()
	dev := m.dev
	m.dev = nil
	m.setStateLocked(state)
	m.mu.Unlock()
	if dev != nil {
		if err := dev.Close(); err != nil {
			slog.Warn("camera: release failed", "err", err)
		}
	}
}

// CurrentFrame returns the most recently published frame. It never blocks
// on the device. The second result is false until the first frame arrives.
func (m *Manager) CurrentFrame() (types.Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frame, m.hasImg
}

// State returns the current acquisition state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Index returns the index of the held device, or -1.
func (m *Manager) Index() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dev == nil {
		return -1
	}
	return m.index
}

// Close marks the manager closed. If Run is active it releases the device
// and returns [ErrClosed] on its next iteration; otherwise the device is
// released here.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.setStateLocked(StateClosed)
	if m.running {
		m.mu.Unlock()
		return nil
	}
	dev := m.dev
	m.dev = nil
	m.mu.Unlock()
	if dev != nil {
		if err := dev.Close(); err != nil {
			return fmt.Errorf("camera: close: %w", err)
		}
	}
	return nil
}

// publishLocked stores img as the new latest frame. Must be called with m.mu
// held for writing.
func (m *Manager) publishLocked(img image.Image) {
	m.seq++
	m.frame = types.Frame{Image: img, Seq: m.seq, CapturedAt: time.Now()}
	m.hasImg = true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s || m.state == StateClosed {
		return
	}
	from := m.state
	m.state = s
	if m.onState != nil {
		m.onState(from, s)
	}
}

// sleep waits for d or until ctx ends. It reports whether the full duration
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
