// Package announce decides when a detected subject may be spoken about again
// and builds the phrases that are spoken.
//
// Two cooldown policies exist. PresenceReset suits faces: a subject is
// announced when it arrives and again only after it has been absent for at
// least the cooldown, so flicker in detection never causes a repeat.
// PeriodicRefresh suits ambient objects and text: while the subject persists
// it is re-announced on a fixed cadence.
//
// A [Debouncer] is not safe for concurrent use. It is owned by the perception
// loop goroutine.
package announce

import "time"

// Key identifies an announceable subject.
type Key string

const (
	// KeyObjects is the key for the detected object set as a whole.
	KeyObjects Key = "object-set"

	// KeyText is the key for text read from the scene.
	KeyText Key = "text"
)

// FaceKey returns the key for a recognised person.
func FaceKey(name string) Key { return Key("face:" + name) }

// Policy selects the cooldown semantics for a key.
type Policy int

const (
	// PresenceReset restarts the cooldown on every sighting and re-announces
	// only after an absence of at least the cooldown.
	PresenceReset Policy = iota

	// PeriodicRefresh re-announces whenever the cooldown has elapsed since
	// the last announcement, regardless of continued presence.
	PeriodicRefresh
)

// String returns the policy name used in logs and metrics.
func (p Policy) String() string {
	switch p {
	case PresenceReset:
		return "presence-reset"
	case PeriodicRefresh:
		return "periodic-refresh"
	default:
		return "unknown"
	}
}

type entry struct {
	lastAnnounced time.Time
	lastSeen      time.Time
}

// Debouncer holds the cooldown state for every key ever announced. Entries
// are created lazily and never removed; the number of distinct subjects is
// small.
type Debouncer struct {
	now     func() time.Time
	entries map[Key]*entry
}

// Option is a functional option for configuring a Debouncer.
type Option func(*Debouncer)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) { d.now = now }
}

// NewDebouncer returns an empty Debouncer.
func NewDebouncer(opts ...Option) *Debouncer {
	d := &Debouncer{now: time.Now, entries: make(map[Key]*entry)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ShouldAnnounce reports whether key may be announced now and records the
// announcement when it returns true.
//
// For PresenceReset, presentNow=true always refreshes the last-seen time,
// whatever the result. For PeriodicRefresh presentNow is ignored.
func (d *Debouncer) ShouldAnnounce(key Key, policy Policy, cooldown time.Duration, presentNow bool) bool {
	now := d.now()
	e, known := d.entries[key]
	if !known {
		e = &entry{}
		d.entries[key] = e
	}

	var announce bool
	switch policy {
	case PresenceReset:
		announce = !known || e.lastSeen.IsZero() || now.Sub(e.lastSeen) >= cooldown
		if presentNow {
			e.lastSeen = now
		}
	case PeriodicRefresh:
		announce = !known || e.lastAnnounced.IsZero() || now.Sub(e.lastAnnounced) >= cooldown
	}

	if announce {
		e.lastAnnounced = now
	}
	return announce
}

// LastAnnounced returns when key was last announced.
func (d *Debouncer) LastAnnounced(key Key) (time.Time, bool) {
	e, ok := d.entries[key]
	if !ok || e.lastAnnounced.IsZero() {
		return time.Time{}, false
	}
	return e.lastAnnounced, true
}

// Len returns the number of tracked keys.
func (d *Debouncer) Len() int { return len(d.entries) }
