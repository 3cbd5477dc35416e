// Package events publishes announcements and component state changes to an
// MQTT broker so that a companion app can follow what Kanan is saying.
//
// Events are encoded with MessagePack. Publishing happens on a background
// goroutine behind a bounded buffer: the perception loop never waits for the
// network, and when the buffer is full new events are dropped.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/kanan/internal/perception"
)

// Event types.
const (
	TypeAnnouncement = "announcement"
	TypeState        = "state"
)

// DefaultBuffer is the number of events held while the broker is slow.
const DefaultBuffer = 64

// Event is the wire payload.
type Event struct {
	ID        string    `msgpack:"id"`
	Type      string    `msgpack:"type"`
	Instance  string    `msgpack:"instance"`
	Kind      string    `msgpack:"kind"`
	Subject   string    `msgpack:"subject,omitempty"`
	Phrase    string    `msgpack:"phrase,omitempty"`
	Seq       uint64    `msgpack:"seq,omitempty"`
	Timestamp time.Time `msgpack:"ts"`
}

// Encode marshals e with MessagePack.
func Encode(e Event) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals a MessagePack payload.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	return e, nil
}

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Option is a functional option for [Sink].
type Option func(*Sink)

// WithBuffer sets the size of the pending event buffer.
func WithBuffer(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

type message struct {
	topic string
	event Event
}

// Sink converts announcements and state changes into events and publishes
// them in the background.
type Sink struct {
	pub      Publisher
	prefix   string
	instance string
	buffer   int
	now      func() time.Time

	queue     chan message
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewSink creates a Sink publishing under topic prefix, e.g. "kanan/<instance>".
func NewSink(pub Publisher, prefix, instance string, opts ...Option) *Sink {
	s := &Sink{
		pub:      pub,
		prefix:   prefix,
		instance: instance,
		buffer:   DefaultBuffer,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan message, s.buffer)
	return s
}

// Announcement is a perception observer. It queues an announcement event.
func (s *Sink) Announcement(_ context.Context, a perception.Announcement) {
	ts := a.At
	if ts.IsZero() {
		ts = s.now()
	}
	s.push(TypeAnnouncement+"/"+a.Kind, Event{
		Type:      TypeAnnouncement,
		Kind:      a.Kind,
		Subject:   a.Subject,
		Phrase:    a.Phrase,
		Seq:       a.Seq,
		Timestamp: ts,
	})
}

// State queues a component state change, e.g. State("camera", "reconnecting").
func (s *Sink) State(component, state string) {
	s.push(TypeState+"/"+component, Event{
		Type:      TypeState,
		Kind:      component,
		Subject:   state,
		Timestamp: s.now(),
	})
}

func (s *Sink) push(suffix string, e Event) {
	e.ID = uuid.NewString()
	e.Instance = s.instance
	msg := message{topic: s.prefix + "/" + suffix, event: e}
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		slog.Debug("events: buffer full, dropping event", "topic", msg.topic)
	}
}

// Run publishes queued events until ctx ends or Close is called. Events still
// queued at that point are discarded.
func (s *Sink) Run(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("events: sink already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case msg := <-s.queue:
			s.publish(msg)
		}
	}
}

func (s *Sink) publish(msg message) {
	payload, err := Encode(msg.event)
	if err != nil {
		s.failed.Add(1)
		slog.Warn("events: encode failed", "topic", msg.topic, "err", err)
		return
	}
	if err := s.pub.Publish(msg.topic, payload); err != nil {
		s.failed.Add(1)
		slog.Warn("events: publish failed", "topic", msg.topic, "err", err)
		return
	}
	s.published.Add(1)
}

// Close stops Run and rejects further events.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Stats reports publish counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}
