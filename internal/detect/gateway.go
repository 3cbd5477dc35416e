// Package detect rate-limits and cleans up calls to the external object and
// text detector.
//
// The [Gateway] sits between the perception loop, which runs every few
// milliseconds, and a remote service that should see at most one frame every
// few seconds. It never surfaces errors: throttled calls, transport failures,
// non-success responses and timeouts all yield "no result" and the loop
// simply carries on.
package detect

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/internal/resilience"
	"github.com/MrWong99/kanan/pkg/imaging"
	"github.com/MrWong99/kanan/pkg/provider/detector"
	"github.com/MrWong99/kanan/pkg/types"
)

const (
	// DefaultInterval is the minimum spacing between outbound calls.
	DefaultInterval = 4 * time.Second

	// DefaultTimeout bounds a single outbound call.
	DefaultTimeout = 5 * time.Second

	// DefaultEncodeWidth and DefaultEncodeHeight are the resolution frames
	// are scaled to before upload.
	DefaultEncodeWidth  = 480
	DefaultEncodeHeight = 360

	// ReservedLabel is never announced as an object.
	ReservedLabel = "person"
)

// Outcome statuses reported to metrics.
const (
	statusOK          = "ok"
	statusError       = "error"
	statusThrottled   = "throttled"
	statusCircuitOpen = "circuit_open"
)

// parenthetical matches an annotation such as " (0.87)" and the whitespace
// before it.
var parenthetical = regexp.MustCompile(`\s*\([^)]*\)`)

// Option is a functional option for [Gateway].
type Option func(*Gateway)

// WithInterval sets the minimum spacing between outbound calls.
func WithInterval(d time.Duration) Option {
	return func(g *Gateway) { g.interval = d }
}

// WithTimeout bounds each outbound call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithEncodeSize sets the upload resolution.
func WithEncodeSize(w, h int) Option {
	return func(g *Gateway) { g.width, g.height = w, h }
}

// WithJPEGQuality sets the upload JPEG quality.
func WithJPEGQuality(q int) Option {
	return func(g *Gateway) { g.quality = q }
}

// WithClock overrides the clock used for throttling.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithBreaker guards outbound calls with cb. While the breaker is open the
// gateway returns no result without contacting the service.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Gateway) { g.breaker = cb }
}

// WithMetrics records call outcomes and latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway throttles, encodes and post-processes detector calls. It is safe
// for concurrent use, although the perception loop is its only caller.
type Gateway struct {
	provider detector.Provider
	interval time.Duration
	timeout  time.Duration
	width    int
	height   int
	quality  int
	now      func() time.Time
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	mu          sync.Mutex
	lastAttempt time.Time
	attempted   bool
}

// New creates a Gateway in front of provider.
func New(provider detector.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider: provider,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		width:    DefaultEncodeWidth,
		height:   DefaultEncodeHeight,
		quality:  imaging.DefaultJPEGQuality,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetInterval changes the throttle interval. Used on config reload.
func (g *Gateway) SetInterval(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = d
}

// Detect uploads frame if at least the configured interval has passed since
// the previous outbound attempt, and returns the cleaned result. The boolean
// is false whenever no fresh result is available.
func (g *Gateway) Detect(ctx context.Context, frame types.Frame) (detector.Result, bool) {
	if frame.IsZero() {
		return detector.Result{}, false
	}
	if g.breaker != nil && g.breaker.State() == resilience.StateOpen {
		g.metrics.RecordDetectorRequest(ctx, statusCircuitOpen, 0)
		return detector.Result{}, false
	}
	if !g.claimSlot() {
		g.metrics.RecordDetectorRequest(ctx, statusThrottled, 0)
		return detector.Result{}, false
	}

	ctx, span := observe.StartSpan(ctx, "detect.call", attribute.Int64("frame.seq", int64(frame.Seq)))
	log := observe.Logger(ctx)

	payload, err := imaging.EncodeJPEG(imaging.Resize(frame.Image, g.width, g.height), g.quality)
	if err != nil {
		log.Warn("detect: encode frame", "seq", frame.Seq, "err", err)
		g.metrics.RecordDetectorRequest(ctx, statusError, 0)
		observe.EndSpan(span, err)
		return detector.Result{}, false
	}

	start := time.Now()
	res, err := g.call(ctx, payload)
	latency := time.Since(start)
	if err != nil {
		status := statusError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = statusCircuitOpen
			latency = 0
		}
		span.SetAttributes(attribute.String("detect.status", status))
		log.Warn("detect: request failed", "seq", frame.Seq, "err", err)
		g.metrics.RecordDetectorRequest(ctx, status, latency)
		observe.EndSpan(span, err)
		return detector.Result{}, false
	}

	span.SetAttributes(
		attribute.String("detect.status", statusOK),
		attribute.Int("detect.objects", len(res.Objects)),
	)
	g.metrics.RecordDetectorRequest(ctx, statusOK, latency)
	observe.EndSpan(span, nil)
	return Clean(res), true
}

// claimSlot records an outbound attempt at now if the interval has elapsed.
func (g *Gateway) claimSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.attempted && now.Sub(g.lastAttempt) < g.interval {
		return false
	}
	g.lastAttempt = now
	g.attempted = true
	return true
}

func (g *Gateway) call(ctx context.Context, payload []byte) (detector.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.breaker == nil {
		return g.provider.Detect(ctx, payload)
	}
	var res detector.Result
	err := g.breaker.Execute(func() error {
		var err error
		res, err = g.provider.Detect(ctx, payload)
		return err
	})
	return res, err
}

// Clean strips parenthetical annotations from every label, then drops empty
// labels and any label mentioning the reserved "person" category, such as
// "Person 1" or "persons" (case-insensitive). People are announced by name
// through face matching instead. Text is returned trimmed.
func Clean(res detector.Result) detector.Result {
	out := detector.Result{Text: strings.TrimSpace(res.Text)}
	for _, label := range res.Objects {
		label = CleanLabel(label)
		if label == "" || strings.Contains(strings.ToLower(label), ReservedLabel) {
			continue
		}
		out.Objects = append(out.Objects, label)
	}
	return out
}

// CleanLabel removes parenthetical annotations and surrounding whitespace.
func CleanLabel(label string) string {
	return strings.TrimSpace(parenthetical.ReplaceAllString(label, ""))
}
