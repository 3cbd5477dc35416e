// Package app wires all Kanan subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run supervises the long-lived goroutines (camera acquisition,
// voice commands, speech output and the perception loop), and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithPublisher,
// WithMetrics, etc.) and mock providers. When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kanan/internal/camera"
	"github.com/MrWong99/kanan/internal/config"
	"github.com/MrWong99/kanan/internal/detect"
	"github.com/MrWong99/kanan/internal/events"
	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/internal/health"
	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/internal/perception"
	"github.com/MrWong99/kanan/internal/resilience"
	"github.com/MrWong99/kanan/internal/speech"
	"github.com/MrWong99/kanan/internal/voicecmd"
	"github.com/MrWong99/kanan/pkg/audio"
	cameraprov "github.com/MrWong99/kanan/pkg/provider/camera"
	"github.com/MrWong99/kanan/pkg/provider/detector"
	"github.com/MrWong99/kanan/pkg/provider/face"
	"github.com/MrWong99/kanan/pkg/provider/stt"
	"github.com/MrWong99/kanan/pkg/provider/tts"
)

// Phrases spoken by the app itself.
const (
	Greeting           = "Hi my name is Kanan, I am your visual assistant."
	PhraseReconnected  = "Camera reconnected"
	statusShutdownWait = 5 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Camera   cameraprov.Opener
	Encoder  face.Encoder
	Audio    audio.Source
	STT      stt.Provider
	TTS      tts.Provider
	Detector detector.Provider

	// Optional secondary backends.
	STTFallback      stt.Provider
	DetectorFallback detector.Provider
}

// App owns all subsystem lifetimes and orchestrates the Kanan perception
// pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or defaulted in New.
	metrics    *observe.Metrics
	level      *slog.LevelVar
	publisher  events.Publisher
	configPath string
	speechOpts []speech.Option

	// Subsystems, initialised in New and torn down in Shutdown.
	speech     *speech.Serializer
	faces      *faces.Database
	matcher    *faces.Matcher
	camera     *camera.Manager
	breaker    *resilience.CircuitBreaker
	gateway    *detect.Gateway
	flags      *perception.Flags
	loop       *perception.Loop
	dispatcher *voicecmd.Dispatcher
	listener   *voicecmd.Listener
	sink       *events.Sink
	watcher    *config.Watcher
	status     *http.Server
	statusLn   net.Listener

	mu     sync.Mutex
	cancel context.CancelFunc

	// voice is true while the listener is taking commands.
	voice atomic.Bool

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config hot reload change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithPublisher injects an event publisher instead of dialling the MQTT
// broker named in the config.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithConfigWatcher enables hot reload of the config file at path.
func WithConfigWatcher(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithSpeechOptions passes extra options to the speech serialiser, e.g.
// a different text writer for text-only mode.
func WithSpeechOptions(opts ...speech.Option) Option {
	return func(a *App) { a.speechOpts = append(a.speechOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles.
//
// New performs all initialisation synchronously: the face database is built,
// the camera is probed and the status listener is bound. A missing camera
// fails with [camera.ErrNoDevice].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.Camera == nil || providers.Encoder == nil {
		return nil, errors.New("app: camera and face encoder providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		flags:     perception.NewFlags(),
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.flags.SetObjectRecognition(cfg.Detector.ObjectRecognition == nil || *cfg.Detector.ObjectRecognition)

	// ── 1. Event sink ────────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 2. Speech output ─────────────────────────────────────────────────
	a.initSpeech()

	// ── 3. Face database + matcher ───────────────────────────────────────
	if err := a.initFaces(ctx); err != nil {
		return nil, fmt.Errorf("app: init faces: %w", err)
	}

	// ── 4. Camera ────────────────────────────────────────────────────────
	if err := a.initCamera(ctx); err != nil {
		return nil, fmt.Errorf("app: init camera: %w", err)
	}

	// ── 5. Detection gateway ─────────────────────────────────────────────
	a.initDetector()

	// ── 6. Perception loop ───────────────────────────────────────────────
	a.initLoop()

	// ── 7. Voice commands ────────────────────────────────────────────────
	a.initVoice()

	// ── 8. Status server ─────────────────────────────────────────────────
	if err := a.initStatus(); err != nil {
		return nil, fmt.Errorf("app: init status server: %w", err)
	}

	// ── 9. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEvents dials the MQTT broker when configured, or uses an injected
// publisher. Without either the sink stays nil.
func (a *App) initEvents(ctx context.Context) error {
	ec := a.cfg.Events
	if a.publisher == nil && !ec.Enabled() {
		return nil
	}
	if a.publisher == nil {
		pub, err := events.DialMQTT(ctx, events.MQTTConfig{
			Broker:   ec.Broker,
			ClientID: ec.ClientID,
			Username: ec.Username,
			Password: ec.Password,
			QoS:      ec.QoS,
		})
		if err != nil {
			return err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}
	a.sink = events.NewSink(a.publisher, ec.TopicPrefix, a.cfg.Server.InstanceID, events.WithBuffer(ec.Buffer))
	a.closers = append(a.closers, func() error {
		a.sink.Close()
		return nil
	})
	return nil
}

// initSpeech creates the single speech consumer. Metrics are recorded per
// delivered utterance.
func (a *App) initSpeech() {
	opts := []speech.Option{
		speech.WithDrainTimeout(a.cfg.Speech.DrainTimeout),
		speech.WithObserver(func(u speech.Utterance, latency time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			ctx := context.Background()
			a.metrics.RecordUtterance(ctx, status, latency)
			a.metrics.RecordSpeechQueueDepth(ctx, a.speech.Len())
		}),
	}
	opts = append(opts, a.speechOpts...)
	a.speech = speech.New(a.providers.TTS, opts...)
}

// initFaces builds the face database from the configured directory. A
// missing directory is created so the user can add images later.
func (a *App) initFaces(ctx context.Context) error {
	fc := a.cfg.Faces
	a.faces = faces.NewDatabase(fc.Dir, a.providers.Encoder, faces.WithConcurrency(fc.Concurrency))
	a.closers = append(a.closers, a.providers.Encoder.Close)

	if err := ensureDir(fc.Dir); err != nil {
		return err
	}
	start := time.Now()
	n, err := a.faces.Reload(ctx)
	if err != nil {
		return err
	}
	a.metrics.RecordFaceRebuild(ctx, time.Since(start), n)

	a.matcher = faces.NewMatcher(a.faces, a.providers.Encoder,
		faces.WithTolerance(fc.Tolerance),
		faces.WithMatchSize(fc.MatchWidth, fc.MatchHeight),
	)
	return nil
}

// initCamera probes for a device and registers the reconnect announcement.
func (a *App) initCamera(ctx context.Context) error {
	cc := a.cfg.Camera
	a.camera = camera.NewManager(a.providers.Camera, camera.Config{
		MaxIndex:         cc.MaxIndex,
		PollInterval:     cc.PollInterval,
		MaxFailures:      cc.MaxFailures,
		ReconnectBackoff: cc.ReconnectBackoff,
	},
		camera.WithOnReconnect(func(index int) {
			slog.Info("app: camera reconnected", "index", index)
			a.metrics.RecordCameraReconnect(context.Background())
			a.speech.Enqueue(PhraseReconnected)
		}),
		camera.WithOnStateChange(func(from, to camera.State) {
			if a.sink != nil {
				a.sink.State("camera", to.String())
			}
		}),
	)
	if err := a.camera.Open(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.camera.Close)
	return nil
}

// initDetector sets up the detection gateway behind a circuit breaker. The
// detector is optional; without one only faces are announced.
func (a *App) initDetector() {
	prov := a.providers.Detector
	if prov == nil {
		return
	}
	dc := a.cfg.Detector
	cbCfg := resilience.CircuitBreakerConfig{
		Name:         "detector",
		MaxFailures:  dc.Breaker.MaxFailures,
		ResetTimeout: dc.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("app: circuit breaker state changed", "name", name, "from", from, "to", to)
			if a.sink != nil {
				a.sink.State(name, to.String())
			}
		},
	}
	if fb := a.providers.DetectorFallback; fb != nil {
		prov = resilience.NewDetectorFallback(resilience.FallbackConfig{CircuitBreaker: cbCfg},
			resilience.Entry[detector.Provider]{Name: "primary/" + a.cfg.Providers.Detector.Name, Value: prov},
			resilience.Entry[detector.Provider]{Name: "fallback/" + a.cfg.Providers.DetectorFallback.Name, Value: fb},
		)
	}
	a.breaker = resilience.NewCircuitBreaker(cbCfg)
	a.gateway = detect.New(prov,
		detect.WithInterval(dc.Interval),
		detect.WithTimeout(dc.Timeout),
		detect.WithEncodeSize(dc.EncodeWidth, dc.EncodeHeight),
		detect.WithJPEGQuality(dc.JPEGQuality),
		detect.WithBreaker(a.breaker),
		detect.WithMetrics(a.metrics),
	)
}

func (a *App) initLoop() {
	deps := perception.Deps{
		Frames:  a.camera,
		Faces:   a.matcher,
		Speaker: a.speech,
		Flags:   a.flags,
	}
	if a.gateway != nil {
		deps.Detector = a.gateway
	}
	opts := []perception.Option{
		perception.WithInterval(a.cfg.Announce.Interval),
		perception.WithCooldowns(cooldowns(a.cfg.Announce)),
		perception.WithMetrics(a.metrics),
	}
	if a.sink != nil {
		opts = append(opts, perception.WithObserver(a.sink.Announcement))
	}
	a.loop = perception.New(deps, opts...)
}

// initVoice builds the command dispatcher and, when a microphone and a
// recogniser are configured, the listener feeding it.
func (a *App) initVoice() {
	vc := a.cfg.Voice
	var battery voicecmd.BatteryReader = voicecmd.FixedBattery(vc.BatteryLevel)
	if vc.Battery == config.BatterySysfs {
		battery = voicecmd.SysfsBattery{}
	}
	a.dispatcher = voicecmd.New(voicecmd.Deps{
		Speaker:  a.speech,
		Faces:    a.faces,
		Frames:   a.camera,
		Objects:  a.flags,
		Battery:  battery,
		Shutdown: a.stop,
	}, voicecmd.WithMetrics(a.metrics))

	if a.providers.Audio == nil || a.providers.STT == nil {
		slog.Warn("app: no microphone or recogniser configured; voice commands disabled")
		return
	}
	recognizer := a.providers.STT
	if fb := a.providers.STTFallback; fb != nil {
		recognizer = resilience.NewSTTFallback(resilience.FallbackConfig{},
			resilience.Entry[stt.Provider]{Name: "primary/" + a.cfg.Providers.STT.Name, Value: recognizer},
			resilience.Entry[stt.Provider]{Name: "fallback/" + a.cfg.Providers.STTFallback.Name, Value: fb},
		)
	}
	a.listener = voicecmd.NewListener(a.providers.Audio, recognizer, a.dispatcher,
		voicecmd.WithStreamConfig(stt.StreamConfig{
			SampleRate: vc.SampleRate,
			Channels:   1,
			Language:   vc.Language,
		}),
		voicecmd.WithOnReady(a.greet),
	)
	for _, p := range []any{a.providers.STT, a.providers.STTFallback} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
}

// initStatus binds the listener for /healthz, /readyz and /metrics. An empty
// listen address disables the server.
func (a *App) initStatus() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}
	checks := []health.Checker{
		health.CameraCheck(a.camera),
		health.FacesCheck(a.faces),
		health.RunningCheck("speech", a.speech),
	}
	if a.breaker != nil {
		checks = append(checks, health.BreakerCheck(a.breaker))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, observe.Middleware(a.metrics))
	health.New(checks...).Register(r)
	r.Method(http.MethodGet, "/metrics", observe.MetricsHandler())
	r.Get("/status", a.serveStatusReport)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.statusLn = ln
	a.status = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// statusReport is the /status body: a one-glance view of the device for
// whoever is supporting the wearer remotely.
type statusReport struct {
	Instance          string `json:"instance"`
	Camera            string `json:"camera"`
	Subjects          int    `json:"subjects"`
	ObjectRecognition bool   `json:"object_recognition"`
	SpeechQueue       int    `json:"speech_queue"`
	TextOnly          bool   `json:"text_only"`
	Detector          string `json:"detector,omitempty"`
	VoiceCommands     bool   `json:"voice_commands"`
}

func (a *App) serveStatusReport(w http.ResponseWriter, _ *http.Request) {
	rep := statusReport{
		Instance:          a.cfg.Server.InstanceID,
		Camera:            a.camera.State().String(),
		Subjects:          a.faces.Snapshot().Len(),
		ObjectRecognition: a.flags.ObjectRecognition(),
		SpeechQueue:       a.speech.Len(),
		TextOnly:          a.speech.TextOnly(),
		VoiceCommands:     a.voice.Load(),
	}
	if a.breaker != nil {
		rep.Detector = a.breaker.State().String()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		slog.Warn("app: write status report", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled, the
// "shutdown" voice command is spoken, or a subsystem fails. It returns nil
// on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.speech.Run(gctx) })
	g.Go(func() error { return a.camera.Run(gctx) })
	g.Go(func() error { return a.loop.Run(gctx) })

	if a.listener != nil {
		a.voice.Store(true)
		g.Go(func() error {
			a.runVoice(gctx)
			return nil
		})
	} else {
		a.greet()
	}
	if a.sink != nil {
		g.Go(func() error { return a.sink.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.status != nil {
		g.Go(func() error { return a.serveStatus(gctx) })
	}

	slog.Info("app: running",
		"camera", a.camera.Index(),
		"subjects", a.faces.Snapshot().Len(),
		"detector", a.gateway != nil,
		"voice", a.listener != nil,
		"text_only", a.speech.TextOnly(),
	)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: run: %w", err)
	}
	return nil
}

// runVoice runs the command listener. A microphone or recogniser that fails
// to start only disables voice commands; the rest of the engine keeps going.
func (a *App) runVoice(ctx context.Context) {
	err := a.listener.Run(ctx)
	a.voice.Store(false)
	if err == nil || ctx.Err() != nil {
		return
	}
	slog.Error("app: voice commands disabled", "err", err)
	a.greet()
}

// serveStatus serves the status endpoints until ctx ends.
func (a *App) serveStatus(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.status.ServeTLS(a.statusLn, tls.CertFile, tls.KeyFile)
		} else {
			err = a.status.Serve(a.statusLn)
		}
		errCh <- err
	}()
	slog.Info("app: status server listening", "addr", a.statusLn.Addr().String())

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusShutdownWait)
		defer cancel()
		return a.status.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	}
}

// greet speaks the start-up greeting.
func (a *App) greet() {
	a.speech.Enqueue(Greeting)
}

// stop queues the speech sentinel and cancels Run. It backs the "shutdown"
// voice command.
func (a *App) stop() {
	slog.Info("app: shutdown requested by voice command")
	a.speech.Shutdown()
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string {
	if a.statusLn == nil {
		return ""
	}
	return a.statusLn.Addr().String()
}

// Dispatcher returns the voice command dispatcher.
func (a *App) Dispatcher() *voicecmd.Dispatcher { return a.dispatcher }

// Flags returns the shared runtime flags.
func (a *App) Flags() *perception.Flags { return a.flags }

// Loop returns the perception loop.
func (a *App) Loop() *perception.Loop { return a.loop }

// Faces returns the face database.
func (a *App) Faces() *faces.Database { return a.faces }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config. It has
// the [config.ChangeFunc] signature.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.CooldownsChanged {
		a.loop.SetCooldowns(cooldowns(next.Announce))
	}
	if d.DetectorIntervalChanged && a.gateway != nil {
		a.gateway.SetInterval(next.Detector.Interval)
	}
	if d.ObjectRecognitionChanged {
		a.flags.SetObjectRecognition(d.ObjectRecognition)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown lets queued speech drain, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if a.speech != nil {
			a.speech.Shutdown()
			a.awaitSpeech(ctx)
		}
		if a.statusLn != nil {
			_ = a.statusLn.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// awaitSpeech waits until the speech consumer reaches the sentinel, for at
// most the configured drain timeout. It returns at once if Run never started.
func (a *App) awaitSpeech(ctx context.Context) {
	a.mu.Lock()
	started := a.cancel != nil
	a.mu.Unlock()
	if !started {
		return
	}
	t := time.NewTimer(a.cfg.Speech.DrainTimeout)
	defer t.Stop()
	select {
	case <-a.speech.Done():
	case <-t.C:
		slog.Warn("app: speech still playing at shutdown", "pending", a.speech.Len())
	case <-ctx.Done():
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func cooldowns(ac config.AnnounceConfig) perception.Cooldowns {
	return perception.Cooldowns{
		Face:    ac.FaceCooldown,
		Objects: ac.ObjectsCooldown,
		Text:    ac.TextCooldown,
	}
}

// ensureDir creates dir if it does not exist yet.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create faces dir: %w", err)
	}
	return nil
}
