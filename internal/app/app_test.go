package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/kanan/internal/app"
	"github.com/MrWong99/kanan/internal/camera"
	"github.com/MrWong99/kanan/internal/config"
	"github.com/MrWong99/kanan/internal/observe"
	"github.com/MrWong99/kanan/internal/perception"
	"github.com/MrWong99/kanan/internal/speech"
	"github.com/MrWong99/kanan/internal/voicecmd"
	audiomock "github.com/MrWong99/kanan/pkg/audio/mock"
	cammock "github.com/MrWong99/kanan/pkg/provider/camera/mock"
	"github.com/MrWong99/kanan/pkg/provider/face"
	facemock "github.com/MrWong99/kanan/pkg/provider/face/mock"
	sttmock "github.com/MrWong99/kanan/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/kanan/pkg/provider/tts/mock"
)

// testConfig returns the default config pointed at dir, with a status server
// on a random port and fast camera polling.
func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.InstanceID = "test"
	cfg.Faces.Dir = dir
	cfg.Camera.PollInterval = time.Millisecond
	cfg.Speech.DrainTimeout = time.Second
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// presentCamera returns an opener with one working device at index 0.
func presentCamera() *cammock.Opener {
	return &cammock.Opener{
		Present: map[int]bool{0: true},
		New: func(int) *cammock.Device {
			return &cammock.Device{Image: cammock.Solid(64, 48, color.RGBA{R: 200, A: 255})}
		},
	}
}

// writeSubject stores a face image for name in dir.
func writeSubject(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name+".jpg"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, cammock.Solid(32, 32, color.RGBA{G: 200, A: 255}), nil); err != nil {
		t.Fatal(err)
	}
}

// recordingPublisher records published topics.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_RequiresCameraAndEncoder(t *testing.T) {
	t.Parallel()

	_, err := app.New(t.Context(), testConfig(t.TempDir()), &app.Providers{Encoder: &facemock.Encoder{}})
	if err == nil {
		t.Fatal("New without camera should fail")
	}
}

func TestNew_NoCameraIsFatal(t *testing.T) {
	t.Parallel()

	enc := &facemock.Encoder{}
	_, err := app.New(t.Context(), testConfig(t.TempDir()), &app.Providers{
		Camera:  &cammock.Opener{},
		Encoder: enc,
	}, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, camera.ErrNoDevice) {
		t.Fatalf("New err = %v, want ErrNoDevice", err)
	}
	if enc.CloseCallCount != 1 {
		t.Errorf("encoder closed %d times after failed start, want 1", enc.CloseCallCount)
	}
}

func TestNew_CreatesMissingFacesDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "faces")
	cfg := testConfig(dir)
	cfg.Server.ListenAddr = ""
	a, err := app.New(t.Context(), cfg, &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{},
	}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(t.Context())

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("faces dir not created: %v", err)
	}
	if got := a.Faces().Snapshot().Len(); got != 0 {
		t.Errorf("subjects = %d, want 0", got)
	}
	if a.StatusAddr() != "" {
		t.Errorf("StatusAddr = %q, want empty with no listen address", a.StatusAddr())
	}
}

// TestRun_EndToEnd starts the whole engine with mocks: the greeting is spoken,
// a known face in front of the camera is announced and published, the status
// server reports ready, and the spoken "shutdown" command stops Run cleanly.
func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSubject(t, dir, "Max")

	synth := &ttsmock.Provider{}
	sess := sttmock.NewSession()
	mic := audiomock.NewSource()
	pub := &recordingPublisher{}

	a, err := app.New(t.Context(), testConfig(dir), &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(1)}}},
		Audio:   mic,
		STT:     &sttmock.Provider{Session: sess},
		TTS:     synth,
	},
		app.WithMetrics(testMetrics(t)),
		app.WithPublisher(pub),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(t.Context())

	done := make(chan error, 1)
	go func() { done <- a.Run(t.Context()) }()

	waitFor(t, "greeting and face announcement", func() bool {
		texts := synth.Texts()
		return slices.Contains(texts, app.Greeting) && slices.Contains(texts, "Max is there")
	})
	waitFor(t, "face event", func() bool {
		return slices.Contains(pub.Topics(), "kanan/announcement/"+perception.KindFace)
	})

	resp, err := http.Get("http://" + a.StatusAddr() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get("http://" + a.StatusAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status struct {
		Instance      string `json:"instance"`
		Subjects      int    `json:"subjects"`
		VoiceCommands bool   `json:"voice_commands"`
		TextOnly      bool   `json:"text_only"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if status.Instance != "test" || status.Subjects != 1 || !status.VoiceCommands || status.TextOnly {
		t.Errorf("/status = %+v", status)
	}

	sess.Final("shutdown")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the shutdown command")
	}
	if got := synth.Texts(); got[len(got)-1] != voicecmd.PhraseShuttingDown {
		t.Errorf("last spoken = %q, want %q", got[len(got)-1], voicecmd.PhraseShuttingDown)
	}
	if mic.CloseCalls != 1 {
		t.Errorf("mic closed %d times, want 1", mic.CloseCalls)
	}
}

// TestRun_MicrophoneFailureKeepsEngineRunning starts with a microphone that
// cannot open: voice commands are disabled but faces are still announced and
// Run only returns once the context is cancelled.
func TestRun_MicrophoneFailureKeepsEngineRunning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSubject(t, dir, "Max")

	synth := &ttsmock.Provider{}
	mic := audiomock.NewSource()
	mic.StartErr = errors.New("no default input device")

	a, err := app.New(t.Context(), testConfig(dir), &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{Faces: []face.Face{{Encoding: facemock.Enc(1)}}},
		Audio:   mic,
		STT:     &sttmock.Provider{Session: sttmock.NewSession()},
		TTS:     synth,
	}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(t.Context())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "greeting and face announcement", func() bool {
		texts := synth.Texts()
		return slices.Contains(texts, app.Greeting) && slices.Contains(texts, "Max is there")
	})
	select {
	case err := <-done:
		t.Fatalf("Run returned while the camera was still working: %v", err)
	default:
	}

	resp, err := http.Get("http://" + a.StatusAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status struct {
		VoiceCommands bool `json:"voice_commands"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if status.VoiceCommands {
		t.Error("/status reports voice commands after the microphone failed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestShutdown_DrainsSpeech checks that Shutdown returns only after the
// utterance being played has finished.
func TestShutdown_DrainsSpeech(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	synth := &ttsmock.Provider{
		Delay:   100 * time.Millisecond,
		OnSpeak: func(string) { finished.Store(true) },
	}
	cfg := testConfig(t.TempDir())
	cfg.Server.ListenAddr = ""
	a, err := app.New(t.Context(), cfg, &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{},
		TTS:     synth,
	}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "greeting playback to start", func() bool {
		return slices.Contains(synth.Texts(), app.Greeting)
	})
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before the greeting finished playing")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestRun_TextOnlyWithoutVoice runs without TTS or microphone: the greeting
// is printed and cancelling the context stops Run.
func TestRun_TextOnlyWithoutVoice(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var out strings.Builder
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return out.Write(p)
	})

	cfg := testConfig(t.TempDir())
	cfg.Server.ListenAddr = ""
	a, err := app.New(t.Context(), cfg, &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{},
	},
		app.WithMetrics(testMetrics(t)),
		app.WithSpeechOptions(speech.WithTextWriter(w)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(t.Context())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "printed greeting", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), app.Greeting)
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.Server.ListenAddr = ""
	var level slog.LevelVar
	a, err := app.New(t.Context(), cfg, &app.Providers{
		Camera:  presentCamera(),
		Encoder: &facemock.Encoder{},
	},
		app.WithMetrics(testMetrics(t)),
		app.WithLevelVar(&level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(t.Context())

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Announce.FaceCooldown = 9 * time.Second
	off := false
	next.Detector.ObjectRecognition = &off

	d := config.Diff(cfg, &next)
	a.ApplyConfig(cfg, &next, d)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.Loop().Cooldowns().Face; got != 9*time.Second {
		t.Errorf("face cooldown = %v, want 9s", got)
	}
	if a.Flags().ObjectRecognition() {
		t.Error("object recognition should be disabled")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

var _ io.Writer = writerFunc(nil)
