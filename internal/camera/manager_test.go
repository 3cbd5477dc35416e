package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/kanan/pkg/provider/camera/mock"
)

func fastConfig() Config {
	return Config{
		PollInterval:     time.Millisecond,
		MaxFailures:      5,
		ReconnectBackoff: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRun(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return errCh
}

func TestManager_OpenNoDevice(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{}
	m := NewManager(opener, fastConfig())
	if err := m.Open(t.Context()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Open err = %v, want ErrNoDevice", err)
	}
	if got := len(opener.Attempts); got != 10 {
		t.Errorf("probed %d indices, want 10", got)
	}
	for i, idx := range opener.Attempts {
		if idx != i {
			t.Errorf("attempt %d probed index %d, want ascending order", i, idx)
		}
	}
	if _, ok := m.CurrentFrame(); ok {
		t.Error("CurrentFrame ok = true without a device")
	}
}

func TestManager_OpenSkipsUnreadableDevices(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{
		Present: map[int]bool{2: true, 3: true, 5: true},
		New: func(index int) *mock.Device {
			return &mock.Device{Fail: index == 2}
		},
	}
	m := NewManager(opener, fastConfig())
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Index() != 3 {
		t.Errorf("Index = %d, want 3", m.Index())
	}
	if m.State() != StateActive {
		t.Errorf("State = %v, want active", m.State())
	}
	devs := opener.Devices()
	if !devs[0].IsClosed() {
		t.Error("unreadable device 2 was not released")
	}
	frame, ok := m.CurrentFrame()
	if !ok || frame.Seq != 1 || frame.IsZero() {
		t.Errorf("CurrentFrame = %+v, %v; want first frame", frame, ok)
	}
}

func TestManager_PublishesFrames(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	m := NewManager(opener, fastConfig())
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	startRun(t, m)

	waitFor(t, "several frames", func() bool {
		f, _ := m.CurrentFrame()
		return f.Seq >= 5
	})
	f1, _ := m.CurrentFrame()
	waitFor(t, "a newer frame", func() bool {
		f2, _ := m.CurrentFrame()
		return f2.Seq > f1.Seq
	})
}

// A feed that fails five times in a row is released, re-probed after the
// backoff, and announced once on recovery.
func TestManager_ReconnectAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	var reconnects atomic.Int32
	m := NewManager(opener, fastConfig(), WithOnReconnect(func(int) { reconnects.Add(1) }))
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	startRun(t, m)

	first := opener.Devices()[0]
	first.SetFail(true)

	waitFor(t, "reconnect", func() bool { return reconnects.Load() == 1 })
	if !first.IsClosed() {
		t.Error("failed device was not released")
	}
	devs := opener.Devices()
	if len(devs) != 2 {
		t.Fatalf("opened %d devices, want 2", len(devs))
	}
	waitFor(t, "active state", func() bool { return m.State() == StateActive })

	before, _ := m.CurrentFrame()
	waitFor(t, "frames from the new device", func() bool {
		f, _ := m.CurrentFrame()
		return f.Seq > before.Seq
	})
	if got := reconnects.Load(); got != 1 {
		t.Errorf("OnReconnect called %d times, want 1", got)
	}
}

func TestManager_TransientFailuresDoNotReconnect(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	cfg := fastConfig()
	cfg.MaxFailures = 1 << 20
	var reconnects atomic.Int32
	m := NewManager(opener, cfg, WithOnReconnect(func(int) { reconnects.Add(1) }))
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	dev := opener.Devices()[0]
	dev.SetFail(true)
	startRun(t, m)

	waitFor(t, "degraded", func() bool { return m.State() == StateDegraded })
	dev.SetFail(false)
	waitFor(t, "active again", func() bool { return m.State() == StateActive })

	if n := len(opener.Devices()); n != 1 {
		t.Errorf("opened %d devices, want 1", n)
	}
	if reconnects.Load() != 0 {
		t.Error("OnReconnect fired for failures below the threshold")
	}
}

func TestManager_StateTransitions(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []State
	)
	opener := &mock.Opener{Present: map[int]bool{0: true}}
	m := NewManager(opener, fastConfig(), WithOnStateChange(func(_, to State) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, to)
	}))
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	startRun(t, m)
	opener.Devices()[0].SetFail(true)
	waitFor(t, "second device", func() bool { return len(opener.Devices()) == 2 })
	waitFor(t, "active", func() bool { return m.State() == StateActive })

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateActive, StateDegraded, StateReconnecting, StateActive}
	if len(got) < len(want) {
		t.Fatalf("transitions = %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestManager_ReprobeRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	var reconnects atomic.Int32
	m := NewManager(opener, fastConfig(), WithOnReconnect(func(int) { reconnects.Add(1) }))
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	startRun(t, m)

	opener.SetPresent(0, false)
	opener.Devices()[0].SetFail(true)

	waitFor(t, "reconnecting state", func() bool { return m.State() == StateReconnecting })
	// Let at least two probe rounds fail.
	time.Sleep(60 * time.Millisecond)
	if reconnects.Load() != 0 {
		t.Fatal("reconnected without a device")
	}
	if _, ok := m.CurrentFrame(); !ok {
		t.Error("last good frame should remain available while reconnecting")
	}

	opener.SetPresent(1, true)
	waitFor(t, "reconnect on index 1", func() bool { return reconnects.Load() == 1 })
	if m.Index() != 1 {
		t.Errorf("Index = %d, want 1", m.Index())
	}
}

func TestManager_CloseStopsRun(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	m := NewManager(opener, fastConfig())
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	waitFor(t, "frames", func() bool { f, _ := m.CurrentFrame(); return f.Seq > 2 })
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Run err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if !opener.Devices()[0].IsClosed() {
		t.Error("device not released after Close")
	}
	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
}

func TestManager_CloseWithoutRun(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{Present: map[int]bool{0: true}}
	m := NewManager(opener, fastConfig())
	if err := m.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !opener.Devices()[0].IsClosed() {
		t.Error("device not released")
	}
	if err := m.Open(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close err = %v, want ErrClosed", err)
	}
}

func TestManager_RunWithoutOpenSearches(t *testing.T) {
	t.Parallel()

	opener := &mock.Opener{}
	m := NewManager(opener, fastConfig())
	startRun(t, m)

	waitFor(t, "searching", func() bool { return m.State() == StateSearching })
	opener.SetPresent(4, true)
	waitFor(t, "active", func() bool { return m.State() == StateActive })
	if m.Index() != 4 {
		t.Errorf("Index = %d, want 4", m.Index())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateSearching:    "searching",
		StateActive:       "active",
		StateDegraded:     "degraded",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
		State(42):         "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
