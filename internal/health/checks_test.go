package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/kanan/internal/camera"
	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/internal/resilience"
)

type stateFunc func() camera.State

func (f stateFunc) State() camera.State { return f() }

type snapshotFunc func() *faces.Snapshot

func (f snapshotFunc) Snapshot() *faces.Snapshot { return f() }

type doneChan chan struct{}

func (d doneChan) Done() <-chan struct{} { return d }

func TestCameraCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state   camera.State
		wantErr bool
	}{
		{camera.StateSearching, true},
		{camera.StateActive, false},
		{camera.StateDegraded, false},
		{camera.StateReconnecting, true},
		{camera.StateClosed, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			t.Parallel()
			c := CameraCheck(stateFunc(func() camera.State { return tt.state }))
			if c.Name != "camera" {
				t.Errorf("Name = %q", c.Name)
			}
			if err := c.Check(t.Context()); (err != nil) != tt.wantErr {
				t.Errorf("Check() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFacesCheck(t *testing.T) {
	t.Parallel()

	snap := &faces.Snapshot{}
	c := FacesCheck(snapshotFunc(func() *faces.Snapshot { return snap }))
	if err := c.Check(t.Context()); err == nil {
		t.Error("unbuilt database reported ready")
	}
	snap = &faces.Snapshot{BuiltAt: time.Now()}
	if err := c.Check(t.Context()); err != nil {
		t.Errorf("built empty database not ready: %v", err)
	}
}

func TestBreakerCheck(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "detector",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	c := BreakerCheck(cb)
	if c.Name != "detector" || !c.Advisory {
		t.Errorf("checker = %q advisory=%v, want advisory detector", c.Name, c.Advisory)
	}
	if err := c.Check(t.Context()); err != nil {
		t.Errorf("closed breaker: %v", err)
	}
	_ = cb.Execute(func() error { return errors.New("boom") })
	if err := c.Check(t.Context()); err == nil {
		t.Error("open breaker reported ready")
	}
}

func TestRunningCheck(t *testing.T) {
	t.Parallel()

	d := make(doneChan)
	c := RunningCheck("speech", d)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("running: %v", err)
	}
	close(d)
	if err := c.Check(context.Background()); err == nil {
		t.Error("stopped consumer reported ready")
	}
}
