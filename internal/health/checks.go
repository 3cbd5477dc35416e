package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/kanan/internal/camera"
	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/internal/resilience"
)

// CameraStater reports the camera manager state.
type CameraStater interface {
	State() camera.State
}

// CameraCheck passes while the camera is delivering frames. A degraded camera
// (some failed reads, not yet reconnecting) still counts as ready.
func CameraCheck(c CameraStater) Checker {
	return Checker{Name: "camera", Check: func(context.Context) error {
		switch st := c.State(); st {
		case camera.StateActive, camera.StateDegraded:
			return nil
		default:
			return fmt.Errorf("camera is %s", st)
		}
	}}
}

// SnapshotSource exposes the current face database snapshot.
type SnapshotSource interface {
	Snapshot() *faces.Snapshot
}

// FacesCheck passes once the face database has been built at least once. An
// empty database is ready: Kanan runs with zero known subjects.
func FacesCheck(db SnapshotSource) Checker {
	return Checker{Name: "faces", Check: func(context.Context) error {
		if db.Snapshot().BuiltAt.IsZero() {
			return errors.New("face database not built yet")
		}
		return nil
	}}
}

// BreakerCheck is an advisory check failing while cb is open. Callers
// register it only when the detector is configured.
func BreakerCheck(cb *resilience.CircuitBreaker) Checker {
	return Checker{Name: cb.Name(), Advisory: true, Check: func(context.Context) error {
		if st := cb.State(); st == resilience.StateOpen {
			return fmt.Errorf("circuit %s", st)
		}
		return nil
	}}
}

// Doner is anything with a completion channel, such as the speech
// serialiser.
type Doner interface {
	Done() <-chan struct{}
}

// RunningCheck fails once d's completion channel is closed.
func RunningCheck(name string, d Doner) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		select {
		case <-d.Done():
			return fmt.Errorf("%s stopped", name)
		default:
			return nil
		}
	}}
}
