// Package health serves /healthz and /readyz for the status server.
//
// /healthz answers 200 as long as the process serves HTTP. /readyz runs every
// registered [Checker] concurrently and answers 200 when none of the required
// ones failed. A failing advisory checker (the detector breaker, for
// instance) turns the reported status into "degraded" without failing
// readiness, since Kanan keeps announcing faces while the detector is out.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds every individual check.
const checkTimeout = 5 * time.Second

// Overall statuses reported in the "status" field.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named probe. Check returns nil when the component is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Advisory checkers are reported but never fail readiness.
	Advisory bool
}

// CheckResult is the outcome of one [Checker] in a [Report].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Advisory bool   `json:"advisory,omitempty"`
	Millis   int64  `json:"ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the report should be served with 200.
func (r Report) Ready() bool { return r.Status != StatusFail }

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs all checkers concurrently and folds their results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		if res.Status == StatusOK {
			continue
		}
		if res.Advisory {
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
			continue
		}
		rep.Status = StatusFail
	}
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, Advisory: c.Advisory, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

// Register mounts the probe routes on router.
func (h *Handler) Register(router chi.Router) {
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Report{Status: StatusOK})
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := h.Evaluate(r.Context())
		code := http.StatusOK
		if !rep.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
