// Package health serves the relay's liveness and readiness probes.
//
// /healthz answers 200 for as long as the process can serve HTTP. /readyz
// answers 200 only when the server is accepting new sessions: it is not
// draining and every registered [Checker] passes. Both return a JSON
// [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Probe statuses reported in [Report.Status].
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is a named readiness check. Check returns nil when the dependency
// can serve new sessions.
type Checker struct {
	// Name keys the check in [Report.Checks], e.g. "usage_store".
	Name string

	// Check must return promptly once ctx is done.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	now      func() time.Time
}

// New returns a Handler that runs checkers concurrently on every /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
}

// SetDraining flips readiness off (or back on). /healthz is unaffected, so
// the orchestrator stops routing new sessions without restarting the process
// while existing connections wind down.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Draining reports whether [Handler.SetDraining] turned readiness off.
func (h *Handler) Draining() bool { return h.draining.Load() }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Draining() {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Check runs every checker concurrently, each under its own [checkTimeout],
// and aggregates the results.
func (h *Handler) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		if res.Status != StatusOK {
			rep.Status = StatusFail
		}
	}
	return rep
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
