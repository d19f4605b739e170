// Package health serves the liveness and readiness probes of
// `talescribe serve`.
//
// /healthz answers 200 while the process serves HTTP. /readyz runs every
// [Checker] concurrently. A check may fail, which makes the server not
// ready (503), or report [ErrDegraded], which keeps it ready (200) but is
// surfaced in the body, for example while a text fallback stands in for a
// tripped primary.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDegraded marks a check result that should not take the server out of
// rotation. Wrap it with fmt.Errorf("%w: ...", ErrDegraded).
var ErrDegraded = errors.New("degraded")

// Overall and per-check states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is one entry of a [Report].
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the report allows serving traffic.
func (r Report) Ready() bool { return r.Status != StatusFail }

// Handler serves /healthz and /readyz for a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Run evaluates every checker concurrently. A failing checker does not
// cancel the others. The overall status is the worst individual status.
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if rank(res.Status) > rank(rep.Status) {
				rep.Status = res.Status
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, DurationMS: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		res.Status, res.Error = StatusDegraded, err.Error()
	default:
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

func rank(status string) int {
	switch status {
	case StatusFail:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
