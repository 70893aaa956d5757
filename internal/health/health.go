// Package health provides HTTP liveness and readiness handlers for the duplex
// harness.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe, always 200 OK.
//   - /readyz: readiness probe, 200 only when every registered [Checker]
//     passes. The harness registers [SessionChecker] and [LoopChecker].
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/internal/duplex"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = time.Second

var (
	// ErrSessionNotReady is reported while cancellation is enabled but the
	// engine session holds no initialised handle.
	ErrSessionNotReady = errors.New("engine session not prepared")

	// ErrLoopIdle is reported while the duplex loop is not running.
	ErrLoopIdle = errors.New("duplex loop not running")
)

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name appears as a key in the JSON response.
	Name string

	// Check probes the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ReadyReporter is implemented by the engine session.
type ReadyReporter interface {
	Ready() bool
}

// StateReporter is implemented by the duplex loop.
type StateReporter interface {
	State() duplex.State
}

// SessionChecker fails while required reports true and s is not ready. A
// session is only required while cancellation is enabled.
func SessionChecker(s ReadyReporter, required func() bool) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if required != nil && !required() {
				return nil
			}
			if !s.Ready() {
				return ErrSessionNotReady
			}
			return nil
		},
	}
}

// LoopChecker fails while l is idle.
func LoopChecker(l StateReporter) Checker {
	return Checker{
		Name: "loop",
		Check: func(context.Context) error {
			if l.State() != duplex.StateRunning {
				return ErrLoopIdle
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every [Checker] passes. A cancelled request
// context fails every check that has not run yet.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := ctx.Err()
		if err == nil {
			err = c.Check(ctx)
		}
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
