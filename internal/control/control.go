// Package control serves the live tuning API of the duplex harness.
//
// Endpoints:
//
//	GET /api/params   current parameters and status
//	PUT /api/params   partial update; omitted fields keep their value
//
// Updates are validated here with the operator rules (sample rate 8000 or
// 16000, frame size 80 or 160, aggressiveness 0..4, echo delay at least 1)
// and rejected with 400 before anything is applied. A [Tuner] applies the
// accepted update.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

// maxBodyBytes bounds a PUT body.
const maxBodyBytes = 4 << 10

// ErrInvalidUpdate marks an update rejected by validation.
var ErrInvalidUpdate = errors.New("control: invalid update")

// Params is the GET response and the result of an update.
type Params struct {
	SampleRate     int  `json:"sample_rate"`
	FrameSize      int  `json:"frame_size"`
	Aggressiveness int  `json:"aggressiveness"`
	EchoDelayMs    int  `json:"echo_delay_ms"`
	Enabled        bool `json:"enabled"`

	// Status fields, ignored on update.
	Ready   bool   `json:"ready"`
	Running bool   `json:"running"`
	Breaker string `json:"breaker,omitempty"`
}

// Update is a partial parameter change. Nil fields are left unchanged.
type Update struct {
	SampleRate     *int  `json:"sample_rate,omitempty"`
	FrameSize      *int  `json:"frame_size,omitempty"`
	Aggressiveness *int  `json:"aggressiveness,omitempty"`
	EchoDelayMs    *int  `json:"echo_delay_ms,omitempty"`
	Enabled        *bool `json:"enabled,omitempty"`
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool {
	return u.SampleRate == nil && u.FrameSize == nil && u.Aggressiveness == nil &&
		u.EchoDelayMs == nil && u.Enabled == nil
}

// Validate reports every field outside its operator range.
func (u Update) Validate() error {
	var errs []error
	if u.SampleRate != nil && !aecm.SamplingFrequency(*u.SampleRate).Valid() {
		errs = append(errs, fmt.Errorf("%w: sample_rate %d must be 8000 or 16000", ErrInvalidUpdate, *u.SampleRate))
	}
	if u.FrameSize != nil && !aecm.ValidBlockSize(*u.FrameSize) {
		errs = append(errs, fmt.Errorf("%w: frame_size %d must be one of %v", ErrInvalidUpdate, *u.FrameSize, aecm.BlockSizes))
	}
	if u.Aggressiveness != nil {
		if _, ok := aecm.ModeFromLevel(*u.Aggressiveness); !ok {
			errs = append(errs, fmt.Errorf("%w: aggressiveness %d must be within [0, 4]", ErrInvalidUpdate, *u.Aggressiveness))
		}
	}
	if u.EchoDelayMs != nil && *u.EchoDelayMs < 1 {
		errs = append(errs, fmt.Errorf("%w: echo_delay_ms %d must be at least 1", ErrInvalidUpdate, *u.EchoDelayMs))
	}
	return errors.Join(errs...)
}

// Tuner reads and changes the running parameters.
type Tuner interface {
	Params() Params
	Apply(ctx context.Context, u Update) (Params, error)
}

// Server serves the tuning endpoints.
type Server struct {
	tuner Tuner
}

// New creates a server backed by t.
func New(t Tuner) *Server {
	return &Server{tuner: t}
}

// Register adds the routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/params", s.handleGet)
	mux.HandleFunc("PUT /api/params", s.handlePut)
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tuner.Params())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var u Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if u.Empty() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no parameters to update"})
		return
	}
	if err := u.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	p, err := s.tuner.Apply(r.Context(), u)
	switch {
	case errors.Is(err, ErrInvalidUpdate):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
