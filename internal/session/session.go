// Package session owns the echo cancellation engine handle and exposes the
// per-frame operations the duplex loop calls.
//
// A [Session] holds exactly one engine handle at a time. Configuration is
// accumulated in the session and pushed to the engine as a whole on every
// [Session.Prepare]; re-preparation swaps the handle under the session mutex
// so a concurrent frame call never observes a half-released handle.
//
// A [Processor] wraps a session and validates frames before they reach the
// engine. Its errors are the sentinels [ErrNotPrepared], [ErrInvalidArgument]
// and [ErrEngineFailure].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shannonbay/android-webrtc-aecm/internal/observe"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

var (
	// ErrNotPrepared is returned by frame operations on a session that was
	// never prepared, failed to prepare, or has been closed.
	ErrNotPrepared = errors.New("session: not prepared")

	// ErrInvalidArgument is returned when a frame length is not an accepted
	// block size or does not match the supplied buffer.
	ErrInvalidArgument = errors.New("session: invalid argument")

	// ErrEngineFailure wraps an error reported by the engine.
	ErrEngineFailure = errors.New("session: engine failure")
)

// Settings is the configuration a session pushes to the engine on prepare.
type Settings struct {
	// Frequency is the engine sampling frequency. Zero or unsupported values
	// fall back to [aecm.DefaultSamplingFrequency].
	Frequency aecm.SamplingFrequency

	// Mode is the suppression aggressiveness. Zero or unknown values fall
	// back to [aecm.DefaultAggressiveMode].
	Mode aecm.AggressiveMode
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSettings sets the initial configuration without preparing.
func WithSettings(st Settings) Option {
	return func(s *Session) { s.Configure(st) }
}

// SetOption modifies a single setter call.
type SetOption func(*setOptions)

type setOptions struct {
	deferred bool
}

// Deferred suppresses the automatic [Session.Prepare] a setter would
// otherwise run, so several changes can be batched before one prepare.
func Deferred() SetOption {
	return func(o *setOptions) { o.deferred = true }
}

// Session is the single owner of one engine handle.
type Session struct {
	engine  aecm.Engine
	metrics *observe.Metrics

	mu          sync.Mutex
	handle      aecm.Handle
	freq        aecm.SamplingFrequency
	cfg         aecm.Config
	initialized bool
}

// New creates a session and allocates its first handle. An allocation
// failure is logged and leaves the session without a handle; the next
// [Session.Prepare] retries it.
func New(engine aecm.Engine, opts ...Option) *Session {
	s := &Session{
		engine: engine,
		handle: aecm.InvalidHandle,
		freq:   aecm.DefaultSamplingFrequency,
		cfg:    aecm.DefaultConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.mu.Lock()
	s.allocateLocked()
	s.mu.Unlock()
	return s
}

// SetSamplingFrequency stores freq and re-prepares unless [Deferred] is
// passed. It reports whether freq was absent or unsupported and the default
// was used instead.
func (s *Session) SetSamplingFrequency(freq aecm.SamplingFrequency, opts ...SetOption) (usedDefault bool) {
	freq, usedDefault = coerceFrequency(freq)
	s.mu.Lock()
	s.freq = freq
	s.mu.Unlock()
	s.maybePrepare(opts)
	return usedDefault
}

// SetAggressiveness stores mode and re-prepares unless [Deferred] is passed.
// It reports whether mode was absent or unknown and the default was used.
func (s *Session) SetAggressiveness(mode aecm.AggressiveMode, opts ...SetOption) (usedDefault bool) {
	mode, usedDefault = coerceMode(mode)
	s.mu.Lock()
	s.cfg.Mode = mode
	s.mu.Unlock()
	s.maybePrepare(opts)
	return usedDefault
}

// Configure stores both settings without touching the engine. Call
// [Session.Prepare] to apply them.
func (s *Session) Configure(st Settings) (freqDefaulted, modeDefaulted bool) {
	freq, freqDefaulted := coerceFrequency(st.Frequency)
	mode, modeDefaulted := coerceMode(st.Mode)
	s.mu.Lock()
	s.freq = freq
	s.cfg.Mode = mode
	s.mu.Unlock()
	return freqDefaulted, modeDefaulted
}

func (s *Session) maybePrepare(opts []SetOption) {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	if !o.deferred {
		s.Prepare()
	}
}

// Prepare pushes the stored configuration to a fresh engine instance. When
// already initialized the current handle is released and a new one
// allocated first. Engine failures are logged and leave the session not
// initialized; check [Session.Ready].
func (s *Session) Prepare() *Session {
	ctx, span := observe.StartSpan(context.Background(), "session.prepare")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	span.SetAttributes(
		observe.AttrSampleRate.Int(s.freq.Hz()),
		observe.AttrMode.String(s.cfg.Mode.String()),
	)

	if s.initialized {
		s.releaseLocked()
		s.initialized = false
	}
	if s.handle == aecm.InvalidHandle && !s.allocateLocked() {
		observe.FailSpan(span, fmt.Errorf("%w: allocate failed", ErrEngineFailure))
		s.metrics.RecordPrepare(ctx, "error")
		return s
	}
	span.SetAttributes(observe.AttrHandle.Int64(int64(s.handle)))

	log := observe.Logger(ctx).With("handle", int64(s.handle), "freq", s.freq.Hz(), "mode", s.cfg.Mode.String())
	if err := s.engine.Initialize(s.handle, s.freq); err != nil {
		log.Error("session: engine initialize failed", "err", err)
		observe.FailSpan(span, err)
		s.releaseLocked()
		s.metrics.RecordPrepare(ctx, "error")
		return s
	}
	if err := s.engine.SetConfig(s.handle, s.cfg); err != nil {
		log.Error("session: engine set config failed", "err", err)
		observe.FailSpan(span, err)
		s.releaseLocked()
		s.metrics.RecordPrepare(ctx, "error")
		return s
	}

	s.initialized = true
	s.metrics.RecordPrepare(ctx, "ok")
	log.Debug("session: prepared")
	return s
}

// Close releases the handle. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.releaseLocked()
}

// Ready reports whether the session is initialized and frame calls may
// reach the engine.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// SamplingFrequency returns the stored sampling frequency.
func (s *Session) SamplingFrequency() aecm.SamplingFrequency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq
}

// Config returns the stored engine configuration.
func (s *Session) Config() aecm.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handle returns the current handle, or [aecm.InvalidHandle].
func (s *Session) Handle() aecm.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// withEngine runs fn with the live handle while holding the session mutex.
func (s *Session) withEngine(fn func(aecm.Engine, aecm.Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotPrepared
	}
	return fn(s.engine, s.handle)
}

func (s *Session) allocateLocked() bool {
	h, err := s.engine.Allocate()
	if err != nil {
		slog.Error("session: engine allocate failed", "err", err)
		s.handle = aecm.InvalidHandle
		return false
	}
	s.handle = h
	s.metrics.EngineHandles.Add(context.Background(), 1)
	return true
}

func (s *Session) releaseLocked() {
	if s.handle == aecm.InvalidHandle {
		return
	}
	if err := s.engine.Release(s.handle); err != nil {
		slog.Warn("session: engine release failed", "handle", int64(s.handle), "err", err)
	}
	s.handle = aecm.InvalidHandle
	s.metrics.EngineHandles.Add(context.Background(), -1)
}

func coerceFrequency(f aecm.SamplingFrequency) (aecm.SamplingFrequency, bool) {
	if f.Valid() {
		return f, false
	}
	slog.Warn("session: unsupported sampling frequency, using default",
		"requested", int(f), "default", aecm.DefaultSamplingFrequency.Hz())
	return aecm.DefaultSamplingFrequency, true
}

func coerceMode(m aecm.AggressiveMode) (aecm.AggressiveMode, bool) {
	if m.Valid() {
		return m, false
	}
	slog.Warn("session: unknown aggressiveness, using default",
		"requested", int(m), "default", aecm.DefaultAggressiveMode.String())
	return aecm.DefaultAggressiveMode, true
}
