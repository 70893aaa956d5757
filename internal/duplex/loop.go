// Package duplex runs the real-time capture → cancel → playback loop.
//
// A [Loop] owns one worker goroutine. Each cycle it pulls a frame from the
// capture source, and when cancellation is enabled buffers that frame as the
// far-end reference and cancels echo from it, then writes the result to the
// sink. Any frame-level failure passes the untouched capture frame through so
// playback never stalls.
//
// Stop is cooperative: the worker checks for cancellation once per cycle
// boundary and never abandons a frame midway. The capture source is released
// and the sink stopped after the worker has left its cycle.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/internal/observe"
	"github.com/shannonbay/android-webrtc-aecm/internal/resilience"
	"github.com/shannonbay/android-webrtc-aecm/internal/session"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

var (
	// ErrAlreadyRunning is returned by [Loop.Start] while the loop runs.
	ErrAlreadyRunning = errors.New("duplex: loop already running")

	// ErrInvalidParams is returned by [Loop.Start] for unusable parameters.
	ErrInvalidParams = errors.New("duplex: invalid parameters")
)

// defaultStopGrace is how long Stop waits for the worker to reach a cycle
// boundary before releasing the capture source to unblock a pending read.
const defaultStopGrace = 500 * time.Millisecond

// State is the loop lifecycle state.
type State int

const (
	// StateIdle means no worker is running.
	StateIdle State = iota

	// StateRunning means the worker is cycling.
	StateRunning
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Params are the loop parameters.
type Params struct {
	// SampleRate is the device rate in Hz (8000 or 16000).
	SampleRate int

	// FrameSize is the number of samples per cycle (80 or 160).
	FrameSize int

	// EchoDelay is the echo path delay estimate in milliseconds passed to
	// the engine. Applied live.
	EchoDelay int

	// Enabled toggles echo cancellation. Applied live.
	Enabled bool
}

// Validate reports parameter problems.
func (p Params) Validate() error {
	var errs []error
	if !aecm.SamplingFrequency(p.SampleRate).Valid() {
		errs = append(errs, fmt.Errorf("%w: sample rate %d must be 8000 or 16000", ErrInvalidParams, p.SampleRate))
	}
	if !aecm.ValidBlockSize(p.FrameSize) {
		errs = append(errs, fmt.Errorf("%w: frame size %d must be one of %v", ErrInvalidParams, p.FrameSize, aecm.BlockSizes))
	}
	return errors.Join(errs...)
}

// Option configures a [Loop].
type Option func(*Loop)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithBreaker guards the engine calls with cb. By default a breaker with
// [resilience.CircuitBreakerConfig] defaults is used.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(l *Loop) { l.breaker = cb }
}

// WithTap registers fn to receive a copy of every frame written to the sink
// together with the sample rate. fn runs on the worker and must not block.
func WithTap(fn func(frame []int16, sampleRate int)) Option {
	return func(l *Loop) { l.tap = fn }
}

// WithStopGrace overrides how long Stop waits before force-releasing the
// capture source.
func WithStopGrace(d time.Duration) Option {
	return func(l *Loop) { l.stopGrace = d }
}

// Loop is the duplex processing worker.
type Loop struct {
	capture   audio.CaptureSource
	sink      audio.Sink
	proc      *session.Processor
	metrics   *observe.Metrics
	breaker   *resilience.CircuitBreaker
	tap       func([]int16, int)
	stopGrace time.Duration

	enabled atomic.Bool
	delay   atomic.Int64

	mu          sync.Mutex
	state       State
	params      Params
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce *sync.Once
	err         error
}

// New creates an idle loop.
func New(capture audio.CaptureSource, sink audio.Sink, proc *session.Processor, opts ...Option) *Loop {
	l := &Loop{
		capture:   capture,
		sink:      sink,
		proc:      proc,
		stopGrace: defaultStopGrace,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.breaker == nil {
		l.breaker = NewEngineBreaker(resilience.CircuitBreakerConfig{})
	}
	return l
}

// NewEngineBreaker returns a breaker that only counts engine failures, so
// an unprepared session or a malformed frame never trips it.
func NewEngineBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "engine"
	}
	cfg.IsFailure = func(err error) bool { return errors.Is(err, session.ErrEngineFailure) }
	return resilience.NewCircuitBreaker(cfg)
}

// Start opens the sink and the capture source and launches the worker. It
// returns [ErrAlreadyRunning] while running and [session.ErrNotPrepared]
// when cancellation is enabled on a session that is not prepared. The worker
// also stops when ctx is cancelled.
func (l *Loop) Start(ctx context.Context, p Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateRunning {
		return ErrAlreadyRunning
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Enabled && !l.proc.Session().Ready() {
		return fmt.Errorf("duplex: cancellation enabled: %w", session.ErrNotPrepared)
	}

	if err := l.sink.Start(p.SampleRate); err != nil {
		return fmt.Errorf("duplex: start sink: %w", err)
	}
	if err := l.capture.Start(p.SampleRate, p.FrameSize); err != nil {
		if stopErr := l.sink.Stop(); stopErr != nil {
			slog.Warn("duplex: stop sink after failed capture start", "err", stopErr)
		}
		return fmt.Errorf("duplex: start capture: %w", err)
	}

	l.enabled.Store(p.Enabled)
	l.delay.Store(int64(p.EchoDelay))
	l.params = p
	l.err = nil
	l.breaker.Reset()

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	once := &sync.Once{}
	l.cancel = cancel
	l.done = done
	l.releaseOnce = once
	l.state = StateRunning
	l.metrics.LoopsRunning.Add(ctx, 1)

	slog.Info("duplex: loop started",
		"rate", p.SampleRate, "frame", p.FrameSize, "delay_ms", p.EchoDelay, "enabled", p.Enabled)

	go l.run(wctx, p, done, once)
	return nil
}

// Stop signals the worker, waits for it to finish its current cycle, then
// releases the capture source and stops the sink. It returns the error that
// ended the worker, if any. Stop on an idle loop is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done, once := l.cancel, l.done, l.releaseOnce
	l.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-time.After(l.stopGrace):
		slog.Warn("duplex: worker blocked in capture, releasing source", "grace", l.stopGrace)
		l.releaseCapture(once)
		<-done
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == done {
		l.cancel = nil
		l.done = nil
	}
	return l.err
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done returns a channel closed when the current worker exits, or nil when
// the loop was never started.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the error that ended the last worker.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Params returns the parameters of the current or last run with the live
// values applied.
func (l *Loop) Params() Params {
	l.mu.Lock()
	p := l.params
	l.mu.Unlock()
	p.Enabled = l.enabled.Load()
	p.EchoDelay = int(l.delay.Load())
	return p
}

// SetEnabled toggles cancellation from the next cycle on.
func (l *Loop) SetEnabled(on bool) {
	l.enabled.Store(on)
}

// SetEchoDelay changes the delay estimate from the next cycle on.
func (l *Loop) SetEchoDelay(ms int) {
	l.delay.Store(int64(ms))
}

// SetPorts replaces the capture source and sink. It returns
// [ErrAlreadyRunning] unless the loop is idle.
func (l *Loop) SetPorts(capture audio.CaptureSource, sink audio.Sink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		return ErrAlreadyRunning
	}
	l.capture = capture
	l.sink = sink
	return nil
}

// ResetFaults closes the engine breaker, typically after the session was
// re-prepared.
func (l *Loop) ResetFaults() {
	l.breaker.Reset()
}

func (l *Loop) releaseCapture(once *sync.Once) error {
	var err error
	once.Do(func() { err = l.capture.Release() })
	return err
}

func (l *Loop) run(ctx context.Context, p Params, done chan struct{}, once *sync.Once) {
	runErr := l.cycle(ctx, p)

	teardown := errors.Join(
		l.releaseCapture(once),
		l.sink.Stop(),
	)
	if teardown != nil {
		slog.Warn("duplex: teardown failed", "err", teardown)
	}
	if runErr != nil {
		slog.Error("duplex: loop ended", "err", runErr)
	} else {
		slog.Info("duplex: loop stopped")
	}

	l.metrics.LoopsRunning.Add(context.Background(), -1)
	l.mu.Lock()
	l.err = errors.Join(runErr, teardown)
	l.state = StateIdle
	l.mu.Unlock()
	close(done)
}

func (l *Loop) cycle(ctx context.Context, p Params) error {
	var streak int
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := l.capture.NextFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("duplex: capture: %w", err)
		}

		start := time.Now()
		out, path, ferr := l.process(frame)
		if ferr != nil {
			streak++
			l.metrics.RecordFrameError(ctx, ferr.op, errorKind(ferr.err))
			if streak == 1 {
				slog.Warn("duplex: frame processing failed, passing through", "op", ferr.op, "err", ferr.err)
			}
		} else if streak > 0 {
			slog.Info("duplex: frame processing recovered", "failed_frames", streak)
			streak = 0
		}

		if err := l.sink.Write(out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("duplex: playback: %w", err)
		}
		l.metrics.RecordFrame(ctx, path, time.Since(start))

		if l.tap != nil {
			l.tap(out, p.SampleRate)
		}
	}
}

type frameError struct {
	op  string
	err error
}

// process returns the frame to play, the path it took and the failure that
// forced a fallback.
func (l *Loop) process(frame []int16) ([]int16, string, *frameError) {
	if !l.enabled.Load() {
		return frame, observe.PathPassthrough, nil
	}

	var (
		out []int16
		op  string
	)
	start := time.Now()
	err := l.breaker.Execute(func() error {
		op = "buffer_farend"
		if err := l.proc.BufferFarend(frame, len(frame)); err != nil {
			return err
		}
		op = "cancel_echo"
		res, err := l.proc.CancelEcho(frame, nil, len(frame), int(l.delay.Load()))
		if err != nil {
			return err
		}
		out = res[:len(frame)]
		return nil
	})
	l.metrics.EngineDuration.Record(context.Background(), time.Since(start).Seconds())

	if err != nil {
		if op == "" {
			op = "breaker"
		}
		return frame, observe.PathFallback, &frameError{op: op, err: err}
	}
	return out, observe.PathCancelled, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrNotPrepared):
		return "not_prepared"
	case errors.Is(err, session.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, session.ErrEngineFailure):
		return "engine"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "other"
	}
}
