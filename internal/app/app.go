// Package app wires the echo cancellation session, the duplex loop and the
// HTTP surfaces into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the loop and the HTTP server until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithEngine, WithAudio, etc.). When an option is not provided, New creates
// real implementations through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shannonbay/android-webrtc-aecm/internal/config"
	"github.com/shannonbay/android-webrtc-aecm/internal/control"
	"github.com/shannonbay/android-webrtc-aecm/internal/duplex"
	"github.com/shannonbay/android-webrtc-aecm/internal/health"
	"github.com/shannonbay/android-webrtc-aecm/internal/monitor"
	"github.com/shannonbay/android-webrtc-aecm/internal/observe"
	"github.com/shannonbay/android-webrtc-aecm/internal/resilience"
	"github.com/shannonbay/android-webrtc-aecm/internal/session"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

const (
	readHeaderTimeout = 5 * time.Second
	serverStopTimeout = 5 * time.Second
)

// ErrPrepareFailed is returned by [App.Apply] when the session could not be
// re-prepared with the new settings.
var ErrPrepareFailed = errors.New("app: session prepare failed")

// errInputExhausted ends Run cleanly when a finite capture source runs dry.
var errInputExhausted = errors.New("app: input exhausted")

// App owns all subsystem lifetimes.
type App struct {
	registry *config.Registry
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	engine   aecm.Engine
	ports    config.AudioPorts
	session  *session.Session
	breaker  *resilience.CircuitBreaker
	restarts *duplex.Restarter
	loop     *duplex.Loop
	hub      *monitor.Hub
	handler  http.Handler
	server   *http.Server

	// mu serializes reconfiguration, loop restarts and the run context.
	mu     sync.Mutex
	cfg    config.Config
	runCtx context.Context

	// restarted wakes the loop supervisor after a restart.
	restarted chan struct{}

	// restartFailed hands a failed reconfiguration restart to the supervisor.
	restartFailed chan error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the registry used to build the engine and audio ports.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithEngine injects an engine instead of creating one from config.
func WithEngine(e aecm.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithAudio injects the capture source and sink instead of creating them
// from config.
func WithAudio(p config.AudioPorts) Option {
	return func(a *App) { a.ports = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates a new App by wiring all subsystems together.
//
// The session is prepared immediately so that /readyz reflects the engine
// state before the loop starts.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:           *cfg,
		restarted:     make(chan struct{}, 1),
		restartFailed: make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initBackends(); err != nil {
		return nil, err
	}

	a.session = session.New(a.engine,
		session.WithMetrics(a.metrics),
		session.WithSettings(settingsFrom(cfg.AECM)),
	).Prepare()
	if !a.session.Ready() {
		slog.Warn("app: session not ready, frames will pass through until re-prepared")
	}
	a.closers = append(a.closers, func() error {
		a.session.Close()
		return nil
	})

	a.breaker = duplex.NewEngineBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	})

	a.restarts = duplex.NewRestarter(duplex.RestartPolicy{
		MaxRetries: cfg.Resilience.MaxRestarts,
		Backoff:    cfg.Resilience.RestartBackoff,
		MaxBackoff: cfg.Resilience.MaxRestartBackoff,
	})

	a.hub = monitor.New(cfg.Monitor.Bitrate,
		monitor.WithMetrics(a.metrics),
		monitor.WithOriginPatterns(cfg.Monitor.OriginPatterns...),
	)
	a.hub.SetEnabled(cfg.Monitor.Enabled)
	a.hub.SetFormat(cfg.AECM.SampleRate, cfg.AECM.FrameSize)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	a.loop = duplex.New(a.ports.Capture, a.ports.Sink, session.NewProcessor(a.session),
		duplex.WithMetrics(a.metrics),
		duplex.WithBreaker(a.breaker),
		duplex.WithTap(a.hub.Publish),
	)

	a.handler = a.routes()
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	return a, nil
}

func (a *App) initBackends() error {
	if a.engine == nil || a.ports.Capture == nil || a.ports.Sink == nil {
		if a.registry == nil {
			return errors.New("app: no registry and no injected backends")
		}
	}
	if a.engine == nil {
		e, err := a.registry.CreateEngine(a.cfg.AECM)
		if err != nil {
			return fmt.Errorf("app: create engine: %w", err)
		}
		a.engine = e
	}
	if a.ports.Capture == nil || a.ports.Sink == nil {
		p, err := a.registry.CreateAudio(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("app: create audio: %w", err)
		}
		a.ports = p
	}
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.SessionChecker(a.session, func() bool { return a.loop.Params().Enabled }),
		health.LoopChecker(a.loop),
	).Register(mux)
	control.New(a).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /monitor", a.hub)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving the API, probes, metrics and the
// monitor stream.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the loop and serves HTTP until ctx is cancelled, a subsystem
// fails, or a finite capture source runs out. It returns nil on a clean end.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.mu.Lock()
	a.runCtx = gctx
	err := a.loop.Start(gctx, a.loopParams())
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("app: start loop: %w", err)
	}
	a.restarts.Started()

	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.superviseLoop(gctx) })

	if a.server != nil {
		g.Go(func() error {
			slog.Info("app: http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	err = g.Wait()
	if stopErr := a.stopLoop(); stopErr != nil && !errors.Is(stopErr, io.EOF) {
		slog.Warn("app: loop stop", "err", stopErr)
	}
	if errors.Is(err, errInputExhausted) {
		return nil
	}
	return err
}

// superviseLoop returns when the worker ends on its own and cannot be
// restarted. Restarts made by reconfiguration replace the worker and are not
// treated as an exit; a reconfiguration restart that fails to start is
// retried with backoff like a failed worker.
func (a *App) superviseLoop(ctx context.Context) error {
	for {
		// A nil done blocks forever while the loop is idle.
		done := a.loop.Done()
		select {
		case <-ctx.Done():
			return nil
		case <-a.restarted:
			continue
		case cause := <-a.restartFailed:
			if err := a.recoverLoop(ctx, cause); err != nil {
				return err
			}
			continue
		case <-done:
		}

		a.mu.Lock()
		replaced := a.loop.Done() != done
		err := a.loop.Err()
		a.mu.Unlock()
		if replaced || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			slog.Info("app: capture input exhausted")
			return errInputExhausted
		}
		if err == nil {
			return nil
		}
		if err := a.recoverLoop(ctx, err); err != nil {
			return err
		}
	}
}

// recoverLoop restarts a failed worker with backoff until it starts again,
// the retries run out or ctx ends.
func (a *App) recoverLoop(ctx context.Context, cause error) error {
	for {
		wait, attempt, ok := a.restarts.Next()
		if !ok {
			return fmt.Errorf("app: duplex loop failed %d times in a row: %w", attempt-1, cause)
		}
		slog.Warn("app: duplex loop failed, restarting",
			"err", cause,
			"attempt", attempt,
			"max_retries", a.restarts.MaxRetries(),
			"backoff", wait,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		a.mu.Lock()
		var err error
		if a.loop.State() == duplex.StateIdle {
			err = a.loop.Start(a.runCtx, a.loopParams())
		}
		a.mu.Unlock()
		if err == nil {
			a.restarts.Started()
			return nil
		}
		cause = err
	}
}

func (a *App) stopLoop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loop.Stop()
}

// Shutdown stops the loop, the HTTP server and the monitor, then releases
// the engine handle. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.stopLoop(); err != nil {
			errs = append(errs, err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}

// Params implements [control.Tuner].
func (a *App) Params() control.Params {
	p := a.loop.Params()
	if p.SampleRate == 0 {
		a.mu.Lock()
		p = a.loopParams()
		a.mu.Unlock()
	}
	return control.Params{
		SampleRate:     p.SampleRate,
		FrameSize:      p.FrameSize,
		Aggressiveness: a.session.Config().Mode.Level(),
		EchoDelayMs:    p.EchoDelay,
		Enabled:        p.Enabled,
		Ready:          a.session.Ready(),
		Running:        a.loop.State() == duplex.StateRunning,
		Breaker:        a.breaker.State().String(),
	}
}

// Apply implements [control.Tuner]. Delay and the enable switch change
// live; aggressiveness re-prepares the session; sample rate and frame size
// also restart the loop.
func (a *App) Apply(ctx context.Context, u control.Update) (control.Params, error) {
	if err := u.Validate(); err != nil {
		return control.Params{}, err
	}

	a.mu.Lock()
	next := a.cfg.AECM
	if u.SampleRate != nil {
		next.SampleRate = *u.SampleRate
	}
	if u.FrameSize != nil {
		next.FrameSize = *u.FrameSize
	}
	if u.Aggressiveness != nil {
		next.Aggressiveness = u.Aggressiveness
	}
	if u.EchoDelayMs != nil {
		next.EchoDelayMs = *u.EchoDelayMs
	}
	if u.Enabled != nil {
		next.Enabled = u.Enabled
	}
	err := a.reconfigureLocked(ctx, "api", next, false)
	a.mu.Unlock()
	if err != nil {
		return control.Params{}, err
	}
	return a.Params(), nil
}

// OnConfigChange applies a reloaded configuration. It is the callback handed
// to the config watcher.
func (a *App) OnConfigChange(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	ctx := context.Background()

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartProcess) > 0 {
		slog.Warn("app: config changes need a process restart", "fields", d.RestartProcess)
	}
	if d.BreakerChanged {
		slog.Warn("app: resilience changes take effect after a process restart")
	}
	if d.MonitorChanged {
		a.hub.SetEnabled(updated.Monitor.Enabled)
		a.hub.SetBitrate(updated.Monitor.Bitrate)
		a.hub.SetOriginPatterns(updated.Monitor.OriginPatterns)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Server = updated.Server
	a.cfg.Monitor = updated.Monitor
	a.cfg.Resilience = updated.Resilience

	if d.AudioChanged {
		if err := a.swapAudioLocked(updated.Audio); err != nil {
			slog.Error("app: audio backend change failed, keeping current devices", "err", err)
		}
	}
	if err := a.reconfigureLocked(ctx, "file", updated.AECM, d.AudioChanged); err != nil {
		slog.Error("app: config reload failed", "err", err)
	}
}

// swapAudioLocked builds the new ports and installs them on the idle loop.
// The loop is left stopped; the caller restarts it.
func (a *App) swapAudioLocked(cfg config.AudioConfig) error {
	if a.registry == nil {
		return errors.New("no registry to build audio ports")
	}
	ports, err := a.registry.CreateAudio(cfg)
	if err != nil {
		return err
	}
	if err := a.loop.Stop(); err != nil {
		slog.Warn("app: loop stop before audio change", "err", err)
	}
	if err := a.loop.SetPorts(ports.Capture, ports.Sink); err != nil {
		return err
	}
	a.ports = ports
	a.cfg.Audio = cfg
	slog.Info("app: audio backend changed", "backend", cfg.Backend)
	return nil
}

// reconfigureLocked moves the session and loop to next. forceRestart starts
// the loop again even when rate and frame size are unchanged.
func (a *App) reconfigureLocked(ctx context.Context, source string, next config.AECMConfig, forceRestart bool) error {
	ctx, span := observe.StartSpan(ctx, "app.reconfigure", trace.WithAttributes(
		observe.AttrSource.String(source),
		observe.AttrSampleRate.Int(next.SampleRate),
		observe.AttrFrameSize.Int(next.FrameSize),
		observe.AttrMode.String(next.Mode().String()),
	))
	defer span.End()
	log := observe.Logger(ctx)

	cur := a.cfg.AECM
	rateChanged := next.SampleRate != cur.SampleRate
	frameChanged := next.FrameSize != cur.FrameSize
	modeChanged := next.Mode() != cur.Mode()
	restart := rateChanged || frameChanged || forceRestart

	wasRunning := a.loop.State() == duplex.StateRunning
	if restart {
		if err := a.loop.Stop(); err != nil {
			log.Warn("app: loop stop before restart", "err", err)
		}
	}

	var prepErr error
	if rateChanged || modeChanged || (next.IsEnabled() && !a.session.Ready()) {
		a.session.Configure(settingsFrom(next))
		if a.session.Prepare().Ready() {
			a.loop.ResetFaults()
		} else {
			prepErr = ErrPrepareFailed
		}
	}

	a.cfg.AECM = next
	a.loop.SetEchoDelay(next.EchoDelayMs)
	a.loop.SetEnabled(next.IsEnabled() && a.session.Ready())
	a.hub.SetFormat(next.SampleRate, next.FrameSize)

	if restart && (wasRunning || forceRestart) && a.runCtx != nil && a.runCtx.Err() == nil {
		if err := a.loop.Start(a.runCtx, a.loopParams()); err != nil {
			select {
			case a.restartFailed <- err:
			default:
			}
			err = fmt.Errorf("app: restart loop: %w", err)
			observe.FailSpan(span, err)
			return err
		}
		select {
		case a.restarted <- struct{}{}:
		default:
		}
	}

	if prepErr != nil {
		log.Error("app: session prepare failed, cancellation off", "source", source)
		observe.FailSpan(span, prepErr)
		return prepErr
	}
	a.metrics.RecordConfigReload(ctx, source)
	log.Info("app: parameters applied",
		"source", source,
		"rate", next.SampleRate,
		"frame", next.FrameSize,
		"aggressiveness", next.Mode().Level(),
		"delay_ms", next.EchoDelayMs,
		"enabled", next.IsEnabled(),
		"restarted", restart,
	)
	return nil
}

// loopParams derives the loop parameters from the current config. Callers
// hold a.mu.
func (a *App) loopParams() duplex.Params {
	return duplex.Params{
		SampleRate: a.cfg.AECM.SampleRate,
		FrameSize:  a.cfg.AECM.FrameSize,
		EchoDelay:  a.cfg.AECM.EchoDelayMs,
		Enabled:    a.cfg.AECM.IsEnabled() && a.session.Ready(),
	}
}

func settingsFrom(c config.AECMConfig) session.Settings {
	return session.Settings{
		Frequency: aecm.SamplingFrequency(c.SampleRate),
		Mode:      c.Mode(),
	}
}
