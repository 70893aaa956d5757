package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/internal/app"
	"github.com/shannonbay/android-webrtc-aecm/internal/config"
	"github.com/shannonbay/android-webrtc-aecm/internal/control"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	aecmmock "github.com/shannonbay/android-webrtc-aecm/pkg/aecm/mock"
	audiomock "github.com/shannonbay/android-webrtc-aecm/pkg/audio/mock"
)

const waitTimeout = 2 * time.Second

// testConfig returns a defaulted config without an HTTP listener.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.ListenAddr = ""
	return cfg
}

func frameOf(v int16, n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = v
	}
	return f
}

type harness struct {
	app     *app.App
	engine  *aecmmock.Engine
	capture *audiomock.Capture
	sink    *audiomock.Sink
}

func newHarness(t *testing.T, cfg *config.Config, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		engine:  &aecmmock.Engine{},
		capture: &audiomock.Capture{Frames: [][]int16{frameOf(100, 160)}, Repeat: true},
		sink:    &audiomock.Sink{},
	}
	opts = append([]app.Option{
		app.WithEngine(h.engine),
		app.WithAudio(config.AudioPorts{Capture: h.capture, Sink: h.sink}),
	}, opts...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return h
}

// run starts Run in the background and returns a stop function that cancels
// it and returns its result.
func (h *harness) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.app.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-errc:
			case <-time.After(waitTimeout):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func ptr[T any](v T) *T { return &v }

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig()); err == nil {
		t.Fatal("New without registry or injected backends succeeded")
	}
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()
	eng := &aecmmock.Engine{}
	reg := config.NewRegistry()
	reg.RegisterEngine("nlms", func(config.AECMConfig) (aecm.Engine, error) { return eng, nil })
	reg.RegisterAudio("portaudio", func(config.AudioConfig) (config.AudioPorts, error) {
		return config.AudioPorts{Capture: &audiomock.Capture{}, Sink: &audiomock.Sink{}}, nil
	})

	cfg := testConfig()
	cfg.AECM.Aggressiveness = ptr(1)
	a, err := app.New(cfg, app.WithRegistry(reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	p := a.Params()
	want := control.Params{
		SampleRate: 16000, FrameSize: 160, Aggressiveness: 1, EchoDelayMs: 20,
		Enabled: true, Ready: true, Running: false, Breaker: "closed",
	}
	if p != want {
		t.Errorf("Params() = %+v, want %+v", p, want)
	}
	if eng.LiveHandles() != 1 {
		t.Errorf("LiveHandles() = %d, want 1", eng.LiveHandles())
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), app.WithRegistry(config.NewRegistry()))
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRun_CancelsAndShutsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	stop := h.run(t)

	if !h.sink.WaitForWrites(3, waitTimeout) {
		t.Fatal("no frames reached the sink")
	}
	if got := h.sink.Written()[0][0]; got != 50 {
		t.Errorf("first output sample = %d, want 50 (cancelled)", got)
	}
	if rec := get(t, h.app.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, body %s", rec.Code, rec.Body)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := h.engine.LiveHandles(); n != 0 {
		t.Errorf("LiveHandles() after shutdown = %d, want 0", n)
	}
	if _, _, release := h.capture.Calls(); release != 1 {
		t.Errorf("capture released %d times, want 1", release)
	}
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestRun_InputExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.capture.Repeat = false
	h.capture.Frames = [][]int16{frameOf(10, 160), frameOf(20, 160)}
	h.capture.EndError = io.EOF

	errc := make(chan error, 1)
	go func() { errc <- h.app.Run(context.Background()) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() = %v, want nil at end of input", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not end after the input ran out")
	}
	if n := len(h.sink.Written()); n != 2 {
		t.Errorf("wrote %d frames, want 2", n)
	}
}

func TestRun_CaptureFailureGivesUp(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Resilience.MaxRestarts = 2
	cfg.Resilience.RestartBackoff = time.Millisecond
	cfg.Resilience.MaxRestartBackoff = time.Minute
	h := newHarness(t, cfg)
	lost := errors.New("device lost")
	h.capture.Repeat = false
	h.capture.EndError = lost

	errc := make(chan error, 1)
	go func() { errc <- h.app.Run(context.Background()) }()
	select {
	case err := <-errc:
		if !errors.Is(err, lost) {
			t.Fatalf("Run() = %v, want device lost", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not end after repeated capture failures")
	}
	if start, _, _ := h.capture.Calls(); start != 3 {
		t.Errorf("capture started %d times, want 3 (initial + 2 restarts)", start)
	}
}

// flakyCapture fails the first few reads, then behaves like the mock.
type flakyCapture struct {
	audiomock.Capture
	mu       sync.Mutex
	failures int
}

func (c *flakyCapture) NextFrame() ([]int16, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return nil, errors.New("overrun")
	}
	c.mu.Unlock()
	return c.Capture.NextFrame()
}

func TestRun_RecoversFromCaptureFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Resilience.MaxRestarts = 3
	cfg.Resilience.RestartBackoff = time.Millisecond

	capture := &flakyCapture{failures: 2}
	capture.Frames = [][]int16{frameOf(100, 160)}
	capture.Repeat = true
	sink := &audiomock.Sink{}
	a, err := app.New(cfg,
		app.WithEngine(&aecmmock.Engine{}),
		app.WithAudio(config.AudioPorts{Capture: capture, Sink: sink}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	h := &harness{app: a}
	stop := h.run(t)
	if !sink.WaitForWrites(3, waitTimeout) {
		t.Fatal("loop did not recover")
	}
	if start, _, _ := capture.Calls(); start != 3 {
		t.Errorf("capture started %d times, want 3", start)
	}
	if !a.Params().Running {
		t.Error("loop not running after recovery")
	}
	if err := stop(); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestApply_LiveParameters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}
	inits := h.engine.CallCount("Initialize")

	p, err := h.app.Apply(context.Background(), control.Update{EchoDelayMs: ptr(42), Enabled: ptr(false)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.EchoDelayMs != 42 || p.Enabled {
		t.Errorf("Params = %+v", p)
	}
	if start, _, _ := h.capture.Calls(); start != 1 {
		t.Errorf("capture started %d times, want 1 (no restart)", start)
	}
	if got := h.engine.CallCount("Initialize"); got != inits {
		t.Errorf("Initialize calls = %d, want %d (no re-prepare)", got, inits)
	}
}

func TestApply_AggressivenessReprepares(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}
	inits := h.engine.CallCount("Initialize")

	p, err := h.app.Apply(context.Background(), control.Update{Aggressiveness: ptr(0)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Aggressiveness != 0 || !p.Ready || !p.Running {
		t.Errorf("Params = %+v", p)
	}
	if got := h.engine.CallCount("Initialize"); got != inits+1 {
		t.Errorf("Initialize calls = %d, want %d", got, inits+1)
	}
	if start, _, _ := h.capture.Calls(); start != 1 {
		t.Errorf("capture started %d times, want 1 (no restart)", start)
	}
}

func TestApply_SampleRateRestartsLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	stop := h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}

	p, err := h.app.Apply(context.Background(), control.Update{SampleRate: ptr(8000), FrameSize: ptr(80)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.SampleRate != 8000 || p.FrameSize != 80 || !p.Running {
		t.Errorf("Params = %+v", p)
	}
	if start, _, _ := h.capture.Calls(); start != 2 {
		t.Errorf("capture started %d times, want 2", start)
	}
	if h.capture.StartRate != 8000 || h.capture.StartFrameSize != 80 {
		t.Errorf("capture restarted at %d/%d", h.capture.StartRate, h.capture.StartFrameSize)
	}

	var lastFreq aecm.SamplingFrequency
	for _, c := range h.engine.Calls() {
		if c.Method == "Initialize" {
			lastFreq = c.Freq
		}
	}
	if lastFreq != aecm.FS8000 {
		t.Errorf("last Initialize frequency = %v, want 8 kHz", lastFreq)
	}

	// The restart must not be mistaken for the worker ending.
	n := len(h.sink.Written())
	if !h.sink.WaitForWrites(n+3, waitTimeout) {
		t.Fatal("loop did not keep running after restart")
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestApply_FailedRestartRecovers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Resilience.MaxRestarts = 5
	cfg.Resilience.RestartBackoff = 10 * time.Millisecond
	cfg.Resilience.MaxRestartBackoff = 20 * time.Millisecond
	h := newHarness(t, cfg)
	stop := h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}

	busy := errors.New("device busy")
	h.capture.SetStartError(busy)
	_, err := h.app.Apply(context.Background(), control.Update{SampleRate: ptr(8000), FrameSize: ptr(80)})
	if !errors.Is(err, busy) {
		t.Fatalf("Apply() = %v, want device busy", err)
	}
	h.capture.SetStartError(nil)

	deadline := time.Now().Add(waitTimeout)
	for !h.app.Params().Running {
		if time.Now().After(deadline) {
			t.Fatal("loop was not restarted after the device came back")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p := h.app.Params()
	if p.SampleRate != 8000 || p.FrameSize != 80 {
		t.Errorf("Params = %+v, want 8000/80", p)
	}
	if start, _, _ := h.capture.Calls(); start < 3 {
		t.Errorf("capture started %d times, want at least 3", start)
	}
	n := len(h.sink.Written())
	if !h.sink.WaitForWrites(n+3, waitTimeout) {
		t.Fatal("loop did not keep running after recovery")
	}
	if err := stop(); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestApply_PrepareFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}

	h.engine.InitializeError = errors.New("engine refused")
	_, err := h.app.Apply(context.Background(), control.Update{Aggressiveness: ptr(4)})
	if !errors.Is(err, app.ErrPrepareFailed) {
		t.Fatalf("Apply() = %v, want ErrPrepareFailed", err)
	}
	p := h.app.Params()
	if p.Ready || p.Enabled {
		t.Errorf("Params = %+v, want not ready and cancellation off", p)
	}
	if !p.Running {
		t.Error("loop stopped after a failed prepare; it should keep passing audio through")
	}
}

func TestControlAPI(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}

	req := httptest.NewRequest(http.MethodPut, "/api/params", strings.NewReader(`{"echo_delay_ms": 33}`))
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"echo_delay_ms":33`) {
		t.Errorf("PUT body = %s", rec.Body)
	}

	rec = get(t, h.app.Handler(), "/api/params")
	if !strings.Contains(rec.Body.String(), `"running":true`) {
		t.Errorf("GET body = %s", rec.Body)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	if rec := get(t, h.app.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := get(t, h.app.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before Run = %d, want 503", rec.Code)
	}
	if rec := get(t, h.app.Handler(), "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
	if rec := get(t, h.app.Handler(), "/monitor"); rec.Code != http.StatusNotFound {
		t.Errorf("/monitor while disabled = %d, want 404", rec.Code)
	}
}

func TestOnConfigChange(t *testing.T) {
	t.Parallel()

	second := &audiomock.Sink{}
	var calls int
	var mu sync.Mutex
	reg := config.NewRegistry()
	reg.RegisterAudio("file", func(config.AudioConfig) (config.AudioPorts, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return config.AudioPorts{
			Capture: &audiomock.Capture{Frames: [][]int16{frameOf(7, 160)}, Repeat: true},
			Sink:    second,
		}, nil
	})

	lv := new(slog.LevelVar)
	old := testConfig()
	h := newHarness(t, old, app.WithRegistry(reg), app.WithLogLevel(lv))
	h.run(t)
	if !h.sink.WaitForWrites(1, waitTimeout) {
		t.Fatal("loop did not start")
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Monitor.Enabled = true
	updated.AECM.EchoDelayMs = 55
	updated.Audio.Backend = "file"
	updated.Audio.InputFile = "in.pcm"
	updated.Audio.OutputFile = "out.pcm"
	h.app.OnConfigChange(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if p := h.app.Params(); p.EchoDelayMs != 55 || !p.Running {
		t.Errorf("Params = %+v", p)
	}
	if rec := get(t, h.app.Handler(), "/monitor"); rec.Code == http.StatusNotFound {
		t.Error("/monitor still disabled after reload")
	}
	if !second.WaitForWrites(2, waitTimeout) {
		t.Fatal("new audio backend received no frames")
	}
	if got := second.Written()[0][0]; got != 3 {
		t.Errorf("first sample on new backend = %d, want 3 (7 halved)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("audio factory called %d times, want 1", calls)
	}
}
