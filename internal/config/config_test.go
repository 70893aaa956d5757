package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/internal/config"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	aecmmock "github.com/shannonbay/android-webrtc-aecm/pkg/aecm/mock"
	audiomock "github.com/shannonbay/android-webrtc-aecm/pkg/audio/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

aecm:
  engine: nlms
  sample_rate: 8000
  frame_size: 80
  aggressiveness: 4
  echo_delay_ms: 40
  enabled: false

audio:
  backend: portaudio
  input_device: 2
  latency: high

monitor:
  enabled: true
  bitrate: 24000

resilience:
  max_failures: 10
  reset_timeout: 750ms
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.AECM.SampleRate != 8000 || cfg.AECM.FrameSize != 80 {
		t.Errorf("aecm rate/frame: got %d/%d, want 8000/80", cfg.AECM.SampleRate, cfg.AECM.FrameSize)
	}
	if cfg.AECM.Mode() != aecm.MostAggressive {
		t.Errorf("aecm.aggressiveness: got %v, want MOST_AGGRESSIVE", cfg.AECM.Mode())
	}
	if cfg.AECM.IsEnabled() {
		t.Error("aecm.enabled: got true, want false")
	}
	if cfg.AECM.EchoDelayMs != 40 {
		t.Errorf("aecm.echo_delay_ms: got %d, want 40", cfg.AECM.EchoDelayMs)
	}
	if config.Device(cfg.Audio.InputDevice) != 2 || config.Device(cfg.Audio.OutputDevice) != -1 {
		t.Errorf("audio devices: got %d/%d, want 2/-1",
			config.Device(cfg.Audio.InputDevice), config.Device(cfg.Audio.OutputDevice))
	}
	if cfg.Audio.Latency != config.LatencyHigh {
		t.Errorf("audio.latency: got %q, want high", cfg.Audio.Latency)
	}
	if cfg.Monitor.Bitrate != 24000 {
		t.Errorf("monitor.bitrate: got %d, want 24000", cfg.Monitor.Bitrate)
	}
	if cfg.Resilience.MaxFailures != 10 || cfg.Resilience.ResetTimeout != 750*time.Millisecond {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
		}
		if cfg.AECM.Engine != "nlms" {
			t.Errorf("engine: got %q, want nlms", cfg.AECM.Engine)
		}
		if cfg.AECM.SampleRate != 16000 {
			t.Errorf("sample_rate: got %d, want 16000", cfg.AECM.SampleRate)
		}
		if cfg.AECM.FrameSize != 160 {
			t.Errorf("frame_size: got %d, want 160", cfg.AECM.FrameSize)
		}
		if cfg.AECM.Mode() != aecm.Aggressive {
			t.Errorf("mode: got %v, want AGGRESSIVE", cfg.AECM.Mode())
		}
		if !cfg.AECM.IsEnabled() {
			t.Error("enabled: got false, want true")
		}
		if cfg.Resilience.MaxFailures != 50 || cfg.Resilience.ResetTimeout != 5*time.Second {
			t.Errorf("resilience defaults: got %+v", cfg.Resilience)
		}
		if cfg.Resilience.MaxRestarts != 5 || cfg.Resilience.RestartBackoff != time.Second ||
			cfg.Resilience.MaxRestartBackoff != 30*time.Second {
			t.Errorf("restart defaults: got %+v", cfg.Resilience)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("aecm:\n  agressiveness: 2\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateEngine(config.AECMConfig{Engine: "webrtc"})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateAudio(config.AudioConfig{Backend: "alsa"})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &aecmmock.Engine{}
	var got config.AECMConfig
	reg.RegisterEngine("mock", func(c config.AECMConfig) (aecm.Engine, error) {
		got = c
		return want, nil
	})

	eng, err := reg.CreateEngine(config.AECMConfig{Engine: "mock", SampleRate: 8000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng != want {
		t.Error("factory result not returned")
	}
	if got.SampleRate != 8000 {
		t.Errorf("factory received %+v", got)
	}
	if names := reg.Engines(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Engines() = %v", names)
	}
}

func TestRegistry_RegisteredAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterAudio("mock", func(config.AudioConfig) (config.AudioPorts, error) {
		return config.AudioPorts{Capture: &audiomock.Capture{}, Sink: &audiomock.Sink{}}, nil
	})
	ports, err := reg.CreateAudio(config.AudioConfig{Backend: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ports.Capture == nil || ports.Sink == nil {
		t.Error("ports not populated")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	errBoom := errors.New("no device")
	reg.RegisterAudio("broken", func(config.AudioConfig) (config.AudioPorts, error) {
		return config.AudioPorts{}, errBoom
	})
	if _, err := reg.CreateAudio(config.AudioConfig{Backend: "broken"}); !errors.Is(err, errBoom) {
		t.Errorf("expected factory error, got: %v", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
