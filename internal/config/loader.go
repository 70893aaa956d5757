package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

// ValidNames lists the built-in registry names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"engine": {"nlms"},
	"audio":  {"portaudio", "file"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is [LoadFromReader] over an in-memory document.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// AECM
	validateName("engine", cfg.AECM.Engine)
	if cfg.AECM.SampleRate != 0 && !aecm.SamplingFrequency(cfg.AECM.SampleRate).Valid() {
		errs = append(errs, fmt.Errorf("aecm.sample_rate %d is invalid; valid values: 8000, 16000", cfg.AECM.SampleRate))
	}
	if cfg.AECM.FrameSize != 0 && !aecm.ValidBlockSize(cfg.AECM.FrameSize) {
		errs = append(errs, fmt.Errorf("aecm.frame_size %d is invalid; valid values: %v", cfg.AECM.FrameSize, aecm.BlockSizes))
	}
	if a := cfg.AECM.Aggressiveness; a != nil {
		if _, ok := aecm.ModeFromLevel(*a); !ok {
			errs = append(errs, fmt.Errorf("aecm.aggressiveness %d is out of range [0, 4]", *a))
		}
	}
	if cfg.AECM.EchoDelayMs < 0 {
		errs = append(errs, fmt.Errorf("aecm.echo_delay_ms %d must be positive", cfg.AECM.EchoDelayMs))
	}
	if n := cfg.AECM.NLMS; n.Taps < 0 || n.MaxDelayMs < 0 {
		errs = append(errs, fmt.Errorf("aecm.nlms taps %d and max_delay_ms %d must not be negative", n.Taps, n.MaxDelayMs))
	}
	if mu := cfg.AECM.NLMS.Step; mu < 0 || mu >= 2 {
		errs = append(errs, fmt.Errorf("aecm.nlms.step %g must be within (0, 2)", mu))
	}

	// Audio
	validateName("audio", cfg.Audio.Backend)
	if cfg.Audio.Latency != "" && !cfg.Audio.Latency.IsValid() {
		errs = append(errs, fmt.Errorf("audio.latency %q is invalid; valid values: low, high", cfg.Audio.Latency))
	}
	if cfg.Audio.Backend == "file" && cfg.Audio.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when backend is file"))
	}
	if cfg.Audio.Backend == "file" && cfg.Audio.OutputFile == "" {
		errs = append(errs, errors.New("audio.output_file is required when backend is file"))
	}
	for name, dev := range map[string]*int{"input_device": cfg.Audio.InputDevice, "output_device": cfg.Audio.OutputDevice} {
		if dev != nil && *dev < -1 {
			errs = append(errs, fmt.Errorf("audio.%s %d is invalid; use -1 for the default device", name, *dev))
		}
	}

	// Monitor
	if cfg.Monitor.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("monitor.bitrate %d must not be negative", cfg.Monitor.Bitrate))
	}
	for _, p := range cfg.Monitor.OriginPatterns {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("monitor.origin_patterns %q: %w", p, err))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_restarts %d must not be negative", cfg.Resilience.MaxRestarts))
	}
	if cfg.Resilience.RestartBackoff < 0 || cfg.Resilience.MaxRestartBackoff < 0 {
		errs = append(errs, errors.New("resilience restart backoffs must not be negative"))
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidNames[kind], name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidNames[kind],
	)
}
