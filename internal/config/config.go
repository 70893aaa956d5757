// Package config provides the configuration schema, loader, hot-reload
// watcher and backend registry for the aecm duplex harness.
package config

import (
	"log/slog"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Latency selects the suggested device latency of the audio backend.
type Latency string

const (
	LatencyLow  Latency = "low"
	LatencyHigh Latency = "high"
)

// IsValid reports whether l is a recognised latency class.
func (l Latency) IsValid() bool {
	return l == LatencyLow || l == LatencyHigh
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultEngine       = "nlms"
	DefaultFrameSize    = 160
	DefaultEchoDelayMs  = 20
	DefaultBackend      = "portaudio"
	DefaultBitrate      = 16000
	DefaultMaxFailures  = 50
	DefaultResetTimeout = 5 * time.Second

	DefaultMaxRestarts       = 5
	DefaultRestartBackoff    = time.Second
	DefaultMaxRestartBackoff = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	AECM       AECMConfig       `yaml:"aecm"`
	Audio      AudioConfig      `yaml:"audio"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving the control API, health probes,
	// metrics and the monitor stream (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AECMConfig selects the engine and its processing parameters.
type AECMConfig struct {
	// Engine selects the registered engine implementation.
	Engine string `yaml:"engine"`

	// SampleRate is 8000 or 16000. Zero means the engine default of 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the samples per cycle, 80 or 160.
	FrameSize int `yaml:"frame_size"`

	// Aggressiveness is the suppression level 0..4. Nil means AGGRESSIVE.
	Aggressiveness *int `yaml:"aggressiveness"`

	// EchoDelayMs is the echo path delay estimate in milliseconds.
	EchoDelayMs int `yaml:"echo_delay_ms"`

	// Enabled toggles echo cancellation. Nil means enabled.
	Enabled *bool `yaml:"enabled"`

	// NLMS tunes the built-in nlms engine. Zero values keep its defaults.
	NLMS NLMSConfig `yaml:"nlms"`
}

// NLMSConfig holds the nlms engine tuning. Changes need a process restart.
type NLMSConfig struct {
	// Taps is the adaptive filter length in samples.
	Taps int `yaml:"taps"`

	// Step is the NLMS step size, in (0, 2).
	Step float64 `yaml:"step"`

	// MaxDelayMs bounds the echo delay the engine honours.
	MaxDelayMs int `yaml:"max_delay_ms"`

	// Seed seeds the comfort noise generators for reproducible output.
	Seed uint64 `yaml:"seed"`
}

// Mode returns the configured aggressiveness as an [aecm.AggressiveMode],
// falling back to [aecm.DefaultAggressiveMode] when unset.
func (c AECMConfig) Mode() aecm.AggressiveMode {
	if c.Aggressiveness == nil {
		return aecm.DefaultAggressiveMode
	}
	m, ok := aecm.ModeFromLevel(*c.Aggressiveness)
	if !ok {
		return aecm.DefaultAggressiveMode
	}
	return m
}

// IsEnabled reports whether cancellation is on.
func (c AECMConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// AudioConfig selects the capture and playback backend.
type AudioConfig struct {
	// Backend selects the registered backend ("portaudio" or "file").
	Backend string `yaml:"backend"`

	// InputDevice and OutputDevice are PortAudio device indexes. -1 selects
	// the host default. Nil means default.
	InputDevice  *int `yaml:"input_device"`
	OutputDevice *int `yaml:"output_device"`

	// Latency is the suggested PortAudio latency class.
	Latency Latency `yaml:"latency"`

	// InputFile and OutputFile are raw 16-bit little-endian mono PCM paths
	// used by the file backend.
	InputFile  string `yaml:"input_file"`
	OutputFile string `yaml:"output_file"`

	// Realtime paces file capture at the frame rate.
	Realtime bool `yaml:"realtime"`

	// Loop rewinds the input file at EOF.
	Loop bool `yaml:"loop"`
}

// Device returns the device index p points to, or -1 when unset.
func Device(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// MonitorConfig controls the Opus monitor stream.
type MonitorConfig struct {
	// Enabled serves the /monitor WebSocket.
	Enabled bool `yaml:"enabled"`

	// Bitrate is the Opus target bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// OriginPatterns lists the hosts, in path.Match syntax, allowed to open
	// the monitor from a cross-origin page. Empty allows same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// ResilienceConfig tunes the engine circuit breaker and the automatic
// restart of a failed duplex loop.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive engine failures that open the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MaxRestarts is the number of consecutive loop restarts attempted after
	// a device failure before the process exits.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartBackoff is the wait before the first restart; it doubles up to
	// MaxRestartBackoff.
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.AECM.Engine == "" {
		c.AECM.Engine = DefaultEngine
	}
	if c.AECM.SampleRate == 0 {
		c.AECM.SampleRate = aecm.DefaultSamplingFrequency.Hz()
	}
	if c.AECM.FrameSize == 0 {
		c.AECM.FrameSize = DefaultFrameSize
	}
	if c.AECM.EchoDelayMs == 0 {
		c.AECM.EchoDelayMs = DefaultEchoDelayMs
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = DefaultBackend
	}
	if c.Audio.Latency == "" {
		c.Audio.Latency = LatencyLow
	}
	if c.Monitor.Bitrate == 0 {
		c.Monitor.Bitrate = DefaultBitrate
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = DefaultMaxFailures
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = DefaultResetTimeout
	}
	if c.Resilience.MaxRestarts == 0 {
		c.Resilience.MaxRestarts = DefaultMaxRestarts
	}
	if c.Resilience.RestartBackoff == 0 {
		c.Resilience.RestartBackoff = DefaultRestartBackoff
	}
	if c.Resilience.MaxRestartBackoff == 0 {
		c.Resilience.MaxRestartBackoff = DefaultMaxRestartBackoff
	}
}
