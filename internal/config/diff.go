package config

import "slices"

// ConfigDiff describes what changed between two configs, grouped by how the
// change can be applied.
type ConfigDiff struct {
	// Live changes are applied without interrupting audio.
	LogLevelChanged       bool
	NewLogLevel           LogLevel
	AggressivenessChanged bool
	EchoDelayChanged      bool
	EnabledChanged        bool
	BreakerChanged        bool

	// RestartLoop changes need the duplex loop restarted.
	SampleRateChanged bool
	FrameSizeChanged  bool
	AudioChanged      bool
	MonitorChanged    bool

	// RestartProcess lists fields that only take effect after a restart.
	RestartProcess []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AggressivenessChanged && !d.EchoDelayChanged &&
		!d.EnabledChanged && !d.BreakerChanged && !d.RestartLoop() &&
		!d.MonitorChanged && len(d.RestartProcess) == 0
}

// RestartLoop reports whether the duplex loop must be restarted.
func (d ConfigDiff) RestartLoop() bool {
	return d.SampleRateChanged || d.FrameSizeChanged || d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.AECM.Mode() != new.AECM.Mode() {
		d.AggressivenessChanged = true
	}
	d.EchoDelayChanged = old.AECM.EchoDelayMs != new.AECM.EchoDelayMs
	d.EnabledChanged = old.AECM.IsEnabled() != new.AECM.IsEnabled()
	d.BreakerChanged = old.Resilience != new.Resilience

	d.SampleRateChanged = old.AECM.SampleRate != new.AECM.SampleRate
	d.FrameSizeChanged = old.AECM.FrameSize != new.AECM.FrameSize
	d.AudioChanged = !sameAudio(old.Audio, new.Audio)
	d.MonitorChanged = !sameMonitor(old.Monitor, new.Monitor)

	if old.AECM.Engine != new.AECM.Engine {
		d.RestartProcess = append(d.RestartProcess, "aecm.engine")
	}
	if old.AECM.NLMS != new.AECM.NLMS {
		d.RestartProcess = append(d.RestartProcess, "aecm.nlms")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartProcess = append(d.RestartProcess, "server.listen_addr")
	}

	return d
}

func sameMonitor(a, b MonitorConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Bitrate == b.Bitrate &&
		slices.Equal(a.OriginPatterns, b.OriginPatterns)
}

func sameAudio(a, b AudioConfig) bool {
	return a.Backend == b.Backend &&
		Device(a.InputDevice) == Device(b.InputDevice) &&
		Device(a.OutputDevice) == Device(b.OutputDevice) &&
		a.Latency == b.Latency &&
		a.InputFile == b.InputFile &&
		a.OutputFile == b.OutputFile &&
		a.Realtime == b.Realtime &&
		a.Loop == b.Loop
}
