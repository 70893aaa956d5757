// Package aecm defines the value types and the engine capability used by the
// acoustic echo canceller for mobile (AECM) session layer.
//
// The engine itself is opaque: an implementation allocates handles, is
// initialised with a sampling frequency, accepts a configuration, buffers the
// far-end (loudspeaker) reference and produces echo-cancelled near-end frames.
// Implementations live in sub-packages (see [github.com/shannonbay/android-webrtc-aecm/pkg/aecm/nlms]).
package aecm

import (
	"fmt"
	"slices"
)

// SamplingFrequency is the rate, in Hz, the engine is initialised with.
// The zero value means "not set".
type SamplingFrequency int

const (
	// FS8000 is narrowband telephony (8 kHz).
	FS8000 SamplingFrequency = 8000

	// FS16000 is wideband (16 kHz).
	FS16000 SamplingFrequency = 16000

	// DefaultSamplingFrequency is used when no valid frequency was supplied.
	DefaultSamplingFrequency = FS16000
)

// Valid reports whether f is one of the supported frequencies.
func (f SamplingFrequency) Valid() bool {
	return f == FS8000 || f == FS16000
}

// Hz returns the frequency as a plain integer.
func (f SamplingFrequency) Hz() int { return int(f) }

func (f SamplingFrequency) String() string {
	if !f.Valid() {
		return fmt.Sprintf("invalid(%d)", int(f))
	}
	return fmt.Sprintf("%dHz", int(f))
}

// AggressiveMode controls how strongly the engine suppresses residual echo.
// The zero value means "not set"; use [AggressiveMode.Level] for the engine
// ordinal.
type AggressiveMode int

const (
	Mild AggressiveMode = iota + 1
	Medium
	High
	Aggressive
	MostAggressive

	// DefaultAggressiveMode is used when no valid mode was supplied.
	DefaultAggressiveMode = Aggressive
)

// Valid reports whether m is one of the five defined modes.
func (m AggressiveMode) Valid() bool {
	return m >= Mild && m <= MostAggressive
}

// Level returns the engine ordinal 0..4, or -1 for an invalid mode.
func (m AggressiveMode) Level() int {
	if !m.Valid() {
		return -1
	}
	return int(m) - 1
}

// ModeFromLevel maps an engine ordinal 0..4 back to its mode.
func ModeFromLevel(level int) (AggressiveMode, bool) {
	m := AggressiveMode(level + 1)
	if !m.Valid() {
		return 0, false
	}
	return m, true
}

func (m AggressiveMode) String() string {
	switch m {
	case Mild:
		return "MILD"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Aggressive:
		return "AGGRESSIVE"
	case MostAggressive:
		return "MOST_AGGRESSIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(m))
	}
}

// Config is the engine configuration applied after initialisation.
type Config struct {
	// Mode is the echo suppression aggressiveness.
	Mode AggressiveMode

	// ComfortNoise enables comfort noise generation on suppressed segments.
	// The session layer always enables it.
	ComfortNoise bool
}

// DefaultConfig returns the configuration a fresh session starts with.
func DefaultConfig() Config {
	return Config{Mode: DefaultAggressiveMode, ComfortNoise: true}
}

// Handle identifies one engine instance. Handles are owned by exactly one
// session at a time.
type Handle int64

// InvalidHandle marks a failed or missing allocation.
const InvalidHandle Handle = -1

// BlockSizes lists the frame lengths, in samples, the engine accepts.
var BlockSizes = []int{80, 160}

// ValidBlockSize reports whether n is an accepted frame length.
func ValidBlockSize(n int) bool {
	return slices.Contains(BlockSizes, n)
}

// Engine is the opaque echo cancellation capability.
//
// Implementations must tolerate concurrent calls on distinct handles. Calls on
// the same handle are serialised by the caller. Every method reports failure
// through its error return; a non-nil error means the engine did not change
// observable state for that call except where noted.
type Engine interface {
	// Allocate creates a new engine instance.
	Allocate() (Handle, error)

	// Release frees h. Releasing an unknown handle returns an error.
	Release(h Handle) error

	// Initialize resets h to run at the given frequency.
	Initialize(h Handle, freq SamplingFrequency) error

	// SetConfig applies cfg to an initialised handle.
	SetConfig(h Handle, cfg Config) error

	// BufferFarend queues the first n samples of farend as the loudspeaker
	// reference for subsequent [Engine.Process] calls.
	BufferFarend(h Handle, farend []int16, n int) error

	// Process cancels echo from the first n samples of noisy, optionally
	// guided by a noise-suppressed copy clean (may be nil), using delay as the
	// estimated echo path delay in milliseconds. It returns n output samples.
	Process(h Handle, noisy, clean []int16, n, delay int16) ([]int16, error)
}
