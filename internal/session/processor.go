package session

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

// Processor runs per-frame engine operations against a [Session].
//
// For each cycle the caller must call [Processor.BufferFarend] with that
// cycle's far-end reference before [Processor.CancelEcho] on the matching
// near-end frame. The engine correlates the two by call order.
type Processor struct {
	session *Session
}

// NewProcessor returns a Processor bound to s.
func NewProcessor(s *Session) *Processor {
	return &Processor{session: s}
}

// Session returns the session the processor operates on.
func (p *Processor) Session() *Session {
	return p.session
}

// BufferFarend queues the first length samples of frame as the far-end
// reference. length must be an accepted block size and equal len(frame).
func (p *Processor) BufferFarend(frame []int16, length int) error {
	if !p.session.Ready() {
		return ErrNotPrepared
	}
	if !aecm.ValidBlockSize(length) {
		return fmt.Errorf("%w: farend length %d not in %v", ErrInvalidArgument, length, aecm.BlockSizes)
	}
	if length != len(frame) {
		return fmt.Errorf("%w: farend length %d does not match frame of %d samples", ErrInvalidArgument, length, len(frame))
	}
	return p.session.withEngine(func(e aecm.Engine, h aecm.Handle) error {
		if err := e.BufferFarend(h, frame, length); err != nil {
			return fmt.Errorf("%w: buffer farend: %w", ErrEngineFailure, err)
		}
		return nil
	})
}

// CancelEcho removes echo from noisy and returns the cleaned frame. clean is
// an optional noise-suppressed copy of noisy and may be nil. numSamples and
// delay saturate to the int16 range.
func (p *Processor) CancelEcho(noisy, clean []int16, numSamples, delay int) ([]int16, error) {
	n := clampInt16("num_samples", numSamples)
	d := clampInt16("delay", delay)

	var out []int16
	err := p.session.withEngine(func(e aecm.Engine, h aecm.Handle) error {
		res, err := e.Process(h, noisy, clean, n, d)
		if err != nil {
			return fmt.Errorf("%w: process: %w", ErrEngineFailure, err)
		}
		if n > 0 && len(res) < int(n) {
			return fmt.Errorf("%w: process returned %d samples, want %d", ErrEngineFailure, len(res), n)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func clampInt16(name string, v int) int16 {
	switch {
	case v > math.MaxInt16:
		slog.Debug("session: value saturated", "param", name, "value", v, "clamped", math.MaxInt16)
		return math.MaxInt16
	case v < math.MinInt16:
		slog.Debug("session: value saturated", "param", name, "value", v, "clamped", math.MinInt16)
		return math.MinInt16
	default:
		return int16(v)
	}
}
