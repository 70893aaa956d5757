// Package mock provides in-memory mock implementations of the
// [audio.CaptureSource] and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{Frames: [][]int16{make([]int16, 160)}}
//	sink := &mock.Sink{}
//	loop := duplex.New(capture, sink, proc)
//	_ = loop.Start(ctx, duplex.Params{SampleRate: 8000, FrameSize: 160})
//	sink.WaitForWrites(1, time.Second)
package mock

import (
	"slices"
	"sync"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.CaptureSource].
//
// NextFrame returns the scripted Frames in order. Once they are exhausted it
// returns EndError if set, otherwise it blocks until Release is called and
// then returns [audio.ErrClosed].
type Capture struct {
	mu       sync.Mutex
	released chan struct{}
	pos      int

	// Frames are returned by NextFrame in order.
	Frames [][]int16

	// Repeat cycles through Frames forever instead of ending.
	Repeat bool

	// StartError is returned by Start.
	StartError error

	// EndError is returned by NextFrame after Frames are exhausted.
	EndError error

	// ReleaseError is returned by Release.
	ReleaseError error

	// StartRate and StartFrameSize record the arguments of the last Start call.
	StartRate, StartFrameSize int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountNextFrame records how many times NextFrame was called.
	CallCountNextFrame int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int
}

func (c *Capture) releasedCh() chan struct{} {
	if c.released == nil {
		c.released = make(chan struct{})
	}
	return c.released
}

// Start implements [audio.CaptureSource].
func (c *Capture) Start(sampleRate, frameSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	c.StartRate = sampleRate
	c.StartFrameSize = frameSize
	if c.StartError != nil {
		return c.StartError
	}
	c.released = make(chan struct{})
	c.pos = 0
	return nil
}

// NextFrame implements [audio.CaptureSource].
func (c *Capture) NextFrame() ([]int16, error) {
	c.mu.Lock()
	c.CallCountNextFrame++
	if c.Repeat && len(c.Frames) > 0 {
		f := slices.Clone(c.Frames[c.pos%len(c.Frames)])
		c.pos++
		c.mu.Unlock()
		return f, nil
	}
	if c.pos < len(c.Frames) {
		f := slices.Clone(c.Frames[c.pos])
		c.pos++
		c.mu.Unlock()
		return f, nil
	}
	if c.EndError != nil {
		err := c.EndError
		c.mu.Unlock()
		return nil, err
	}
	done := c.releasedCh()
	c.mu.Unlock()

	<-done
	return nil, audio.ErrClosed
}

// Release implements [audio.CaptureSource].
func (c *Capture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountRelease++
	ch := c.releasedCh()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return c.ReleaseError
}

// SetStartError changes StartError while the capture may be in use.
func (c *Capture) SetStartError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartError = err
}

// Calls returns the Start, NextFrame and Release call counts.
func (c *Capture) Calls() (start, next, release int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStart, c.CallCountNextFrame, c.CallCountRelease
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] that records written frames.
type Sink struct {
	mu      sync.Mutex
	written [][]int16

	// StartError is returned by Start.
	StartError error

	// WriteError is returned by Write. Frames are not recorded while it is set.
	WriteError error

	// StopError is returned by Stop.
	StopError error

	// StartRate records the argument of the last Start call.
	StartRate int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Start implements [audio.Sink].
func (s *Sink) Start(sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	s.StartRate = sampleRate
	return s.StartError
}

// Write implements [audio.Sink].
func (s *Sink) Write(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	s.written = append(s.written, slices.Clone(frame))
	return nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	return s.StopError
}

// Written returns a copy of every recorded frame.
func (s *Sink) Written() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.written)
}

// Stops returns how many times Stop was called.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

// WaitForWrites polls until at least n frames were written or timeout
// elapses. It reports whether n frames arrived.
func (s *Sink) WaitForWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		got := len(s.written)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
