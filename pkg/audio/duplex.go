// Package audio defines the device ports of the duplex echo cancellation
// loop and the PCM helpers shared by their implementations.
//
// The two abstractions are:
//
//   - [CaptureSource]: a microphone-like source yielding fixed-size frames
//     of signed 16-bit mono samples.
//   - [Sink]: a loudspeaker-like destination accepting frames of the same
//     shape.
//
// Implementations live in adapter packages (audio/portaudio for real
// devices, audio/pcmfile for raw PCM files). Both ports block: NextFrame
// until a full frame is available, Write until the device accepted it.
//
// This package lives under pkg/ because external code is expected to
// implement [CaptureSource] and [Sink].
package audio

import "errors"

// ErrClosed is returned by a port used after it was released or stopped.
var ErrClosed = errors.New("audio: port closed")

// CaptureSource delivers near-end audio one frame at a time.
//
// Start is called once before the first NextFrame; Release ends capture and
// frees the device. Implementations need not be safe for concurrent
// NextFrame calls, but Release may be called from another goroutine to
// unblock a pending NextFrame.
type CaptureSource interface {
	// Start opens the device at sampleRate Hz delivering frameSize samples
	// per frame.
	Start(sampleRate, frameSize int) error

	// NextFrame blocks until the next frame is available. The returned slice
	// is owned by the caller.
	NextFrame() ([]int16, error)

	// Release stops capture and frees the device. Safe to call more than once.
	Release() error
}

// Sink plays frames.
type Sink interface {
	// Start opens the device at sampleRate Hz.
	Start(sampleRate int) error

	// Write blocks until frame has been queued for playback.
	Write(frame []int16) error

	// Stop halts playback and frees the device. Safe to call more than once.
	Stop() error
}
