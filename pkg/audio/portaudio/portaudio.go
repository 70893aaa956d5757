// Package portaudio implements [audio.CaptureSource] and [audio.Sink] on top
// of PortAudio blocking streams.
//
// The PortAudio library is initialised on the first Start of any capture or
// playback port and terminated when the last one is released. Both ports use
// mono int16 streams whose buffer length equals the frame size, so one
// Read/Write moves exactly one frame.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

// DefaultDevice selects the host's default input or output device.
const DefaultDevice = -1

// Latency selects the suggested device latency.
type Latency string

const (
	// LatencyLow uses the device's default low latency.
	LatencyLow Latency = "low"

	// LatencyHigh uses the device's default high latency, trading delay for
	// fewer over- and underruns.
	LatencyHigh Latency = "high"
)

// Device describes an audio device reported by PortAudio.
type Device struct {
	// Index is the value to pass as a device selector.
	Index int

	// Name is the host API's device name.
	Name string

	// Inputs and Outputs are the maximum channel counts.
	Inputs, Outputs int

	// DefaultInput and DefaultOutput mark the host defaults.
	DefaultInput, DefaultOutput bool
}

var (
	libMu   sync.Mutex
	libRefs int
)

func acquire() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

func releaseLib() {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		return
	}
	libRefs--
	if libRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// Devices lists the audio devices PortAudio can see.
func Devices() ([]Device, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer releaseLib()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Device, 0, len(devices))
	for i, d := range devices {
		out = append(out, Device{
			Index:         i,
			Name:          d.Name,
			Inputs:        d.MaxInputChannels,
			Outputs:       d.MaxOutputChannels,
			DefaultInput:  defIn != nil && d.Name == defIn.Name,
			DefaultOutput: defOut != nil && d.Name == defOut.Name,
		})
	}
	return out, nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx == DefaultDevice {
		return fallback()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if idx < 0 || idx >= len(devices) {
		return nil, fmt.Errorf("portaudio: invalid device index %d (have %d)", idx, len(devices))
	}
	return devices[idx], nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture reads mono frames from an input device.
type Capture struct {
	device  int
	latency Latency

	mu      sync.Mutex
	stream  inputStream
	buf     []int16
	closed  bool
	reading bool
}

// inputStream is the part of [portaudio.Stream] a capture uses.
type inputStream interface {
	Read() error
	Stop() error
	Abort() error
	Close() error
}

var _ audio.CaptureSource = (*Capture)(nil)

// NewCapture returns a capture port for the device at index device
// ([DefaultDevice] for the host default).
func NewCapture(device int, latency Latency) *Capture {
	return &Capture{device: device, latency: latency}
}

// Start implements [audio.CaptureSource].
func (c *Capture) Start(sampleRate, frameSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return errors.New("portaudio: capture already started")
	}
	if err := acquire(); err != nil {
		return err
	}

	dev, err := resolveDevice(c.device, portaudio.DefaultInputDevice)
	if err != nil {
		releaseLib()
		return err
	}
	if dev.MaxInputChannels <= 0 {
		releaseLib()
		return fmt.Errorf("portaudio: device %q has no input channels", dev.Name)
	}

	latency := dev.DefaultLowInputLatency
	if c.latency == LatencyHigh {
		latency = dev.DefaultHighInputLatency
	}

	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  latency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}, buf)
	if err != nil {
		releaseLib()
		return fmt.Errorf("portaudio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releaseLib()
		return fmt.Errorf("portaudio: start capture stream: %w", err)
	}

	c.stream = stream
	c.buf = buf
	c.closed = false
	slog.Info("portaudio: capture started", "device", dev.Name, "rate", sampleRate, "frame", frameSize, "latency", latency)
	return nil
}

// NextFrame implements [audio.CaptureSource]. Input overflows are logged and
// the frame is still returned.
func (c *Capture) NextFrame() ([]int16, error) {
	c.mu.Lock()
	stream, buf := c.stream, c.buf
	if stream == nil || c.closed {
		c.mu.Unlock()
		return nil, audio.ErrClosed
	}
	c.reading = true
	c.mu.Unlock()

	err := stream.Read()
	frame := slices.Clone(buf)

	c.mu.Lock()
	c.reading = false
	closed := c.closed
	if closed {
		// Release aborted the stream mid-read and left the close to us.
		if cerr := c.closeLocked(); cerr != nil {
			slog.Warn("portaudio: close capture after abort", "err", cerr)
		}
	}
	c.mu.Unlock()

	if closed {
		return nil, audio.ErrClosed
	}
	if err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, fmt.Errorf("portaudio: capture read: %w", err)
		}
		slog.Debug("portaudio: input overflowed")
	}
	return frame, nil
}

// Release implements [audio.CaptureSource]. A Read in progress is aborted
// and the stream is closed once NextFrame returns; otherwise the stream is
// stopped and closed here.
func (c *Capture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.reading {
		if err := c.stream.Abort(); err != nil {
			return fmt.Errorf("portaudio: abort capture: %w", err)
		}
		return nil
	}

	var errs []error
	if err := c.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop capture: %w", err))
	}
	if err := c.closeLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeLocked closes the stream and drops the library reference. c.mu must
// be held and no Read may be in progress.
func (c *Capture) closeLocked() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	releaseLib()
	if err != nil {
		return fmt.Errorf("portaudio: close capture: %w", err)
	}
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback writes mono frames to an output device. The stream is opened on
// the first Write so its buffer matches the frame size.
type Playback struct {
	device  int
	latency Latency

	mu      sync.Mutex
	rate    int
	started bool
	stream  *portaudio.Stream
	buf     []int16
}

var _ audio.Sink = (*Playback)(nil)

// NewPlayback returns a playback port for the device at index device
// ([DefaultDevice] for the host default).
func NewPlayback(device int, latency Latency) *Playback {
	return &Playback{device: device, latency: latency}
}

// Start implements [audio.Sink].
func (p *Playback) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("portaudio: playback already started")
	}
	if err := acquire(); err != nil {
		return err
	}
	p.rate = sampleRate
	p.started = true
	return nil
}

func (p *Playback) open(frameSize int) error {
	dev, err := resolveDevice(p.device, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}
	if dev.MaxOutputChannels <= 0 {
		return fmt.Errorf("portaudio: device %q has no output channels", dev.Name)
	}

	latency := dev.DefaultLowOutputLatency
	if p.latency == LatencyHigh {
		latency = dev.DefaultHighOutputLatency
	}

	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  latency,
		},
		SampleRate:      float64(p.rate),
		FramesPerBuffer: frameSize,
	}, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start playback stream: %w", err)
	}
	p.stream = stream
	p.buf = buf
	slog.Info("portaudio: playback started", "device", dev.Name, "rate", p.rate, "frame", frameSize, "latency", latency)
	return nil
}

// Write implements [audio.Sink]. Output underflows are logged, not returned.
func (p *Playback) Write(frame []int16) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return audio.ErrClosed
	}
	if p.stream == nil {
		if err := p.open(len(frame)); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	if len(frame) != len(p.buf) {
		n := len(p.buf)
		p.mu.Unlock()
		return fmt.Errorf("portaudio: frame of %d samples, stream opened for %d", len(frame), n)
	}
	copy(p.buf, frame)
	stream := p.stream
	p.mu.Unlock()

	if err := stream.Write(); err != nil {
		if !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: playback write: %w", err)
		}
		slog.Debug("portaudio: output underflowed")
	}
	return nil
}

// Stop implements [audio.Sink].
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	var errs []error
	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop playback: %w", err))
		}
		if err := p.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close playback: %w", err))
		}
		p.stream = nil
		p.buf = nil
	}
	releaseLib()
	return errors.Join(errs...)
}
