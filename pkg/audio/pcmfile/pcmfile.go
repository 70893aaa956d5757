// Package pcmfile implements [audio.CaptureSource] and [audio.Sink] over raw
// signed 16-bit little-endian mono PCM files, for headless runs and
// reproducible offline comparisons of cancelled against raw output.
package pcmfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithRealtime paces NextFrame to the frame duration so a file plays back at
// device speed.
func WithRealtime(on bool) CaptureOption {
	return func(c *Capture) { c.realtime = on }
}

// WithLoop rewinds to the start of the file at EOF instead of returning
// [io.EOF]. It requires the source to implement [io.Seeker].
func WithLoop(on bool) CaptureOption {
	return func(c *Capture) { c.loop = on }
}

// Capture yields frames read from a PCM stream. A short final frame is
// zero-padded.
type Capture struct {
	open     func() (io.ReadCloser, error)
	seeker   io.Seeker
	realtime bool
	loop     bool

	mu        sync.Mutex
	r         io.ReadCloser
	br        *bufio.Reader
	frameSize int
	interval  time.Duration
	next      time.Time
	buf       []byte
}

var _ audio.CaptureSource = (*Capture)(nil)

// NewCapture returns a capture port reading the file at path.
func NewCapture(path string, opts ...CaptureOption) *Capture {
	return newCapture(func() (io.ReadCloser, error) { return os.Open(path) }, opts)
}

// NewReaderCapture returns a capture port reading from r. Release closes r
// if it implements [io.Closer].
func NewReaderCapture(r io.Reader, opts ...CaptureOption) *Capture {
	c := newCapture(func() (io.ReadCloser, error) {
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(r), nil
	}, opts)
	if s, ok := r.(io.Seeker); ok {
		c.seeker = s
	}
	return c
}

func newCapture(open func() (io.ReadCloser, error), opts []CaptureOption) *Capture {
	c := &Capture{open: open}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start implements [audio.CaptureSource].
func (c *Capture) Start(sampleRate, frameSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r != nil {
		return errors.New("pcmfile: capture already started")
	}
	if frameSize <= 0 {
		return fmt.Errorf("pcmfile: invalid frame size %d", frameSize)
	}
	r, err := c.open()
	if err != nil {
		return fmt.Errorf("pcmfile: open capture: %w", err)
	}
	c.r = r
	c.br = bufio.NewReader(r)
	c.frameSize = frameSize
	c.buf = make([]byte, frameSize*2)
	c.interval = audio.FrameDuration(frameSize, sampleRate)
	c.next = time.Now()
	return nil
}

// NextFrame implements [audio.CaptureSource]. It returns [io.EOF] once the
// stream is exhausted unless looping is enabled.
func (c *Capture) NextFrame() ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil, audio.ErrClosed
	}

	if c.realtime && c.interval > 0 {
		if d := time.Until(c.next); d > 0 {
			time.Sleep(d)
		}
		c.next = c.next.Add(c.interval)
	}

	n, err := io.ReadFull(c.br, c.buf)
	if errors.Is(err, io.EOF) && c.loop {
		if err := c.rewind(); err != nil {
			return nil, err
		}
		n, err = io.ReadFull(c.br, c.buf)
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(c.buf[n:])
	case err != nil:
		return nil, err
	}
	return audio.BytesToInt16(c.buf), nil
}

func (c *Capture) rewind() error {
	s := c.seeker
	if s == nil {
		var ok bool
		if s, ok = c.r.(io.Seeker); !ok {
			return errors.New("pcmfile: loop requires a seekable source")
		}
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pcmfile: rewind: %w", err)
	}
	c.br.Reset(c.r)
	return nil
}

// Release implements [audio.CaptureSource].
func (c *Capture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	c.br = nil
	return err
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink appends frames to a PCM stream.
type Sink struct {
	create func() (io.WriteCloser, error)

	mu     sync.Mutex
	w      io.WriteCloser
	bw     *bufio.Writer
	frames int
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a sink that truncates and writes the file at path.
func NewSink(path string) *Sink {
	return &Sink{create: func() (io.WriteCloser, error) { return os.Create(path) }}
}

// NewWriterSink returns a sink writing to w. Stop closes w if it implements
// [io.Closer].
func NewWriterSink(w io.Writer) *Sink {
	return &Sink{create: func() (io.WriteCloser, error) {
		if wc, ok := w.(io.WriteCloser); ok {
			return wc, nil
		}
		return nopWriteCloser{w}, nil
	}}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Start implements [audio.Sink].
func (s *Sink) Start(int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		return errors.New("pcmfile: sink already started")
	}
	w, err := s.create()
	if err != nil {
		return fmt.Errorf("pcmfile: create sink: %w", err)
	}
	s.w = w
	s.bw = bufio.NewWriter(w)
	s.frames = 0
	return nil
}

// Write implements [audio.Sink].
func (s *Sink) Write(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return audio.ErrClosed
	}
	if _, err := s.bw.Write(audio.Int16ToBytes(frame)); err != nil {
		return fmt.Errorf("pcmfile: write: %w", err)
	}
	s.frames++
	return nil
}

// Frames returns the number of frames written since Start.
func (s *Sink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Stop implements [audio.Sink]. It flushes buffered samples and closes the
// destination.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := errors.Join(s.bw.Flush(), s.w.Close())
	s.w = nil
	s.bw = nil
	return err
}
