// Package nlms is a pure-Go [aecm.Engine] built on a Normalized Least Mean
// Squares adaptive filter.
//
// Each handle owns an independent canceller: a far-end ring buffer, the
// adaptive filter weights, a residual echo suppressor whose strength follows
// the configured [aecm.AggressiveMode], and an optional comfort noise
// generator that fills suppressed segments with noise at the tracked
// background level.
//
// The estimated echo delay passed to Process shifts the reference window by
// delay milliseconds; the filter then models the remaining room response
// within its tap window.
package nlms

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

const (
	// DefaultTaps is the adaptive filter length in samples
	// (16 ms at 8 kHz, 8 ms at 16 kHz).
	DefaultTaps = 128

	// DefaultStep is the NLMS step size mu (0 < mu < 2).
	DefaultStep = 0.3

	// DefaultMaxDelayMs bounds the delay shift applied to the reference.
	DefaultMaxDelayMs = 500
)

var (
	// ErrUnknownHandle is returned for handles never allocated or already released.
	ErrUnknownHandle = errors.New("nlms: unknown handle")

	// ErrNotInitialized is returned when a handle is used before Initialize.
	ErrNotInitialized = errors.New("nlms: handle not initialized")

	// ErrBadFrame is returned for frame lengths the engine does not accept.
	ErrBadFrame = errors.New("nlms: bad frame")
)

// suppression is the fraction of the estimated residual echo removed per
// aggressiveness level.
var suppression = [...]float64{0, 0.3, 0.55, 0.75, 0.9}

// Option configures an [Engine].
type Option func(*Engine)

// WithTaps sets the adaptive filter length.
func WithTaps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.taps = n
		}
	}
}

// WithStep sets the NLMS step size.
func WithStep(mu float64) Option {
	return func(e *Engine) {
		if mu > 0 && mu < 2 {
			e.step = mu
		}
	}
}

// WithMaxDelay bounds the echo delay, in milliseconds, honoured by Process.
func WithMaxDelay(ms int) Option {
	return func(e *Engine) {
		if ms >= 0 {
			e.maxDelayMs = ms
		}
	}
}

// WithSeed seeds the comfort noise generators so output is reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// Engine implements [aecm.Engine]. It is safe for concurrent use; calls on
// distinct handles do not contend.
type Engine struct {
	taps       int
	step       float64
	maxDelayMs int
	seed       uint64

	mu        sync.Mutex
	next      aecm.Handle
	instances map[aecm.Handle]*canceller
}

var _ aecm.Engine = (*Engine)(nil)

// New returns an Engine with default tuning.
func New(opts ...Option) *Engine {
	e := &Engine{
		taps:       DefaultTaps,
		step:       DefaultStep,
		maxDelayMs: DefaultMaxDelayMs,
		seed:       0x6165636d,
		instances:  make(map[aecm.Handle]*canceller),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Allocate implements [aecm.Engine].
func (e *Engine) Allocate() (aecm.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	h := e.next
	e.instances[h] = &canceller{
		taps: e.taps,
		step: e.step,
		rng:  rand.New(rand.NewPCG(e.seed, uint64(h))),
	}
	return h, nil
}

// Release implements [aecm.Engine].
func (e *Engine) Release(h aecm.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[h]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(e.instances, h)
	return nil
}

// Handles returns the number of live handles.
func (e *Engine) Handles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

func (e *Engine) lookup(h aecm.Handle) (*canceller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.instances[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return c, nil
}

// Initialize implements [aecm.Engine]. It resets all adaptive state.
func (e *Engine) Initialize(h aecm.Handle, freq aecm.SamplingFrequency) error {
	if !freq.Valid() {
		return fmt.Errorf("nlms: unsupported sampling frequency %d", int(freq))
	}
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	c.reset(freq, e.maxDelayMs)
	return nil
}

// SetConfig implements [aecm.Engine].
func (e *Engine) SetConfig(h aecm.Handle, cfg aecm.Config) error {
	if !cfg.Mode.Valid() {
		return fmt.Errorf("nlms: invalid aggressiveness mode %d", int(cfg.Mode))
	}
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	c.cfg = cfg
	return nil
}

// BufferFarend implements [aecm.Engine].
func (e *Engine) BufferFarend(h aecm.Handle, farend []int16, n int) error {
	if !aecm.ValidBlockSize(n) || n > len(farend) {
		return fmt.Errorf("%w: farend length %d (buffer %d)", ErrBadFrame, n, len(farend))
	}
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	c.push(farend[:n])
	return nil
}

// Process implements [aecm.Engine].
func (e *Engine) Process(h aecm.Handle, noisy, clean []int16, n, delay int16) ([]int16, error) {
	count := int(n)
	if !aecm.ValidBlockSize(count) || count > len(noisy) {
		return nil, fmt.Errorf("%w: noisy length %d (buffer %d)", ErrBadFrame, count, len(noisy))
	}
	if clean != nil && count > len(clean) {
		return nil, fmt.Errorf("%w: clean length %d shorter than %d", ErrBadFrame, len(clean), count)
	}
	c, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.process(noisy[:count], clean, int(delay)), nil
}

// canceller is the per-handle state.
type canceller struct {
	mu sync.Mutex

	initialized bool
	freq        aecm.SamplingFrequency
	cfg         aecm.Config

	taps    int
	step    float64
	weights []float64

	farBuf   []float64
	farHead  int
	maxDelay int // samples

	noiseFloor float64
	rng        *rand.Rand
}

func (c *canceller) reset(freq aecm.SamplingFrequency, maxDelayMs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freq = freq
	c.cfg = aecm.DefaultConfig()
	c.maxDelay = maxDelayMs * freq.Hz() / 1000
	c.weights = make([]float64, c.taps)
	maxBlock := aecm.BlockSizes[len(aecm.BlockSizes)-1]
	c.farBuf = make([]float64, maxBlock+c.maxDelay+c.taps)
	c.farHead = 0
	c.noiseFloor = 0
	c.initialized = true
}

func (c *canceller) push(frame []int16) {
	for _, s := range frame {
		c.farBuf[c.farHead] = float64(s)
		c.farHead = (c.farHead + 1) % len(c.farBuf)
	}
}

// reference copies the far-end window aligned with a near-end frame of n
// samples, shifted back by d samples.
func (c *canceller) reference(n, d int) []float64 {
	bufLen := len(c.farBuf)
	refLen := n + c.taps - 1
	ref := make([]float64, refLen)
	start := c.farHead - n - d - c.taps + 1
	for j := range refLen {
		idx := ((start+j)%bufLen + 2*bufLen) % bufLen
		ref[j] = c.farBuf[idx]
	}
	return ref
}

func (c *canceller) process(noisy, clean []int16, delayMs int) []int16 {
	n := len(noisy)
	d := max(delayMs, 0) * c.freq.Hz() / 1000
	d = min(d, c.maxDelay)
	ref := c.reference(n, d)

	residual := make([]float64, n)
	var echoEnergy, residualEnergy float64
	for i := range n {
		base := i + c.taps - 1
		var y, power float64
		for k := range c.taps {
			x := ref[base-k]
			y += c.weights[k] * x
			power += x * x
		}
		e := float64(noisy[i]) - y
		if power > 1e-10 {
			g := c.step * e / power
			for k := range c.taps {
				c.weights[k] += g * ref[base-k]
			}
		}
		if clean != nil {
			e = float64(clean[i]) - y
		}
		residual[i] = e
		echoEnergy += y * y
		residualEnergy += e * e
	}

	gain := suppressionGain(c.cfg.Mode.Level(), echoEnergy, residualEnergy)
	c.trackNoise(residualEnergy / float64(n))

	out := make([]int16, n)
	for i, e := range residual {
		v := e * gain
		if c.cfg.ComfortNoise && gain < 1 && c.noiseFloor > 0 {
			amp := math.Sqrt(c.noiseFloor) * (1 - gain)
			v += (c.rng.Float64()*2 - 1) * amp
		}
		out[i] = saturate(v)
	}
	return out
}

// trackNoise follows the background level: fast down, slow up.
func (c *canceller) trackNoise(power float64) {
	switch {
	case c.noiseFloor == 0 || power < c.noiseFloor:
		c.noiseFloor = power
	default:
		c.noiseFloor += (power - c.noiseFloor) * 0.002
	}
}

// suppressionGain returns the output gain for a frame given the energy of the
// echo estimate and of the residual after linear cancellation.
func suppressionGain(level int, echoEnergy, residualEnergy float64) float64 {
	if level < 0 || level >= len(suppression) {
		return 1
	}
	total := echoEnergy + residualEnergy
	if total <= 0 {
		return 1
	}
	ratio := echoEnergy / total
	return 1 - suppression[level]*ratio
}

func saturate(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
