// Package monitor streams the processed output of the duplex loop to remote
// listeners over WebSocket.
//
// The loop hands every frame it plays to [Hub.Publish], which never blocks:
// frames are queued for a single encoder goroutine and dropped when the queue
// is full. Each encoded packet is fanned out to all listeners, again dropping
// for listeners that fall behind. A new listener first receives a text hello
// describing the stream, then one binary message per Opus packet.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/shannonbay/android-webrtc-aecm/internal/observe"
	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

const (
	queueDepth    = 64
	listenerDepth = 32
	writeTimeout  = 2 * time.Second
)

// Hello is the text message sent to every new listener. SampleRate and
// FrameSize describe the processed stream; OpusRate is the rate the packets
// are encoded at.
type Hello struct {
	SampleRate int `json:"sample_rate"`
	FrameSize  int `json:"frame_size"`
	OpusRate   int `json:"opus_rate"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithEncoder replaces the Opus encoder.
func WithEncoder(e Encoder) Option {
	return func(h *Hub) { h.enc = e }
}

// WithOutputRate resamples frames to rate before encoding. Zero encodes at
// the stream rate.
func WithOutputRate(rate int) Option {
	return func(h *Hub) { h.outRate = rate }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns sets the cross-origin hosts allowed to connect. See
// [Hub.SetOriginPatterns].
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.SetOriginPatterns(patterns) }
}

type pcmFrame struct {
	pcm  []int16
	rate int
}

// Hub encodes published frames and fans them out to connected listeners.
type Hub struct {
	enc     Encoder
	metrics *observe.Metrics
	queue   chan pcmFrame
	outRate int

	enabled atomic.Bool
	dropped atomic.Int64
	bitrate atomic.Int64

	closing   chan struct{}
	closeOnce sync.Once

	origins atomic.Pointer[[]string]

	mu        sync.Mutex
	format    Hello
	listeners map[*listener]struct{}
}

type listener struct {
	packets chan []byte
}

// New creates a hub with the given Opus bitrate. Call [Hub.Run] to start
// encoding.
func New(bitrate int, opts ...Option) *Hub {
	h := &Hub{
		queue:     make(chan pcmFrame, queueDepth),
		closing:   make(chan struct{}),
		listeners: make(map[*listener]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.enc == nil {
		h.enc = NewOpusEncoder(bitrate)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	h.enabled.Store(true)
	return h
}

// SetEnabled toggles the hub. While disabled, Publish drops every frame and
// new listeners are refused.
func (h *Hub) SetEnabled(on bool) {
	h.enabled.Store(on)
}

// SetOriginPatterns replaces the host patterns (path.Match syntax, e.g.
// "*.example.com") accepted in the Origin header of a cross-origin upgrade.
// Same-origin requests and clients that send no Origin are always accepted.
func (h *Hub) SetOriginPatterns(patterns []string) {
	p := slices.Clone(patterns)
	h.origins.Store(&p)
}

// SetBitrate changes the Opus target bitrate from the next frame on. It is a
// no-op for encoders without a bitrate knob.
func (h *Hub) SetBitrate(bps int) {
	h.bitrate.Store(int64(bps))
}

// SetFormat sets the stream format announced to listeners that connect before
// the first frame is published.
func (h *Hub) SetFormat(sampleRate, frameSize int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.format = h.hello(sampleRate, frameSize)
}

func (h *Hub) hello(rate, frameSize int) Hello {
	opusRate := rate
	if h.outRate > 0 {
		opusRate = h.outRate
	}
	return Hello{SampleRate: rate, FrameSize: frameSize, OpusRate: opusRate}
}

// Listeners returns the number of connected listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Dropped returns how many frames or packets were discarded because a queue
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish queues a copy of frame for encoding. It never blocks and is a no-op
// while the hub is disabled or nobody listens. Its signature matches the
// duplex loop tap.
func (h *Hub) Publish(frame []int16, sampleRate int) {
	if !h.enabled.Load() || h.Listeners() == 0 {
		return
	}
	select {
	case h.queue <- pcmFrame{pcm: slices.Clone(frame), rate: sampleRate}:
	default:
		h.dropped.Add(1)
	}
}

// Run encodes queued frames until ctx is cancelled, then disconnects all
// listeners.
func (h *Hub) Run(ctx context.Context) error {
	var bitrate int64
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case f := <-h.queue:
			h.mu.Lock()
			h.format = h.hello(f.rate, len(f.pcm))
			h.mu.Unlock()

			pcm, rate := f.pcm, f.rate
			if h.outRate > 0 {
				pcm, rate = audio.Resample(pcm, rate, h.outRate), h.outRate
			}

			if b := h.bitrate.Load(); b != bitrate {
				if br, ok := h.enc.(interface{ SetBitrate(int) }); ok && b > 0 {
					br.SetBitrate(int(b))
				}
				bitrate = b
			}
			pkt, err := h.enc.Encode(pcm, rate)
			if err != nil {
				slog.Warn("monitor: encode failed", "err", err)
				continue
			}
			h.broadcast(pkt)
		}
	}
}

// Close disconnects every listener and refuses new ones. Hijacked
// connections outlive http.Server.Shutdown, so the server owner calls this.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Hub) broadcast(pkt []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		select {
		case l.packets <- pkt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add() (*listener, Hello) {
	l := &listener{packets: make(chan []byte, listenerDepth)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[l] = struct{}{}
	return l, h.format
}

func (h *Hub) remove(l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, l)
}

// ServeHTTP upgrades the request to a WebSocket and streams packets until the
// client disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enabled.Load() {
		http.Error(w, "monitor disabled", http.StatusNotFound)
		return
	}
	select {
	case <-h.closing:
		http.Error(w, "monitor shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	var origins []string
	if p := h.origins.Load(); p != nil {
		origins = *p
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		slog.Warn("monitor: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Listeners never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	l, hello := h.add()
	h.metrics.MonitorListeners.Add(ctx, 1)
	defer func() {
		h.remove(l)
		h.metrics.MonitorListeners.Add(context.Background(), -1)
	}()
	slog.Info("monitor: listener connected", "remote", r.RemoteAddr)

	msg, err := json.Marshal(hello)
	if err != nil {
		return
	}
	if err := write(ctx, conn, websocket.MessageText, msg); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			slog.Info("monitor: listener disconnected", "remote", r.RemoteAddr)
			return
		case <-h.closing:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case pkt := <-l.packets:
			if err := write(ctx, conn, websocket.MessageBinary, pkt); err != nil {
				slog.Debug("monitor: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}
