package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shannonbay/android-webrtc-aecm/internal/monitor"
)

// fakeEncoder describes each frame as "<samples>@<rate>".
type fakeEncoder struct {
	err error
}

func (f *fakeEncoder) Encode(pcm []int16, sampleRate int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fmt.Appendf(nil, "%d@%d", len(pcm), sampleRate), nil
}

func startHub(t *testing.T, opts ...monitor.Option) (*monitor.Hub, *httptest.Server) {
	t.Helper()
	hub := monitor.New(0, append([]monitor.Option{monitor.WithEncoder(&fakeEncoder{})}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, monitor.Hello) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("hello type = %v, want text", typ)
	}
	var hello monitor.Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	return conn, hello
}

func readPacket(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("packet type = %v, want binary", typ)
	}
	return string(data)
}

func TestHub_HelloAndPackets(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)
	hub.SetFormat(8000, 160)

	conn, hello := dial(t, srv)
	if hello != (monitor.Hello{SampleRate: 8000, FrameSize: 160, OpusRate: 8000}) {
		t.Errorf("hello = %+v", hello)
	}
	if hub.Listeners() != 1 {
		t.Errorf("Listeners() = %d, want 1", hub.Listeners())
	}

	hub.Publish(make([]int16, 160), 8000)
	hub.Publish(make([]int16, 80), 16000)
	if got := readPacket(t, conn); got != "160@8000" {
		t.Errorf("packet 1 = %q", got)
	}
	if got := readPacket(t, conn); got != "80@16000" {
		t.Errorf("packet 2 = %q", got)
	}
}

func TestHub_OutputRate(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t, monitor.WithOutputRate(48000))
	hub.SetFormat(8000, 160)

	conn, hello := dial(t, srv)
	if hello.OpusRate != 48000 || hello.SampleRate != 8000 {
		t.Errorf("hello = %+v", hello)
	}
	hub.Publish(make([]int16, 160), 8000)
	if got := readPacket(t, conn); got != "960@48000" {
		t.Errorf("packet = %q, want 960@48000", got)
	}
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)
	a, _ := dial(t, srv)
	b, _ := dial(t, srv)

	hub.Publish(make([]int16, 80), 8000)
	for i, c := range []*websocket.Conn{a, b} {
		if got := readPacket(t, c); got != "80@8000" {
			t.Errorf("listener %d packet = %q", i, got)
		}
	}
}

func TestHub_ListenerLeaves(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)
	conn, _ := dial(t, srv)
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Listeners() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PublishWithoutListeners(t *testing.T) {
	t.Parallel()
	hub := monitor.New(0, monitor.WithEncoder(&fakeEncoder{}))
	for range 1000 {
		hub.Publish(make([]int16, 160), 8000)
	}
	if hub.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0 with nobody listening", hub.Dropped())
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	t.Parallel()
	// No Run goroutine: the queue fills up and further frames are dropped.
	hub := monitor.New(0, monitor.WithEncoder(&fakeEncoder{}))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	dial(t, srv)

	done := make(chan struct{})
	go func() {
		for range 500 {
			hub.Publish(make([]int16, 160), 8000)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
	if hub.Dropped() == 0 {
		t.Error("expected dropped frames")
	}
}

func TestHub_Disabled(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)
	hub.SetEnabled(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("dial succeeded on a disabled hub")
	}
}

func TestHub_OriginPatterns(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		patterns []string
		origin   string
		wantOK   bool
	}{
		{"no origin header", nil, "", true},
		{"foreign origin rejected", nil, "http://evil.example", false},
		{"allowed by pattern", []string{"*.example.org"}, "https://dash.example.org", true},
		{"pattern does not match", []string{"*.example.org"}, "https://example.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, srv := startHub(t, monitor.WithOriginPatterns(tt.patterns...))

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
			if tt.origin != "" {
				opts.HTTPHeader.Set("Origin", tt.origin)
			}
			url := "ws" + strings.TrimPrefix(srv.URL, "http")
			conn, resp, err := websocket.Dial(ctx, url, opts)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.CloseNow()
				return
			}
			if err == nil {
				conn.CloseNow()
				t.Fatal("dial succeeded from a foreign origin")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %v, want 403", resp)
			}
		})
	}
}

func TestHub_EncodeErrorSkipsFrame(t *testing.T) {
	t.Parallel()
	enc := &fakeEncoder{err: errors.New("bad frame")}
	hub := monitor.New(0, monitor.WithEncoder(enc))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- hub.Run(ctx) }()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	dial(t, srv)
	hub.Publish(make([]int16, 160), 8000)

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHub_CloseDisconnectsListeners(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)
	conn, _ := dial(t, srv)

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("read after Close: err = %v, want going away", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Error("dial succeeded on a closed hub")
	}
}
