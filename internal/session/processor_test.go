package session_test

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/shannonbay/android-webrtc-aecm/internal/session"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm/mock"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm/nlms"
)

func newProcessor(t *testing.T, prepare bool) (*session.Processor, *mock.Engine) {
	t.Helper()
	eng := &mock.Engine{}
	s := session.New(eng)
	if prepare {
		s.Prepare()
	}
	t.Cleanup(s.Close)
	eng.Reset()
	return session.NewProcessor(s), eng
}

func TestBufferFarendNotPrepared(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, false)
	err := p.BufferFarend(make([]int16, 160), 160)
	if !errors.Is(err, session.ErrNotPrepared) {
		t.Fatalf("err = %v, want ErrNotPrepared", err)
	}
	if len(eng.Calls()) != 0 {
		t.Errorf("engine calls = %v, want none", eng.Methods())
	}
}

func TestBufferFarendRejectsBadLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		frameLen int
		length   int
	}{
		{"unsupported block", 100, 100},
		{"zero", 0, 0},
		{"mismatch", 80, 160},
		{"negative", 80, -80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, eng := newProcessor(t, true)
			err := p.BufferFarend(make([]int16, tt.frameLen), tt.length)
			if !errors.Is(err, session.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
			if n := eng.CallCount("BufferFarend"); n != 0 {
				t.Errorf("engine BufferFarend calls = %d, want 0", n)
			}
		})
	}
}

func TestBufferFarendForwards(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	frame := make([]int16, 80)
	frame[3] = 1234
	if err := p.BufferFarend(frame, 80); err != nil {
		t.Fatalf("BufferFarend: %v", err)
	}
	calls := eng.Calls()
	if len(calls) != 1 || calls[0].Method != "BufferFarend" {
		t.Fatalf("calls = %v", eng.Methods())
	}
	if calls[0].N != 80 || calls[0].Samples[3] != 1234 {
		t.Errorf("forwarded n=%d sample=%d", calls[0].N, calls[0].Samples[3])
	}
}

func TestBufferFarendEngineFailure(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	eng.BufferFarendError = errors.New("native -1")
	err := p.BufferFarend(make([]int16, 160), 160)
	if !errors.Is(err, session.ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}
}

func TestCancelEchoNotPrepared(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, false)
	out, err := p.CancelEcho(make([]int16, 80), nil, 80, 20)
	if !errors.Is(err, session.ErrNotPrepared) {
		t.Fatalf("err = %v, want ErrNotPrepared", err)
	}
	if out != nil {
		t.Errorf("out = %v, want nil", out)
	}
	if eng.CallCount("Process") != 0 {
		t.Error("engine Process called on unprepared session")
	}
}

func TestCancelEchoAfterClose(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	p.Session().Close()
	eng.Reset()

	if _, err := p.CancelEcho(make([]int16, 80), nil, 80, 20); !errors.Is(err, session.ErrNotPrepared) {
		t.Fatalf("err = %v, want ErrNotPrepared", err)
	}
	if len(eng.Calls()) != 0 {
		t.Errorf("engine calls after close = %v", eng.Methods())
	}
}

func TestCancelEchoReturnsEngineOutput(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	noisy := []int16{100, -200, 300, -400}
	noisy = append(noisy, make([]int16, 76)...)

	out, err := p.CancelEcho(noisy, nil, 80, 20)
	if err != nil {
		t.Fatalf("CancelEcho: %v", err)
	}
	if want := []int16{50, -100, 150, -200}; !slices.Equal(out[:4], want) {
		t.Errorf("out[:4] = %v, want %v", out[:4], want)
	}
	c := eng.Calls()[0]
	if !c.CleanNil {
		t.Error("clean frame forwarded as non-nil")
	}
	if c.N != 80 || c.Delay != 20 {
		t.Errorf("forwarded n=%d delay=%d, want 80, 20", c.N, c.Delay)
	}
}

func TestCancelEchoSaturates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		n, delay  int
		wantN     int16
		wantDelay int16
	}{
		{"in range", 160, 35, 160, 35},
		{"delay high", 160, 1 << 20, 160, math.MaxInt16},
		{"delay low", 160, -(1 << 20), 160, math.MinInt16},
		{"samples high", 1 << 20, 0, math.MaxInt16, 0},
		{"samples low", -(1 << 20), 0, math.MinInt16, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, eng := newProcessor(t, true)
			eng.ProcessFunc = func(noisy, clean []int16, n, delay int16) ([]int16, error) {
				return make([]int16, max(int(n), 0)), nil
			}
			if _, err := p.CancelEcho(make([]int16, 160), nil, tt.n, tt.delay); err != nil {
				t.Fatalf("CancelEcho: %v", err)
			}
			c := eng.Calls()[0]
			if c.N != tt.wantN || c.Delay != tt.wantDelay {
				t.Errorf("forwarded n=%d delay=%d, want %d, %d", c.N, c.Delay, tt.wantN, tt.wantDelay)
			}
		})
	}
}

func TestCancelEchoEngineFailure(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	eng.ProcessError = errors.New("native null")
	if _, err := p.CancelEcho(make([]int16, 80), nil, 80, 0); !errors.Is(err, session.ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}

	eng.ProcessError = nil
	eng.ProcessFunc = func(noisy, clean []int16, n, delay int16) ([]int16, error) {
		return nil, nil
	}
	if _, err := p.CancelEcho(make([]int16, 80), nil, 80, 0); !errors.Is(err, session.ErrEngineFailure) {
		t.Fatalf("short result: err = %v, want ErrEngineFailure", err)
	}
}

func TestFarendPrecedesCancel(t *testing.T) {
	t.Parallel()

	p, eng := newProcessor(t, true)
	frame := make([]int16, 160)
	for range 3 {
		if err := p.BufferFarend(frame, 160); err != nil {
			t.Fatal(err)
		}
		if _, err := p.CancelEcho(frame, frame, 160, 10); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"BufferFarend", "Process", "BufferFarend", "Process", "BufferFarend", "Process"}
	if got := eng.Methods(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if eng.Calls()[1].CleanNil {
		t.Error("clean frame dropped")
	}
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		freq aecm.SamplingFrequency
		mode aecm.AggressiveMode
	}{
		{"8 kHz high", aecm.FS8000, aecm.High},
		{"16 kHz high", aecm.FS16000, aecm.High},
		{"16 kHz most aggressive", aecm.FS16000, aecm.MostAggressive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := session.New(nlms.New())
			t.Cleanup(s.Close)
			if s.SetSamplingFrequency(tt.freq, session.Deferred()) {
				t.Fatalf("frequency %v fell back to the default", tt.freq)
			}
			if s.SetAggressiveness(tt.mode, session.Deferred()) {
				t.Fatalf("mode %v fell back to the default", tt.mode)
			}
			p := session.NewProcessor(s)

			ref := make([]int16, 80)
			noisy := make([]int16, 80)
			for i := range ref {
				ref[i] = int16(1000 * math.Sin(float64(i)/4))
				noisy[i] = ref[i]/2 + int16(i)
			}

			if err := p.BufferFarend(ref, 80); !errors.Is(err, session.ErrNotPrepared) {
				t.Fatalf("BufferFarend before Prepare = %v, want ErrNotPrepared", err)
			}
			if _, err := p.CancelEcho(noisy, nil, 80, 20); !errors.Is(err, session.ErrNotPrepared) {
				t.Fatalf("CancelEcho before Prepare = %v, want ErrNotPrepared", err)
			}

			if !s.Prepare().Ready() {
				t.Fatal("session not ready after Prepare")
			}
			if got := s.SamplingFrequency(); got != tt.freq {
				t.Errorf("SamplingFrequency() = %v, want %v", got, tt.freq)
			}
			if got := s.Config(); got.Mode != tt.mode || !got.ComfortNoise {
				t.Errorf("Config() = %+v, want mode %v with comfort noise", got, tt.mode)
			}

			if err := p.BufferFarend(ref, 80); err != nil {
				t.Fatalf("BufferFarend: %v", err)
			}
			out, err := p.CancelEcho(noisy, nil, 80, 20)
			if err != nil {
				t.Fatalf("CancelEcho: %v", err)
			}
			if len(out) != 80 {
				t.Errorf("CancelEcho returned %d samples, want 80", len(out))
			}
		})
	}
}
