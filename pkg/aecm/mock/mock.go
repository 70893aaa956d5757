// Package mock provides an in-memory [aecm.Engine] for unit tests.
//
// The mock records every call in order, counts handle allocations and
// releases, and exposes exported error fields the test can set to force
// failures. It is safe for concurrent use.
//
// Typical usage:
//
//	eng := &mock.Engine{}
//	s := session.New(eng)
//	s.Prepare()
//	if eng.Allocs() != eng.Releases()+1 { ... }
package mock

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
)

// ErrUnknownHandle is returned when a call names a handle the mock never
// allocated or already released.
var ErrUnknownHandle = errors.New("mock: unknown handle")

// Call is one recorded engine invocation.
type Call struct {
	// Method is the engine method name, e.g. "Allocate" or "Process".
	Method string

	// Handle is the handle the call targeted (InvalidHandle for Allocate).
	Handle aecm.Handle

	// Freq is set for Initialize.
	Freq aecm.SamplingFrequency

	// Config is set for SetConfig.
	Config aecm.Config

	// N and Delay are set for BufferFarend and Process.
	N, Delay int16

	// Samples is a copy of the farend or noisy input.
	Samples []int16

	// CleanNil reports whether Process received a nil clean frame.
	CleanNil bool
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [aecm.Engine].
//
// By default Process returns a copy of the noisy input with every sample
// halved, so tests can tell cancelled output from the raw frame.
type Engine struct {
	mu sync.Mutex

	// AllocateError is returned by Allocate when non-nil.
	AllocateError error

	// InitializeError is returned by Initialize when non-nil.
	InitializeError error

	// SetConfigError is returned by SetConfig when non-nil.
	SetConfigError error

	// BufferFarendError is returned by BufferFarend when non-nil.
	BufferFarendError error

	// ProcessError is returned by Process when non-nil.
	ProcessError error

	// ProcessFunc, when set, replaces the default Process behaviour.
	ProcessFunc func(noisy, clean []int16, n, delay int16) ([]int16, error)

	next     aecm.Handle
	live     map[aecm.Handle]bool
	allocs   int
	releases int
	calls    []Call
}

func (e *Engine) record(c Call) {
	e.calls = append(e.calls, c)
}

func (e *Engine) checkLive(h aecm.Handle) error {
	if !e.live[h] {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return nil
}

// Allocate implements [aecm.Engine].
func (e *Engine) Allocate() (aecm.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Allocate", Handle: aecm.InvalidHandle})
	if e.AllocateError != nil {
		return aecm.InvalidHandle, e.AllocateError
	}
	if e.live == nil {
		e.live = make(map[aecm.Handle]bool)
	}
	e.next++
	h := e.next
	e.live[h] = true
	e.allocs++
	return h, nil
}

// Release implements [aecm.Engine].
func (e *Engine) Release(h aecm.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Release", Handle: h})
	if err := e.checkLive(h); err != nil {
		return err
	}
	delete(e.live, h)
	e.releases++
	return nil
}

// Initialize implements [aecm.Engine].
func (e *Engine) Initialize(h aecm.Handle, freq aecm.SamplingFrequency) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Initialize", Handle: h, Freq: freq})
	if err := e.checkLive(h); err != nil {
		return err
	}
	return e.InitializeError
}

// SetConfig implements [aecm.Engine].
func (e *Engine) SetConfig(h aecm.Handle, cfg aecm.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "SetConfig", Handle: h, Config: cfg})
	if err := e.checkLive(h); err != nil {
		return err
	}
	return e.SetConfigError
}

// BufferFarend implements [aecm.Engine].
func (e *Engine) BufferFarend(h aecm.Handle, farend []int16, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "BufferFarend", Handle: h, N: int16(n), Samples: slices.Clone(farend)})
	if err := e.checkLive(h); err != nil {
		return err
	}
	return e.BufferFarendError
}

// Process implements [aecm.Engine].
func (e *Engine) Process(h aecm.Handle, noisy, clean []int16, n, delay int16) ([]int16, error) {
	e.mu.Lock()
	e.record(Call{
		Method:   "Process",
		Handle:   h,
		N:        n,
		Delay:    delay,
		Samples:  slices.Clone(noisy),
		CleanNil: clean == nil,
	})
	if err := e.checkLive(h); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if e.ProcessError != nil {
		err := e.ProcessError
		e.mu.Unlock()
		return nil, err
	}
	fn := e.ProcessFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(noisy, clean, n, delay)
	}
	count := max(int(n), 0)
	count = min(count, len(noisy))
	out := make([]int16, count)
	for i := range out {
		out[i] = noisy[i] / 2
	}
	return out, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// Allocs returns the number of successful allocations.
func (e *Engine) Allocs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocs
}

// Releases returns the number of successful releases.
func (e *Engine) Releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}

// LiveHandles returns the number of allocated, unreleased handles.
func (e *Engine) LiveHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Calls returns a copy of every recorded call, in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Methods returns the method names of every recorded call, in order.
func (e *Engine) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how many times method was called.
func (e *Engine) CallCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears the call log without touching handle state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
