package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	"github.com/shannonbay/android-webrtc-aecm/pkg/audio"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// AudioPorts is the capture source and sink pair an audio backend provides.
type AudioPorts struct {
	Capture audio.CaptureSource
	Sink    audio.Sink
}

// Registry maps engine and audio backend names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]func(AECMConfig) (aecm.Engine, error)
	audio   map[string]func(AudioConfig) (AudioPorts, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]func(AECMConfig) (aecm.Engine, error)),
		audio:   make(map[string]func(AudioConfig) (AudioPorts, error)),
	}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory func(AECMConfig) (aecm.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (AudioPorts, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateEngine instantiates the engine registered under cfg.Engine.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEngine(cfg AECMConfig) (aecm.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateAudio instantiates the audio backend registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioPorts, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioPorts{}, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Engines returns the registered engine names in sorted order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
