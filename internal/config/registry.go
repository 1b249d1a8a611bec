package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SessionFactory builds a speech-to-speech provider from a config snapshot.
type SessionFactory func(cfg *Config) (s2s.Provider, error)

// CaptureFactory builds a capture source from a config snapshot.
type CaptureFactory func(cfg *Config) (capture.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	session map[string]SessionFactory
	capture map[string]CaptureFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		session: make(map[string]SessionFactory),
		capture: make(map[string]CaptureFactory),
	}
}

// RegisterSession registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSession(name string, factory SessionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session[name] = factory
}

// RegisterCapture registers a capture source factory under name.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateSession instantiates the provider named by cfg.Session.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSession(cfg *Config) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.session[cfg.Session.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session/%q", ErrProviderNotRegistered, cfg.Session.Provider)
	}
	return factory(cfg)
}

// CreateCapture instantiates the capture source named by cfg.Capture.Device.
func (r *Registry) CreateCapture(cfg *Config) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture.Device)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("session" or "capture").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "session":
		for n := range r.session {
			names = append(names, n)
		}
	case "capture":
		for n := range r.capture {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}

// SessionConfig builds the per-invocation session config from the session
// section. Audio is the only requested modality.
func (c *Config) SessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:       c.Session.Model,
		Modalities:  []s2s.Modality{s2s.ModalityAudio},
		Instruction: c.Session.Instruction,
		Voice:       c.Session.Voice,
		InputSpec:   audio.WireSpec,
	}
}

// CaptureSpec returns the device format requested by the capture section.
func (c *Config) CaptureSpec() audio.StreamSpec {
	return audio.StreamSpec{
		Channels:   c.Capture.Channels,
		SampleRate: c.Capture.SampleRate,
		Format:     audio.FormatS16LE,
	}
}
