package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// CaptureFactory builds a capture source reporting to l.
type CaptureFactory func(entry ProviderEntry, l capture.Listener) (capture.Source, error)

// FocusFactory builds a focus arbiter reporting to l.
type FocusFactory func(entry ProviderEntry, l focus.Listener) (focus.Arbiter, error)

// TTSFactory builds a synthesis backend.
type TTSFactory func(entry ProviderEntry) (tts.Provider, error)

// SinkFactory builds the playback sink speech is written to.
type SinkFactory func(entry ProviderEntry) (audio.Sink, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]CaptureFactory
	tts     map[string]TTSFactory
	focus   map[string]FocusFactory
	sink    map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]CaptureFactory),
		tts:     make(map[string]TTSFactory),
		focus:   make(map[string]FocusFactory),
		sink:    make(map[string]SinkFactory),
	}
}

// RegisterCapture registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterFocus registers a focus arbiter factory under name.
func (r *Registry) RegisterFocus(name string, factory FocusFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus[name] = factory
}

// RegisterSink registers a playback sink factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[name] = factory
}

// CreateCapture instantiates a capture source using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCapture(entry ProviderEntry, l capture.Listener) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, l)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateFocus instantiates a focus arbiter using the factory registered under entry.Name.
func (r *Registry) CreateFocus(entry ProviderEntry, l focus.Listener) (focus.Arbiter, error) {
	r.mu.RLock()
	factory, ok := r.focus[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: focus/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, l)
}

// CreateSink instantiates a playback sink using the factory registered under entry.Name.
func (r *Registry) CreateSink(entry ProviderEntry) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sink[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind ("capture",
// "tts", "focus" or "sink").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "capture":
		for k := range r.capture {
			names = append(names, k)
		}
	case "tts":
		for k := range r.tts {
			names = append(names, k)
		}
	case "focus":
		for k := range r.focus {
			names = append(names, k)
		}
	case "sink":
		for k := range r.sink {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}
