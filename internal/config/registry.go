package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateSpeech] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SpeechFactory builds a speech provider from its configuration entry.
type SpeechFactory func(ProviderEntry) (s2s.Provider, error)

// Registry maps speech provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	speech map[string]SpeechFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{speech: make(map[string]SpeechFactory)}
}

// RegisterSpeech registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeech(name string, factory SpeechFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateSpeech instantiates a speech provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create speech provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// SpeechNames returns the registered provider names in sorted order.
func (r *Registry) SpeechNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.speech))
	for n := range r.speech {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
