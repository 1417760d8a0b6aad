package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory builds a capture source. It receives the whole audio block
// because sources need the window format and chunk size besides their entry.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]func(ProviderEntry) (stt.Engine, error)
	sources map[string]SourceFactory
	vad     map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]func(ProviderEntry) (stt.Engine, error)),
		sources: make(map[string]SourceFactory),
		vad:     make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterEngine registers a speech-to-text engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory func(ProviderEntry) (stt.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSource registers a capture source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateEngine instantiates a speech-to-text engine using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateEngine(entry ProviderEntry) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates the capture source named by cfg.Source.Name.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Source.Name)
	}
	return factory(cfg)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names per kind ("stt", "source", "vad").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"stt":    sortedKeys(r.engines),
		"source": sortedKeys(r.sources),
		"vad":    sortedKeys(r.vad),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from a provider Options map. YAML decodes
// integers as int; floats with no fraction are accepted too.
func OptInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// OptFloat extracts a numeric value from a provider Options map.
func OptFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// OptStrings extracts a list of strings from a provider Options map. Non-string
// elements are skipped.
func OptStrings(opts map[string]any, key string) []string {
	raw, _ := opts[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
