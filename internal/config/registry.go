package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/llm"
	"github.com/MrWong99/voicetutor/pkg/provider/stt"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

// ErrProviderNotRegistered means a providers entry names a backend nothing
// registered a factory for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name table for one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: map[string]Factory[T]{}}
}

func (f factories[T]) build(entry ProviderEntry) (T, error) {
	build, ok := f.byName[entry.Name]
	if !ok {
		var zero T
		known := slices.Sorted(maps.Keys(f.byName))
		return zero, fmt.Errorf("%w: %s %q (known: %s)", ErrProviderNotRegistered, f.kind, entry.Name, strings.Join(known, ", "))
	}
	p, err := build(entry)
	if err != nil {
		return p, fmt.Errorf("config: %s provider %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry resolves providers entries to constructors. Registering a name
// twice replaces the earlier factory. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
		tts: newFactories[tts.Provider]("tts"),
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	r.stt.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	r.tts.byName[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the language model named by entry. Unknown names wrap
// [ErrProviderNotRegistered].
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.build(entry)
}

// CreateSTT builds the recognizer named by entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.build(entry)
}

// CreateTTS builds the synthesizer named by entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.build(entry)
}
