// Package plugins provides the extension points offered to intercept mentions,
// direct messages and auto-posts before they reach the completion API.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/sirupsen/logrus"
)

// Deps are the shared resources handed to plugin factories
type Deps struct {
	Store TableStore
	HTTP  *resty.Client
}

// Factory creates a plugin from its config section
type Factory func(name string, cfg config.PluginConfig, deps Deps) (Handler, error)

// Registry maps plugin names to factory functions
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in plugins registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.registerDefaultFactories()
	return r
}

func (r *Registry) registerDefaultFactories() {
	r.factories["example"] = newExamplePlugin
	r.factories["topics"] = newTopicsPlugin
	r.factories["weather"] = newWeatherPlugin
	logrus.Debugf("Plugin registry registered %d default factories", len(r.factories))
}

// Register adds or replaces a factory
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the plugin registered under name
func (r *Registry) Create(name string, cfg config.PluginConfig, deps Deps) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no plugin registered as %q", name)
	}
	h, err := factory(name, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin %s: %w", name, err)
	}
	return h, nil
}

// Names returns the registered plugin names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
