package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPlugin is returned when enabling or disabling a name that was never loaded
var ErrUnknownPlugin = errors.New("unknown plugin")

// Outcome is what a hook dispatch produced across all plugins
type Outcome struct {
	// Reply is the first handled result, nil when no plugin claimed the event
	Reply *models.PluginResult
	// PromptPrefix joins the prefixes of every unhandled result seen before Reply
	PromptPrefix string
}

// Handled reports whether a plugin claimed the event
func (o Outcome) Handled() bool { return o.Reply != nil }

// Manager holds the loaded plugins in descending priority order
type Manager struct {
	registry *Registry
	deps     Deps

	mu          sync.RWMutex
	plugins     []Handler
	initialized map[string]bool
}

// NewManager creates an empty manager
func NewManager(registry *Registry, deps Deps) *Manager {
	return &Manager{
		registry:    registry,
		deps:        deps,
		initialized: make(map[string]bool),
	}
}

// Load creates every configured plugin known to the registry and initializes
// the enabled ones. A plugin failing to initialize is kept but disabled.
func (m *Manager) Load(ctx context.Context, cfgs map[string]config.PluginConfig) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h, err := m.registry.Create(name, cfgs[name], m.deps)
		if err != nil {
			logrus.WithField("plugin", name).Warnf("Skipping plugin: %v", err)
			continue
		}
		m.Add(ctx, h)
	}

	enabled := 0
	for _, info := range m.Info() {
		if info.Enabled {
			enabled++
		}
	}
	logrus.Infof("Loaded %d plugins, %d enabled", len(m.Info()), enabled)
}

// Add inserts h at its priority position and initializes it when enabled
func (m *Manager) Add(ctx context.Context, h Handler) {
	m.mu.Lock()
	m.plugins = append(m.plugins, h)
	sort.SliceStable(m.plugins, func(i, j int) bool {
		return m.plugins[i].Priority() > m.plugins[j].Priority()
	})
	m.mu.Unlock()

	if h.Enabled() {
		if err := m.initialize(ctx, h); err != nil {
			h.SetEnabled(false)
		}
	}
}

func (m *Manager) initialize(ctx context.Context, h Handler) error {
	m.mu.RLock()
	done := m.initialized[h.Name()]
	m.mu.RUnlock()
	if done {
		return nil
	}

	log := logrus.WithField("plugin", h.Name())
	if err := guard(func() error { return h.Initialize(ctx) }); err != nil {
		log.Warnf("Plugin failed to initialize: %v", err)
		return err
	}

	m.mu.Lock()
	m.initialized[h.Name()] = true
	m.mu.Unlock()
	log.Debug("Plugin initialized")
	return nil
}

func (m *Manager) snapshot(enabledOnly bool) []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handler, 0, len(m.plugins))
	for _, h := range m.plugins {
		if !enabledOnly || h.Enabled() {
			out = append(out, h)
		}
	}
	return out
}

// OnMention offers a mention to each enabled plugin
func (m *Manager) OnMention(ctx context.Context, ev models.Event) Outcome {
	return m.dispatch("on_mention", func(h Handler) (*models.PluginResult, error) {
		return h.OnMention(ctx, ev)
	})
}

// OnMessage offers a direct message to each enabled plugin
func (m *Manager) OnMessage(ctx context.Context, ev models.Event) Outcome {
	return m.dispatch("on_message", func(h Handler) (*models.PluginResult, error) {
		return h.OnMessage(ctx, ev)
	})
}

// OnAutoPost asks each enabled plugin for auto-post content or a prompt prefix
func (m *Manager) OnAutoPost(ctx context.Context) Outcome {
	return m.dispatch("on_auto_post", func(h Handler) (*models.PluginResult, error) {
		return h.OnAutoPost(ctx)
	})
}

// dispatch walks plugins by descending priority and stops at the first
// handled result. Errors and panics are logged per plugin and skipped.
func (m *Manager) dispatch(hook string, call func(Handler) (*models.PluginResult, error)) Outcome {
	var out Outcome
	var prefixes []string

	for _, h := range m.snapshot(true) {
		log := logrus.WithFields(logrus.Fields{"plugin": h.Name(), "hook": hook})

		var res *models.PluginResult
		err := guard(func() error {
			var err error
			res, err = call(h)
			return err
		})
		if err != nil {
			log.Errorf("Plugin hook failed: %v", err)
			continue
		}
		if res == nil {
			continue
		}
		if res.PluginName == "" {
			res.PluginName = h.Name()
		}
		if res.Handled {
			log.Info("Plugin handled event")
			out.Reply = res
			break
		}
		if res.PromptPrefix != "" {
			prefixes = append(prefixes, res.PromptPrefix)
		}
	}

	out.PromptPrefix = strings.Join(prefixes, "")
	return out
}

// Startup runs OnStartup on every enabled plugin
func (m *Manager) Startup(ctx context.Context) {
	for _, h := range m.snapshot(true) {
		if err := guard(func() error { return h.OnStartup(ctx) }); err != nil {
			logrus.WithField("plugin", h.Name()).Errorf("Plugin startup hook failed: %v", err)
		}
	}
}

// Shutdown runs OnShutdown on enabled plugins, then Cleanup on every initialized one
func (m *Manager) Shutdown(ctx context.Context) {
	for _, h := range m.snapshot(true) {
		if err := guard(func() error { return h.OnShutdown(ctx) }); err != nil {
			logrus.WithField("plugin", h.Name()).Errorf("Plugin shutdown hook failed: %v", err)
		}
	}

	for _, h := range m.snapshot(false) {
		m.mu.RLock()
		done := m.initialized[h.Name()]
		m.mu.RUnlock()
		if !done {
			continue
		}
		if err := guard(func() error { return h.Cleanup(ctx) }); err != nil {
			logrus.WithField("plugin", h.Name()).Errorf("Plugin cleanup failed: %v", err)
		}
	}
}

// Info lists the loaded plugins in dispatch order
func (m *Manager) Info() []Info {
	handlers := m.snapshot(false)
	out := make([]Info, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, Info{
			Name:        h.Name(),
			Description: h.Description(),
			Priority:    h.Priority(),
			Enabled:     h.Enabled(),
		})
	}
	return out
}

// Enable turns a loaded plugin on, initializing it first if it never was
func (m *Manager) Enable(ctx context.Context, name string) error {
	h := m.find(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if err := m.initialize(ctx, h); err != nil {
		return fmt.Errorf("failed to enable plugin %s: %w", name, err)
	}
	h.SetEnabled(true)
	return nil
}

// Disable turns a loaded plugin off
func (m *Manager) Disable(name string) error {
	h := m.find(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	h.SetEnabled(false)
	return nil
}

func (m *Manager) find(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.plugins {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// guard converts a panic inside fn into an error
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
