package plugins

import (
	"context"
	"sync/atomic"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// Handler is an extension that can intercept events before generation.
// Hooks return a nil result when they have nothing to contribute.
type Handler interface {
	Name() string
	Description() string
	Priority() int
	Enabled() bool
	SetEnabled(enabled bool)

	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	OnMention(ctx context.Context, ev models.Event) (*models.PluginResult, error)
	OnMessage(ctx context.Context, ev models.Event) (*models.PluginResult, error)
	OnAutoPost(ctx context.Context) (*models.PluginResult, error)
	OnStartup(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// TableStore is the slice of the dedup store plugins may use for their own tables
type TableStore interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryInt(ctx context.Context, query string, args ...any) (int64, bool, error)
}

// Base carries name, priority and the enabled flag, and provides no-op hooks.
// Concrete plugins embed it and override what they need.
type Base struct {
	name        string
	description string
	priority    int
	enabled     atomic.Bool
}

// NewBase builds a Base from the plugin's config section
func NewBase(name, description string, cfg config.PluginConfig) *Base {
	b := &Base{name: name, description: description, priority: cfg.Priority}
	b.enabled.Store(cfg.Enabled)
	return b
}

func (b *Base) Name() string        { return b.name }
func (b *Base) Description() string { return b.description }
func (b *Base) Priority() int       { return b.priority }
func (b *Base) Enabled() bool       { return b.enabled.Load() }

func (b *Base) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
	logrus.WithField("plugin", b.name).Infof("Plugin enabled=%t", enabled)
}

func (b *Base) Initialize(ctx context.Context) error { return nil }
func (b *Base) Cleanup(ctx context.Context) error    { return nil }

func (b *Base) OnMention(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	return nil, nil
}

func (b *Base) OnMessage(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	return nil, nil
}

func (b *Base) OnAutoPost(ctx context.Context) (*models.PluginResult, error) { return nil, nil }
func (b *Base) OnStartup(ctx context.Context) error                         { return nil }
func (b *Base) OnShutdown(ctx context.Context) error                        { return nil }

// reply builds a handled result carrying text
func (b *Base) reply(text string) *models.PluginResult {
	return &models.PluginResult{Handled: true, ResponseText: text, PluginName: b.name}
}

// prefix builds an unhandled result that folds text into the generation prompt
func (b *Base) prefix(text string) *models.PluginResult {
	return &models.PluginResult{PromptPrefix: text, PluginName: b.name}
}

// Info describes a loaded plugin
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}
