package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPlugin records hook calls and returns canned results
type stubPlugin struct {
	*Base
	result    *models.PluginResult
	err       error
	panicWith any
	initErr   error

	mentionCalls int
	cleanups     int
}

func newStub(name string, priority int, result *models.PluginResult) *stubPlugin {
	return &stubPlugin{
		Base:   NewBase(name, "stub", config.PluginConfig{Enabled: true, Priority: priority}),
		result: result,
	}
}

func (s *stubPlugin) Initialize(ctx context.Context) error { return s.initErr }

func (s *stubPlugin) Cleanup(ctx context.Context) error {
	s.cleanups++
	return nil
}

func (s *stubPlugin) OnMention(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	s.mentionCalls++
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.result, s.err
}

func (s *stubPlugin) OnAutoPost(ctx context.Context) (*models.PluginResult, error) {
	return s.result, s.err
}

func newTestManager() *Manager {
	return NewManager(NewRegistry(), Deps{})
}

var helloEvent = models.Event{ID: "n1", Kind: models.KindMention, Text: "hello", AuthorID: "u1"}

func TestManager_HigherPriorityWins(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	low := newStub("low", 5, &models.PluginResult{Handled: true, ResponseText: "from low"})
	high := newStub("high", 10, &models.PluginResult{Handled: true, ResponseText: "from high"})
	m.Add(ctx, low)
	m.Add(ctx, high)

	out := m.OnMention(ctx, helloEvent)

	require.True(t, out.Handled())
	assert.Equal(t, "from high", out.Reply.ResponseText)
	assert.Equal(t, "high", out.Reply.PluginName)
	assert.Equal(t, 1, high.mentionCalls)
	assert.Equal(t, 0, low.mentionCalls)
}

func TestManager_FailingPluginsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	panicky := newStub("panicky", 30, nil)
	panicky.panicWith = "boom"
	failing := newStub("failing", 20, nil)
	failing.err = errors.New("nope")
	working := newStub("working", 10, &models.PluginResult{Handled: true, ResponseText: "ok"})
	m.Add(ctx, panicky)
	m.Add(ctx, failing)
	m.Add(ctx, working)

	out := m.OnMention(ctx, helloEvent)

	require.True(t, out.Handled())
	assert.Equal(t, "ok", out.Reply.ResponseText)
	assert.Equal(t, 1, panicky.mentionCalls)
	assert.Equal(t, 1, failing.mentionCalls)
}

func TestManager_PromptPrefixesFoldIn(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	m.Add(ctx, newStub("a", 10, &models.PluginResult{PromptPrefix: "以科技为主题，"}))
	m.Add(ctx, newStub("b", 5, &models.PluginResult{PromptPrefix: "简短地"}))
	m.Add(ctx, newStub("c", 1, nil))

	out := m.OnAutoPost(ctx)

	assert.False(t, out.Handled())
	assert.Equal(t, "以科技为主题，简短地", out.PromptPrefix)
}

func TestManager_DisabledPluginsAreSkipped(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	p := newStub("p", 10, &models.PluginResult{Handled: true, ResponseText: "hi"})
	m.Add(ctx, p)
	require.NoError(t, m.Disable("p"))

	out := m.OnMention(ctx, helloEvent)
	assert.False(t, out.Handled())
	assert.Equal(t, 0, p.mentionCalls)

	require.NoError(t, m.Enable(ctx, "p"))
	out = m.OnMention(ctx, helloEvent)
	assert.True(t, out.Handled())

	assert.ErrorIs(t, m.Disable("missing"), ErrUnknownPlugin)
	assert.ErrorIs(t, m.Enable(ctx, "missing"), ErrUnknownPlugin)
}

func TestManager_InitializeFailureDisables(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	p := newStub("broken", 10, &models.PluginResult{Handled: true, ResponseText: "hi"})
	p.initErr = errors.New("missing credentials")
	m.Add(ctx, p)

	assert.False(t, p.Enabled())
	assert.Error(t, m.Enable(ctx, "broken"))
	assert.False(t, p.Enabled())

	m.Shutdown(ctx)
	assert.Equal(t, 0, p.cleanups)
}

func TestManager_ShutdownCleansInitialized(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	p := newStub("p", 1, nil)
	m.Add(ctx, p)
	m.Shutdown(ctx)

	assert.Equal(t, 1, p.cleanups)
}

func TestManager_LoadFromConfig(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	m.Load(ctx, map[string]config.PluginConfig{
		"example": {Enabled: true, Priority: 10},
		"weather": {Enabled: true, Priority: 20}, // no api key, ends up disabled
		"unknown": {Enabled: true},
	})

	info := m.Info()
	require.Len(t, info, 2)
	assert.Equal(t, "weather", info[0].Name)
	assert.False(t, info[0].Enabled)
	assert.Equal(t, "example", info[1].Name)
	assert.True(t, info[1].Enabled)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"example", "topics", "weather"}, r.Names())

	r.Register("custom", func(name string, cfg config.PluginConfig, deps Deps) (Handler, error) {
		return newStub(name, cfg.Priority, nil), nil
	})
	h, err := r.Create("custom", config.PluginConfig{Priority: 3}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Priority())

	_, err = r.Create("nope", config.PluginConfig{}, Deps{})
	assert.Error(t, err)

	_, err = r.Create("topics", config.PluginConfig{}, Deps{})
	assert.Error(t, err, "topics requires a store")
}
