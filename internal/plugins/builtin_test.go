package plugins

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExamplePlugin(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		settings    map[string]any
		mention     string
		message     string
		wantMention string
		wantMessage string
		wantPost    string
	}{
		{
			name:        "Defaults",
			mention:     "Hello there",
			message:     "这是插件测试",
			wantMention: exampleGreeting,
			wantMessage: exampleChatReply,
		},
		{
			name:     "Greeting disabled, auto-post enabled",
			settings: map[string]any{"greeting_enabled": false, "auto_post_enabled": true},
			mention:  "你好",
			message:  "只有插件",
			wantPost: exampleAutoPostText,
		},
		{
			name:    "Nothing matches",
			mention: "what's up",
			message: "测试",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := newExamplePlugin("example", config.PluginConfig{Enabled: true, Settings: tt.settings}, Deps{})
			require.NoError(t, err)

			res, err := h.OnMention(ctx, models.Event{Text: tt.mention})
			require.NoError(t, err)
			assertReply(t, tt.wantMention, res)

			res, err = h.OnMessage(ctx, models.Event{Text: tt.message})
			require.NoError(t, err)
			assertReply(t, tt.wantMessage, res)

			res, err = h.OnAutoPost(ctx)
			require.NoError(t, err)
			assertReply(t, tt.wantPost, res)
		})
	}
}

func assertReply(t *testing.T, want string, res *models.PluginResult) {
	t.Helper()
	if want == "" {
		assert.Nil(t, res)
		return
	}
	require.NotNil(t, res)
	assert.True(t, res.Handled)
	assert.Equal(t, want, res.ResponseText)
	assert.Equal(t, "example", res.PluginName)
}

func newTopicsStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTopicsPlugin_RotatesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newTopicsStore(t)
	cfg := config.PluginConfig{Enabled: true, Settings: map[string]any{
		"topics":     []any{"科技", "音乐", "旅行"},
		"start_line": 2,
	}}

	h, err := newTopicsPlugin("topics", cfg, Deps{Store: store})
	require.NoError(t, err)
	require.NoError(t, h.Initialize(ctx))

	res, err := h.OnAutoPost(ctx)
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, "以音乐为主题，", res.PromptPrefix)

	res, _ = h.OnAutoPost(ctx)
	assert.Equal(t, "以旅行为主题，", res.PromptPrefix)

	// a new instance picks up where the last one stopped
	h2, err := newTopicsPlugin("topics", cfg, Deps{Store: store})
	require.NoError(t, err)
	require.NoError(t, h2.Initialize(ctx))
	res, _ = h2.OnAutoPost(ctx)
	assert.Equal(t, "以科技为主题，", res.PromptPrefix)
}

func TestTopicsPlugin_TopicsFile(t *testing.T) {
	ctx := context.Background()
	store := newTopicsStore(t)
	file := filepath.Join(t.TempDir(), "topics.txt")
	require.NoError(t, os.WriteFile(file, []byte("\n天文\n\n历史\n"), 0o644))

	h, err := newTopicsPlugin("topics", config.PluginConfig{Enabled: true, Settings: map[string]any{
		"topics_file":     file,
		"prefix_template": "关于{topic}：",
	}}, Deps{Store: store})
	require.NoError(t, err)
	require.NoError(t, h.Initialize(ctx))

	p := h.(*TopicsPlugin)
	assert.Equal(t, []string{"天文", "历史"}, p.topics)
	res, _ := h.OnAutoPost(ctx)
	assert.Equal(t, "关于天文：", res.PromptPrefix)
}

func TestTopicsPlugin_DefaultTopics(t *testing.T) {
	ctx := context.Background()
	h, err := newTopicsPlugin("topics", config.PluginConfig{Enabled: true}, Deps{Store: newTopicsStore(t)})
	require.NoError(t, err)
	require.NoError(t, h.Initialize(ctx))

	assert.Len(t, h.(*TopicsPlugin).topics, len(defaultTopics))
	assert.Equal(t, "科技", h.(*TopicsPlugin).NextTopic(ctx))
}

func newWeatherServer(t *testing.T, geo string, weatherStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/geo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("appid"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(geo))
	})
	mux.HandleFunc("/weather", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		assert.Equal(t, "zh_cn", r.URL.Query().Get("lang"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(weatherStatus)
		w.Write([]byte(`{"main":{"temp":21.6,"feels_like":20.4,"humidity":40,"pressure":1012},
			"weather":[{"description":"晴"}],"wind":{"speed":3.5},"visibility":10000}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestWeather(t *testing.T, server *httptest.Server) Handler {
	t.Helper()
	h, err := newWeatherPlugin("weather", config.PluginConfig{Enabled: true, Settings: map[string]any{
		"api_key":       "test-key",
		"geocoding_url": server.URL + "/geo",
		"weather_url":   server.URL + "/weather",
	}}, Deps{})
	require.NoError(t, err)
	require.NoError(t, h.Initialize(context.Background()))
	return h
}

func TestWeatherPlugin_Mention(t *testing.T) {
	server := newWeatherServer(t, `[{"name":"Tokyo","lat":35.6,"lon":139.7,"country":"JP"}]`, http.StatusOK)
	h := newTestWeather(t, server)

	res, err := h.OnMention(context.Background(), models.Event{Text: "@bot weather Tokyo", AuthorHandle: "alice"})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Handled)
	assert.Equal(t, "🌤️ Tokyo, JP 的天气:\n"+
		"🌡️ 温度: 22°C (体感 20°C)\n"+
		"💧 湿度: 40%\n"+
		"☁️ 天气: 晴\n"+
		"💨 风速: 3.5 m/s\n"+
		"🌊 气压: 1012 hPa\n"+
		"👁️ 能见度: 10.0 km", res.ResponseText)
}

func TestWeatherPlugin_Failures(t *testing.T) {
	t.Run("Unknown city", func(t *testing.T) {
		h := newTestWeather(t, newWeatherServer(t, `[]`, http.StatusOK))
		res, err := h.OnMessage(context.Background(), models.Event{Text: "天气 Atlantis"})
		require.NoError(t, err)
		assert.Equal(t, "抱歉，找不到城市 'Atlantis' 的位置信息。", res.ResponseText)
	})

	t.Run("Weather service down", func(t *testing.T) {
		h := newTestWeather(t, newWeatherServer(t, `[{"name":"北京","lat":39.9,"lon":116.4}]`, http.StatusServiceUnavailable))
		res, err := h.OnMessage(context.Background(), models.Event{Text: "今天天气"})
		require.NoError(t, err)
		assert.Equal(t, "抱歉，天气服务暂时不可用。", res.ResponseText)
	})

	t.Run("Unrelated message", func(t *testing.T) {
		h := newTestWeather(t, newWeatherServer(t, `[]`, http.StatusOK))
		res, err := h.OnMessage(context.Background(), models.Event{Text: "weather is nice"})
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestWeatherPlugin_NoKeyStaysDisabled(t *testing.T) {
	h, err := newWeatherPlugin("weather", config.PluginConfig{Enabled: true}, Deps{})
	require.NoError(t, err)
	assert.False(t, h.Enabled())
	assert.Error(t, h.Initialize(context.Background()))
}
