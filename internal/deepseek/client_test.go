package deepseek

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChatService implements chatService for testing
type mockChatService struct {
	resp  *openai.ChatCompletion
	err   error
	calls int
	last  openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	m.last = body
	return m.resp, m.err
}

func noSleepPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

var helloMessages = []models.ChatMessage{
	{Role: models.RoleSystem, Content: "be nice"},
	{Role: models.RoleUser, Content: "hello"},
}

func TestComplete_Success(t *testing.T) {
	svc := &mockChatService{resp: completion("  Hi!  ")}
	client := &Client{chat: svc, model: "deepseek-chat", policy: noSleepPolicy()}

	text, err := client.Complete(context.Background(), helloMessages, 300, 0.7)

	require.NoError(t, err)
	assert.Equal(t, "Hi!", text)
	assert.Equal(t, 1, svc.calls)
	assert.Len(t, svc.last.Messages, 2)
	assert.Equal(t, int64(300), svc.last.MaxTokens.Value)
}

func TestComplete_Validation(t *testing.T) {
	tests := []struct {
		name        string
		messages    []models.ChatMessage
		maxTokens   int
		temperature float64
	}{
		{"No messages", nil, 100, 0.5},
		{"Zero tokens", helloMessages, 0, 0.5},
		{"Temperature too high", helloMessages, 100, 2.1},
		{"Negative temperature", helloMessages, 100, -0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockChatService{resp: completion("unused")}
			client := &Client{chat: svc, model: "deepseek-chat", policy: noSleepPolicy()}

			_, err := client.Complete(context.Background(), tt.messages, tt.maxTokens, tt.temperature)

			require.Error(t, err)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
			assert.Equal(t, 0, svc.calls)
		})
	}
}

func TestComplete_NoChoices(t *testing.T) {
	svc := &mockChatService{resp: &openai.ChatCompletion{}}
	client := &Client{chat: svc, model: "deepseek-chat", policy: noSleepPolicy()}

	_, err := client.Complete(context.Background(), helloMessages, 100, 0.5)

	assert.ErrorIs(t, err, ErrNoChoices)
	assert.Equal(t, 1, svc.calls)
}

func TestComplete_StatusMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectedKind  errs.Kind
		expectedCalls int32
	}{
		{"Unauthorized", http.StatusUnauthorized, errs.Authentication, 1},
		{"Bad request", http.StatusBadRequest, errs.Validation, 1},
		{"Rate limited", http.StatusTooManyRequests, errs.RateLimit, 3},
		{"Server error", http.StatusInternalServerError, errs.UpstreamUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				io.Copy(io.Discard, r.Body)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			}))
			defer server.Close()

			client := NewClient("sk-test-0123456789", server.URL, "deepseek-chat", 5*time.Second, noSleepPolicy())
			_, err := client.Complete(context.Background(), helloMessages, 100, 0.5)

			require.Error(t, err)
			assert.Equal(t, tt.expectedKind, errs.KindOf(err))
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestComplete_OverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-0123456789", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deepseek-chat", body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"deepseek-chat",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi!"}}]}`))
	}))
	defer server.Close()

	client := NewClient("sk-test-0123456789", server.URL, "", 5*time.Second, noSleepPolicy())
	text, err := client.Complete(context.Background(), helloMessages, 100, 0.5)

	require.NoError(t, err)
	assert.Equal(t, "Hi!", text)
}
