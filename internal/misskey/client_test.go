package misskey

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newTestServer(t *testing.T, handler func(endpoint string, body map[string]any) (int, any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-token", body["i"])

		status, out := handler(r.URL.Path[len("/api/"):], body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if out != nil {
			json.NewEncoder(w).Encode(out)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClient_PostNote(t *testing.T) {
	var got map[string]any
	server := newTestServer(t, func(endpoint string, body map[string]any) (int, any) {
		assert.Equal(t, "notes/create", endpoint)
		got = body
		return http.StatusOK, map[string]any{"createdNote": map[string]any{"id": "note-1"}}
	})

	client := NewClient(server.URL+"/", "test-token", 5*time.Second, testPolicy())
	receipt, err := client.PostNote(context.Background(), "hello", "home", "n1")

	require.NoError(t, err)
	assert.Equal(t, "note-1", receipt.ID)
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "home", got["visibility"])
	assert.Equal(t, "n1", got["replyId"])
}

func TestClient_FetchMentions(t *testing.T) {
	server := newTestServer(t, func(endpoint string, body map[string]any) (int, any) {
		assert.Equal(t, "notes/mentions", endpoint)
		assert.Equal(t, float64(10), body["limit"])
		return http.StatusOK, []map[string]any{
			{"id": "n1", "text": "@bot hi", "createdAt": "2026-10-15T08:00:00.000Z", "user": map[string]any{"id": "u1", "username": "alice"}},
		}
	})

	client := NewClient(server.URL, "test-token", 5*time.Second, testPolicy())
	events, err := client.FetchMentions(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "n1", events[0].ID)
	assert.Equal(t, "u1", events[0].AuthorID)
	assert.Equal(t, "alice", events[0].AuthorHandle)
	assert.Equal(t, "poll", events[0].Source)
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestClient_FetchRecentChatMessagesAndHistory(t *testing.T) {
	server := newTestServer(t, func(endpoint string, body map[string]any) (int, any) {
		switch endpoint {
		case "messaging/history":
			return http.StatusOK, []map[string]any{{"id": "m1", "content": "yo", "fromUserId": "u2"}}
		case "messaging/messages":
			assert.Equal(t, "u2", body["userId"])
			return http.StatusOK, []map[string]any{
				{"id": "m1", "userId": "u2", "text": "yo"},
				{"id": "m0", "userId": "bot", "text": "earlier"},
			}
		}
		return http.StatusNotFound, nil
	})

	client := NewClient(server.URL, "test-token", 5*time.Second, testPolicy())

	events, err := client.FetchRecentChatMessages(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "yo", events[0].Text)
	assert.Equal(t, "u2", events[0].AuthorID)

	history, err := client.FetchMessageHistory(context.Background(), "u2", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "bot", history[1].UserID)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectedKind  errs.Kind
		expectedCalls int32
	}{
		{"Unauthorized is not retried", http.StatusUnauthorized, errs.Authentication, 1},
		{"Bad request is not retried", http.StatusBadRequest, errs.Validation, 1},
		{"Rate limit is retried", http.StatusTooManyRequests, errs.RateLimit, 3},
		{"Bad gateway is retried", http.StatusBadGateway, errs.UpstreamUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := newTestServer(t, func(string, map[string]any) (int, any) {
				atomic.AddInt32(&calls, 1)
				return tt.status, map[string]any{"error": "nope"}
			})

			client := NewClient(server.URL, "test-token", 5*time.Second, testPolicy())
			_, err := client.GetSelfIdentity(context.Background())

			require.Error(t, err)
			assert.Equal(t, tt.expectedKind, errs.KindOf(err))
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestClient_RetryThenSuccess(t *testing.T) {
	var calls int32
	server := newTestServer(t, func(string, map[string]any) (int, any) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, map[string]any{"id": "bot", "username": "deepbot"}
	})

	client := NewClient(server.URL, "test-token", 5*time.Second, testPolicy())
	identity, err := client.GetSelfIdentity(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "bot", identity.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", 5*time.Second, testPolicy())
	_, err := client.FetchMentions(context.Background(), 10)

	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, "test-token", time.Second, testPolicy())
	_, err := client.SendDirectMessage(context.Background(), "u1", "hi")

	require.Error(t, err)
	assert.Equal(t, errs.UpstreamUnavailable, errs.KindOf(err))
}
