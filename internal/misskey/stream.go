package misskey

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/sirupsen/logrus"
)

// Stream holds one streaming connection at a time and reconnects with
// exponential backoff when it drops.
type Stream struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
	DialTimeout       time.Duration
}

// NewStream derives the streaming URL from the instance URL
func NewStream(instanceURL, token string) *Stream {
	wsURL := strings.Replace(instanceURL, "http", "ws", 1) + "/streaming"
	if token != "" {
		wsURL += "?i=" + url.QueryEscape(token)
	}
	return &Stream{
		URL:               wsURL,
		HeartbeatInterval: 30 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      60 * time.Second,
		MaxReconnects:     10,
		DialTimeout:       30 * time.Second,
	}
}

// Run connects and delivers events to onEvent until ctx is done. A clean
// session resets the reconnect budget; after MaxReconnects failed attempts in
// a row Run returns an UpstreamUnavailable error.
func (s *Stream) Run(ctx context.Context, onEvent func(models.Event)) error {
	backoff := &resilience.Backoff{Base: s.ReconnectBase, Factor: 2, Max: s.ReconnectMax}
	attempts := 0
	var lastErr error

	for attempts < s.MaxReconnects {
		connected, err := s.session(ctx, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
			backoff.Reset()
		}
		lastErr = err

		attempts++
		if attempts >= s.MaxReconnects {
			break
		}
		delay := backoff.Next()
		logrus.Warnf("Streaming connection lost (%v), reconnecting in %s (%d/%d)", err, delay, attempts, s.MaxReconnects)
		if err := resilience.SleepWithContext(ctx, delay); err != nil {
			return err
		}
	}

	logrus.Errorf("Giving up on streaming after %d reconnect attempts", s.MaxReconnects)
	return errs.E(errs.UpstreamUnavailable, "streaming", fmt.Errorf("reconnect attempts exhausted: %w", lastErr))
}

// session runs a single connection. connected reports whether the handshake
// and channel subscription succeeded.
func (s *Stream) session(ctx context.Context, onEvent func(models.Event)) (connected bool, err error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = s.DialTimeout

	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	connectMsg := map[string]any{
		"type": "connect",
		"body": map[string]any{"channel": "main", "id": "main"},
	}
	if err := conn.WriteJSON(connectMsg); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	logrus.Info("Connected to Misskey streaming API")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(ctx, conn, done, closeConn)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("closed by server")
			}
			return true, fmt.Errorf("read: %w", err)
		}

		if ev, ok := ParseStreamPayload(data); ok {
			onEvent(ev)
		}
	}
}

// heartbeat pings on a fixed interval regardless of inbound traffic and
// closes the connection when ctx ends so the read loop unblocks
func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, closeConn func()) {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			closeConn()
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logrus.Warnf("Streaming heartbeat failed: %v", err)
				closeConn()
				return
			}
			logrus.Debug("Streaming heartbeat sent")
		}
	}
}
