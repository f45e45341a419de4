package misskey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/sirupsen/logrus"
)

// Client talks to a Misskey instance over its REST API and streaming endpoint
type Client struct {
	instanceURL string
	token       string
	client      *resty.Client
	policy      resilience.Policy
	stream      *Stream
}

// Ensure Client implements API
var _ API = (*Client)(nil)

// NewClient creates a client for instanceURL authenticated with token
func NewClient(instanceURL, token string, timeout time.Duration, policy resilience.Policy) *Client {
	instanceURL = strings.TrimRight(instanceURL, "/")
	return &Client{
		instanceURL: instanceURL,
		token:       token,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "misskey-deepseek-bot/1.0").
			SetHeader("Content-Type", "application/json"),
		policy: policy,
		stream: NewStream(instanceURL, token),
	}
}

// call performs one POST to /api/{endpoint}; params are merged with the token
func (c *Client) call(ctx context.Context, endpoint string, params map[string]any, out any) error {
	body := map[string]any{"i": c.token}
	for k, v := range params {
		body[k] = v
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("%s/api/%s", c.instanceURL, endpoint))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return errs.E(errs.UpstreamUnavailable, endpoint, err)
	}

	if resp.StatusCode() == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		logrus.WithFields(logrus.Fields{"endpoint": endpoint, "status": resp.StatusCode()}).
			Warn("Misskey API request failed")
		return errs.FromStatus(endpoint, resp.StatusCode(), errors.New(truncateBody(resp.Body())))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errs.E(errs.Validation, endpoint, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// request is call wrapped in the retry policy
func (c *Client) request(ctx context.Context, endpoint string, params map[string]any, out any) error {
	return c.policy.Do(ctx, "misskey "+endpoint, func(ctx context.Context) error {
		return c.call(ctx, endpoint, params, out)
	})
}

// FetchMentions returns the newest notes mentioning the bot
func (c *Client) FetchMentions(ctx context.Context, limit int) ([]models.Event, error) {
	var raw []map[string]any
	if err := c.request(ctx, "notes/mentions", map[string]any{"limit": limit}, &raw); err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(raw))
	for _, note := range raw {
		events = append(events, NormalizeNote(note, "poll"))
	}
	return events, nil
}

// FetchRecentChatMessages returns the latest message of each conversation
func (c *Client) FetchRecentChatMessages(ctx context.Context, limit int) ([]models.Event, error) {
	var raw []map[string]any
	params := map[string]any{"limit": limit, "group": false}
	if err := c.request(ctx, "messaging/history", params, &raw); err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(raw))
	for _, msg := range raw {
		events = append(events, NormalizeChatMessage(msg, "poll"))
	}
	return events, nil
}

// FetchMessageHistory returns up to limit messages exchanged with userID, newest first
func (c *Client) FetchMessageHistory(ctx context.Context, userID string, limit int) ([]models.HistoryMessage, error) {
	var messages []models.HistoryMessage
	params := map[string]any{"userId": userID, "limit": limit}
	if err := c.request(ctx, "messaging/messages", params, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PostNote creates a note, optionally as a reply
func (c *Client) PostNote(ctx context.Context, text, visibility, replyToID string) (*models.Receipt, error) {
	params := map[string]any{"text": text}
	if visibility != "" {
		params["visibility"] = visibility
	}
	if replyToID != "" {
		params["replyId"] = replyToID
	}

	var out struct {
		CreatedNote models.Receipt `json:"createdNote"`
	}
	if err := c.request(ctx, "notes/create", params, &out); err != nil {
		return nil, err
	}
	return &out.CreatedNote, nil
}

// SendDirectMessage sends text to userID
func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) (*models.Receipt, error) {
	var receipt models.Receipt
	params := map[string]any{"userId": userID, "text": text}
	if err := c.request(ctx, "messaging/messages/create", params, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetSelfIdentity returns the account the token belongs to
func (c *Client) GetSelfIdentity(ctx context.Context) (*models.Identity, error) {
	var identity models.Identity
	if err := c.request(ctx, "i", nil, &identity); err != nil {
		return nil, err
	}
	if identity.ID == "" {
		return nil, errs.E(errs.Validation, "i", errors.New("response carried no user id"))
	}
	return &identity, nil
}

// OpenEventStream blocks delivering streamed events until ctx is done or
// reconnecting gives up
func (c *Client) OpenEventStream(ctx context.Context, onEvent func(models.Event)) error {
	return c.stream.Run(ctx, onEvent)
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
