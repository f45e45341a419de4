// Package deepseek generates text through the DeepSeek chat completion API,
// which speaks the OpenAI wire format.
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://api.deepseek.com"

// ErrNoChoices is returned when the API answers without any completion
var ErrNoChoices = errors.New("no choices returned")

// chatService is the slice of the OpenAI SDK the client depends on
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Completer defines the contract for the completion client
type Completer interface {
	Complete(ctx context.Context, messages []models.ChatMessage, maxTokens int, temperature float64) (string, error)
}

// Client calls the completion API
type Client struct {
	chat   chatService
	model  string
	policy resilience.Policy
}

// Ensure Client implements Completer
var _ Completer = (*Client)(nil)

// NewClient creates a client for the given key. Retries are handled by
// policy, so the SDK's own retries are disabled.
func NewClient(apiKey, baseURL, model string, timeout time.Duration, policy resilience.Policy) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = "deepseek-chat"
	}
	cli := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	)
	return &Client{chat: &cli.Chat.Completions, model: model, policy: policy}
}

// Complete sends messages and returns the first choice's content
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage, maxTokens int, temperature float64) (string, error) {
	if len(messages) == 0 {
		return "", errs.E(errs.Validation, "deepseek", errors.New("messages must not be empty"))
	}
	if maxTokens <= 0 {
		return "", errs.E(errs.Validation, "deepseek", fmt.Errorf("max tokens must be positive, got %d", maxTokens))
	}
	if temperature < 0 || temperature > 2 {
		return "", errs.E(errs.Validation, "deepseek", fmt.Errorf("temperature must be between 0 and 2, got %.2f", temperature))
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toParams(messages),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
	}

	return resilience.DoValue(ctx, c.policy, "deepseek chat", func(ctx context.Context) (string, error) {
		resp, err := c.chat.New(ctx, params)
		if err != nil {
			return "", classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return "", errs.E(errs.Validation, "deepseek", ErrNoChoices)
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		logrus.WithFields(logrus.Fields{
			"model":             c.model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		}).Debug("DeepSeek completion received")
		return content, nil
	})
}

func toParams(messages []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classify(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return errs.FromStatus("deepseek", apiErr.StatusCode, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return ctxErr
	}
	return errs.E(errs.UpstreamUnavailable, "deepseek", err)
}
