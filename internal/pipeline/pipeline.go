// Package pipeline turns admitted events into replies: plugins get the first
// chance, the completion API is the fallback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/deepseek"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/plugins"
	"github.com/sirupsen/logrus"
)

// ErrDailyCapReached is returned by AutoPost once today's posts hit the cap
var ErrDailyCapReached = errors.New("daily post cap reached")

// ErrAutoPostDisabled is returned by AutoPost when auto-posting is off
var ErrAutoPostDisabled = errors.New("auto-post disabled")

// Social is the part of the social network client the pipeline delivers through
type Social interface {
	PostNote(ctx context.Context, text, visibility, replyToID string) (*models.Receipt, error)
	SendDirectMessage(ctx context.Context, userID, text string) (*models.Receipt, error)
	FetchMessageHistory(ctx context.Context, userID string, limit int) ([]models.HistoryMessage, error)
}

// Plugins dispatches hooks to the loaded plugins
type Plugins interface {
	OnMention(ctx context.Context, ev models.Event) plugins.Outcome
	OnMessage(ctx context.Context, ev models.Event) plugins.Outcome
	OnAutoPost(ctx context.Context) plugins.Outcome
}

// Settings are the pipeline's tunables
type Settings struct {
	SystemPrompt      string
	MaxTokens         int
	Temperature       float64
	MentionEnabled    bool
	ChatEnabled       bool
	MaxResponseLength int
	Visibility        string
	HistoryLimit      int

	AutoPostEnabled bool
	AutoPostPrompt  string
	MaxPostsPerDay  int
	MaxPostLength   int
}

// SettingsFromConfig extracts pipeline settings from the loaded configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SystemPrompt:      cfg.SystemPrompt,
		MaxTokens:         cfg.DeepSeek.MaxTokens,
		Temperature:       cfg.DeepSeek.Temperature,
		MentionEnabled:    cfg.Bot.Response.MentionEnabled,
		ChatEnabled:       cfg.Bot.Response.ChatEnabled,
		MaxResponseLength: cfg.Bot.Response.MaxResponseLength,
		Visibility:        cfg.Bot.Visibility.Default,
		HistoryLimit:      5,
		AutoPostEnabled:   cfg.Bot.AutoPost.Enabled,
		AutoPostPrompt:    cfg.Bot.AutoPost.Prompt,
		MaxPostsPerDay:    cfg.Bot.AutoPost.MaxPostsPerDay,
		MaxPostLength:     cfg.Bot.AutoPost.MaxPostLength,
	}
}

// ErrorHook observes every classified error
type ErrorHook func(ctx context.Context, kind errs.Kind, err error)

// Pipeline is the response pipeline
type Pipeline struct {
	social   Social
	llm      deepseek.Completer
	plugins  Plugins
	settings Settings

	counter *DailyPostCounter
	errors  *ErrorStats
	onError  ErrorHook
	now      func() time.Time
	location *time.Location

	autoPostMu sync.Mutex
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLocation sets the zone that decides the posting day and the prompt timestamp
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) { p.location = loc }
}

// WithErrorHook registers a callback for classified errors
func WithErrorHook(hook ErrorHook) Option {
	return func(p *Pipeline) { p.onError = hook }
}

// New creates a pipeline
func New(social Social, llm deepseek.Completer, hooks Plugins, settings Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		social:   social,
		llm:      llm,
		plugins:  hooks,
		settings: settings,
		errors:   NewErrorStats(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.counter = NewDailyPostCounter(p.now, p.location)
	return p
}

func (p *Pipeline) localNow() time.Time {
	if p.location != nil {
		return p.now().In(p.location)
	}
	return p.now()
}

// Counter exposes the daily post counter to the scheduler
func (p *Pipeline) Counter() *DailyPostCounter { return p.counter }

// ErrorStats exposes the error counts
func (p *Pipeline) ErrorStats() *ErrorStats { return p.errors }

// Handle routes an admitted event by kind
func (p *Pipeline) Handle(ctx context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.KindMention:
		return p.HandleMention(ctx, ev)
	case models.KindDirectMessage:
		return p.HandleMessage(ctx, ev)
	default:
		return fmt.Errorf("unsupported event kind %d", ev.Kind)
	}
}

func (p *Pipeline) record(ctx context.Context, err error) errs.Kind {
	kind := p.errors.Record(err)
	if p.onError != nil {
		p.onError(ctx, kind, err)
	}
	return kind
}

// HandleMention answers a mention with a reply note
func (p *Pipeline) HandleMention(ctx context.Context, ev models.Event) error {
	log := logrus.WithFields(logrus.Fields{"event_id": ev.ID, "kind": "mention", "author": ev.AuthorHandle})
	if !p.settings.MentionEnabled {
		log.Debug("Mention responses disabled")
		return nil
	}
	log.Infof("Received mention: %s", ev.Text)

	out := p.plugins.OnMention(ctx, ev)
	if out.Handled() {
		if out.Reply.ResponseText == "" {
			return nil
		}
		return p.replyToMention(ctx, ev, out.Reply.ResponseText)
	}

	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: p.settings.SystemPrompt},
		{Role: models.RoleUser, Content: out.PromptPrefix + mentionPrompt(ev.Text, ev.AuthorHandle)},
	}
	reply, err := p.llm.Complete(ctx, messages, p.settings.MaxTokens, p.settings.Temperature)
	if err != nil {
		kind := p.record(ctx, err)
		log.Errorf("Failed to generate mention reply (%s): %v", kind, err)
		p.sendErrorReply(ctx, ev, UserMessage(kind))
		return fmt.Errorf("failed to generate reply to %s: %w", ev.ID, err)
	}

	return p.replyToMention(ctx, ev, reply)
}

func (p *Pipeline) replyToMention(ctx context.Context, ev models.Event, text string) error {
	text = Truncate(text, p.settings.MaxResponseLength)
	if _, err := p.social.PostNote(ctx, text, p.settings.Visibility, ev.ID); err != nil {
		kind := p.record(ctx, err)
		logrus.WithField("event_id", ev.ID).Errorf("Failed to deliver mention reply (%s): %v", kind, err)
		p.sendErrorReply(ctx, ev, msgDeliveryFail)
		return fmt.Errorf("failed to reply to %s: %w", ev.ID, err)
	}
	logrus.WithField("event_id", ev.ID).Infof("Replied to mention: %s", Truncate(text, 50))
	return nil
}

// sendErrorReply posts an apology under the note; failures are only logged
func (p *Pipeline) sendErrorReply(ctx context.Context, ev models.Event, message string) {
	var err error
	if ev.Kind == models.KindDirectMessage {
		_, err = p.social.SendDirectMessage(ctx, ev.AuthorID, Truncate(message, errorReplyMaxLength))
	} else {
		text := Truncate(fmt.Sprintf("@%s %s", ev.AuthorHandle, message), errorReplyMaxLength)
		_, err = p.social.PostNote(ctx, text, p.settings.Visibility, ev.ID)
	}
	if err != nil {
		logrus.WithField("event_id", ev.ID).Errorf("Failed to send error reply: %v", err)
	}
}

// HandleMessage answers a direct message using recent conversation history
func (p *Pipeline) HandleMessage(ctx context.Context, ev models.Event) error {
	log := logrus.WithFields(logrus.Fields{"event_id": ev.ID, "kind": "direct_message", "author": ev.AuthorID})
	if !p.settings.ChatEnabled {
		log.Debug("Chat responses disabled")
		return nil
	}
	if ev.AuthorID == "" || ev.Text == "" {
		log.Debug("Message lacks author or text, skipping")
		return nil
	}
	log.Infof("Received message: %s", ev.Text)

	out := p.plugins.OnMessage(ctx, ev)
	if out.Handled() {
		if out.Reply.ResponseText == "" {
			return nil
		}
		return p.sendMessage(ctx, ev, out.Reply.ResponseText)
	}

	messages := p.conversation(ctx, ev, out.PromptPrefix)
	reply, err := p.llm.Complete(ctx, messages, p.settings.MaxTokens, p.settings.Temperature)
	if err != nil {
		kind := p.record(ctx, err)
		log.Errorf("Failed to generate message reply (%s): %v", kind, err)
		p.sendErrorReply(ctx, ev, UserMessage(kind))
		return fmt.Errorf("failed to generate reply to %s: %w", ev.ID, err)
	}

	return p.sendMessage(ctx, ev, reply)
}

func (p *Pipeline) sendMessage(ctx context.Context, ev models.Event, text string) error {
	text = Truncate(text, p.settings.MaxResponseLength)
	if _, err := p.social.SendDirectMessage(ctx, ev.AuthorID, text); err != nil {
		kind := p.record(ctx, err)
		logrus.WithField("event_id", ev.ID).Errorf("Failed to deliver message reply (%s): %v", kind, err)
		return fmt.Errorf("failed to reply to %s: %w", ev.ID, err)
	}
	logrus.WithField("event_id", ev.ID).Infof("Replied to message: %s", Truncate(text, 50))
	return nil
}

// conversation rebuilds the chat as system turn, prior turns oldest first, then ev
func (p *Pipeline) conversation(ctx context.Context, ev models.Event, prefix string) []models.ChatMessage {
	messages := []models.ChatMessage{{Role: models.RoleSystem, Content: p.settings.SystemPrompt}}

	history, err := p.social.FetchMessageHistory(ctx, ev.AuthorID, p.settings.HistoryLimit)
	if err != nil {
		logrus.WithField("event_id", ev.ID).Warnf("Failed to fetch chat history, continuing without it: %v", err)
		history = nil
	}
	// history arrives newest first
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.ID == ev.ID || msg.Text == "" {
			continue
		}
		role := models.RoleAssistant
		if msg.UserID == ev.AuthorID {
			role = models.RoleUser
		}
		messages = append(messages, models.ChatMessage{Role: role, Content: msg.Text})
	}

	return append(messages, models.ChatMessage{Role: models.RoleUser, Content: prefix + ev.Text})
}

// AutoPost generates and publishes one post unless disabled or capped.
// force bypasses the enabled flag but never the cap.
func (p *Pipeline) AutoPost(ctx context.Context, force bool) error {
	p.autoPostMu.Lock()
	defer p.autoPostMu.Unlock()

	if !p.settings.AutoPostEnabled && !force {
		return ErrAutoPostDisabled
	}
	if !p.counter.Allow(p.settings.MaxPostsPerDay) {
		logrus.Infof("Daily post cap of %d reached, skipping auto-post", p.settings.MaxPostsPerDay)
		return ErrDailyCapReached
	}

	out := p.plugins.OnAutoPost(ctx)
	var content string
	if out.Handled() && out.Reply.ResponseText != "" {
		content = out.Reply.ResponseText
		logrus.WithField("plugin", out.Reply.PluginName).Info("Plugin supplied auto-post content")
	} else {
		messages := []models.ChatMessage{
			{Role: models.RoleSystem, Content: p.settings.SystemPrompt},
			{Role: models.RoleUser, Content: postPrompt(p.localNow(), out.PromptPrefix, "", p.settings.AutoPostPrompt)},
		}
		text, err := p.llm.Complete(ctx, messages, p.settings.MaxTokens, p.settings.Temperature)
		if err != nil {
			kind := p.record(ctx, err)
			return fmt.Errorf("failed to generate auto-post (%s): %w", kind, err)
		}
		content = text
	}

	content = Truncate(content, p.settings.MaxPostLength)
	if _, err := p.social.PostNote(ctx, content, p.settings.Visibility, ""); err != nil {
		kind := p.record(ctx, err)
		return fmt.Errorf("failed to publish auto-post (%s): %w", kind, err)
	}

	n := p.counter.Increment()
	logrus.Infof("Auto-posted (%d/%d today): %s", n, p.settings.MaxPostsPerDay, Truncate(content, 50))
	return nil
}
