package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/sirupsen/logrus"
)

// StreamSource opens the push channel. It returns when the connection is
// given up or ctx is done.
type StreamSource interface {
	OpenEventStream(ctx context.Context, onEvent func(models.Event)) error
}

// PollSource fetches recent items on demand
type PollSource interface {
	FetchMentions(ctx context.Context, limit int) ([]models.Event, error)
	FetchRecentChatMessages(ctx context.Context, limit int) ([]models.Event, error)
}

// StreamProducer keeps the streaming connection alive, waiting between
// sessions with a backoff that starts over after Limit tries.
type StreamProducer struct {
	source   StreamSource
	dispatch *Dispatcher
	backoff  resilience.Backoff
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStreamProducer creates a producer with a 5s to 300s backoff
func NewStreamProducer(source StreamSource, dispatch *Dispatcher) *StreamProducer {
	return &StreamProducer{
		source:   source,
		dispatch: dispatch,
		backoff:  resilience.Backoff{Base: 5 * time.Second, Factor: 2, Max: 300 * time.Second, Limit: 10},
		sleep:    resilience.SleepWithContext,
	}
}

// Run returns nil once ctx is cancelled
func (p *StreamProducer) Run(ctx context.Context) error {
	logrus.Info("Starting streaming producer")
	for ctx.Err() == nil {
		err := p.source.OpenEventStream(ctx, func(ev models.Event) {
			p.dispatch.Dispatch(ctx, ev)
		})
		if ctx.Err() != nil {
			break
		}

		delay := p.backoff.Next()
		logrus.Warnf("Streaming stopped (%v), polling continues; retrying stream in %s", err, delay)
		if err := p.sleep(ctx, delay); err != nil {
			break
		}
	}
	logrus.Info("Streaming producer stopped")
	return nil
}

// Poller fetches recent mentions and chat messages on a fixed interval. Chat
// messages are not always pushed, so polling is their primary path.
type Poller struct {
	source   PollSource
	dispatch *Dispatcher
	interval time.Duration

	MentionLimit    int
	ChatLimit       int
	MentionsEnabled bool
	ChatEnabled     bool

	failures int
	sleep    func(ctx context.Context, d time.Duration) error
}

const maxPollFailures = 5

// NewPoller creates a poller fetching 10 mentions and 20 chat messages per cycle
func NewPoller(source PollSource, dispatch *Dispatcher, interval time.Duration) *Poller {
	return &Poller{
		source:          source,
		dispatch:        dispatch,
		interval:        interval,
		MentionLimit:    10,
		ChatLimit:       20,
		MentionsEnabled: true,
		ChatEnabled:     true,
		sleep:           resilience.SleepWithContext,
	}
}

// Run polls until ctx is cancelled and returns nil
func (p *Poller) Run(ctx context.Context) error {
	logrus.Infof("Starting poller every %s", p.interval)
	for ctx.Err() == nil {
		delay := p.interval
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			delay = p.failureDelay(err)
			logrus.Warnf("Polling failed (%s), next poll in %s: %v", errs.KindOf(err), delay, err)
		} else {
			p.failures = 0
		}
		if err := p.sleep(ctx, delay); err != nil {
			break
		}
	}
	logrus.Info("Poller stopped")
	return nil
}

// Poll runs one cycle. Every fetched item goes through admission, which
// consults the durable store even when the stream already saw it.
func (p *Poller) Poll(ctx context.Context) error {
	var errList []error

	if p.MentionsEnabled {
		mentions, err := p.source.FetchMentions(ctx, p.MentionLimit)
		if err != nil {
			errList = append(errList, err)
		}
		for _, ev := range mentions {
			p.dispatch.Dispatch(ctx, ev)
		}
	}

	if p.ChatEnabled {
		messages, err := p.source.FetchRecentChatMessages(ctx, p.ChatLimit)
		if err != nil {
			errList = append(errList, err)
		}
		for _, ev := range messages {
			p.dispatch.Dispatch(ctx, ev)
		}
	}

	return errors.Join(errList...)
}

// failureDelay backs off harder for rate limits and outages than for other errors
func (p *Poller) failureDelay(err error) time.Duration {
	p.failures++
	n := p.failures
	if p.failures >= maxPollFailures {
		p.failures = 0
	}
	if errs.Retryable(err) {
		return resilience.Exponential(p.interval, 3, n, 30*time.Minute)
	}
	return resilience.Exponential(p.interval, 2, n, 15*time.Minute)
}
