// Package bot wires the bot's components into one service with an explicit
// start and shutdown order.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/admission"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/deepseek"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/ingestion"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/misskey"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/monitoring"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/notifications"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/pipeline"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/plugins"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/scheduler"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxInFlight bounds concurrently handled events
const maxInFlight = 8

// ErrNotStarted is returned by operations that need a running service
var ErrNotStarted = errors.New("service not started")

// Deps are the service's external collaborators. Archive and Notifier may be nil.
type Deps struct {
	Social   misskey.API
	LLM      deepseek.Completer
	Archive  storage.ArchiveInterface
	Notifier notifications.NotificationInterface
	Registry *plugins.Registry
}

// DepsFromConfig builds the production clients for cfg
func DepsFromConfig(ctx context.Context, cfg *config.Config) (Deps, error) {
	policy := resilience.DefaultPolicy()
	deps := Deps{
		Social: misskey.NewClient(cfg.Misskey.InstanceURL, cfg.Misskey.AccessToken,
			time.Duration(cfg.Misskey.TimeoutSeconds)*time.Second, policy),
		LLM: deepseek.NewClient(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL, cfg.DeepSeek.Model,
			time.Duration(cfg.DeepSeek.TimeoutSeconds)*time.Second, policy),
		Registry: plugins.NewRegistry(),
	}

	if notifier := notifications.NewService(cfg.Notifications); notifier.Enabled() {
		deps.Notifier = notifier
	}

	if cfg.Backup.StorageAccount != "" {
		archive, err := storage.NewAzureArchive(ctx, cfg.Backup.StorageAccount, cfg.Backup.StorageContainer)
		if err != nil {
			return Deps{}, fmt.Errorf("failed to initialize backup archive: %w", err)
		}
		deps.Archive = archive
	}
	return deps, nil
}

// Service owns every long-running part of the bot
type Service struct {
	config *config.Config
	deps   Deps

	store      *storage.SQLiteStore
	gate       *admission.Gate
	plugins    *plugins.Manager
	pipeline   *pipeline.Pipeline
	dispatcher *ingestion.Dispatcher
	scheduler  *scheduler.Service
	monitor    *monitoring.Service

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewService assembles the service. Nothing touches the network or disk until Start.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Social == nil || deps.LLM == nil {
		return nil, fmt.Errorf("social and completion clients are required")
	}
	if deps.Registry == nil {
		deps.Registry = plugins.NewRegistry()
	}

	loc, err := time.LoadLocation(cfg.Bot.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Bot.TimeZone, err)
	}

	s := &Service{config: cfg, deps: deps}
	s.store = storage.NewSQLiteStore(cfg.Persistence.DBPath)
	s.store.SetLocation(loc)
	s.gate = admission.NewGate(s.store, time.Now(), cfg.Persistence.CacheSize)
	s.plugins = plugins.NewManager(deps.Registry, plugins.Deps{
		Store: s.store,
		HTTP:  resty.New().SetTimeout(10 * time.Second),
	})
	s.pipeline = pipeline.New(deps.Social, deps.LLM, s.plugins, pipeline.SettingsFromConfig(cfg),
		pipeline.WithLocation(loc), pipeline.WithErrorHook(s.onError))
	s.dispatcher = ingestion.NewDispatcher(s.gate, s.pipeline, maxInFlight)
	s.monitor = monitoring.NewService(monitoring.Sources{
		Store:     s.store,
		Errors:    s.pipeline.ErrorStats(),
		Posts:     s.pipeline.Counter(),
		Ingestion: s.dispatcher,
		Admission: s.gate,
		Plugins:   s.plugins,
	}, deps.Notifier, loc)

	jobs := scheduler.Deps{
		Store:   s.store,
		Poster:  s.pipeline,
		Counter: s.pipeline.Counter(),
	}
	if deps.Archive != nil {
		jobs.Backup = s.backup
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		jobs.Report = s.monitor.RunDailyReport
	}
	if s.scheduler, err = scheduler.NewService(cfg, jobs); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) onError(ctx context.Context, kind errs.Kind, err error) {
	s.monitor.OnError(ctx, kind, err)
}

func (s *Service) backup(ctx context.Context) error {
	name, err := storage.Backup(ctx, s.store, s.deps.Archive, s.config.Backup.Keep)
	if err != nil {
		return fmt.Errorf("failed to back up store: %w", err)
	}
	logrus.Infof("Backed up dedup store to %s", name)
	return nil
}

// Start opens the store, learns the bot's own id, loads plugins and starts
// the producers and the scheduler. The producers run until Shutdown or
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already started")
	}

	if err := s.store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	self, err := s.deps.Social.GetSelfIdentity(ctx)
	if err != nil {
		s.store.Close()
		return fmt.Errorf("failed to fetch bot identity: %w", err)
	}
	s.gate.SetSelfID(self.ID)
	logrus.Infof("Running as @%s (%s)", self.Username, self.ID)

	if err := s.gate.Warm(ctx); err != nil {
		s.store.Close()
		return err
	}

	s.plugins.Load(ctx, s.config.Plugins)
	s.plugins.Startup(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	response := s.config.Bot.Response
	if response.MentionEnabled || response.ChatEnabled {
		stream := ingestion.NewStreamProducer(s.deps.Social, s.dispatcher)
		group.Go(func() error { return stream.Run(groupCtx) })

		poller := ingestion.NewPoller(s.deps.Social, s.dispatcher,
			time.Duration(s.config.Bot.PollingIntervalSeconds)*time.Second)
		poller.MentionsEnabled = response.MentionEnabled
		poller.ChatEnabled = response.ChatEnabled
		group.Go(func() error { return poller.Run(groupCtx) })
	} else {
		logrus.Warn("Mention and chat responses are both disabled, not listening for events")
	}

	if err := s.scheduler.Start(groupCtx); err != nil {
		cancel()
		group.Wait()
		s.plugins.Shutdown(ctx)
		s.store.Close()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.cancel = cancel
	s.group = group
	s.running = true
	logrus.Info("Bot service started")
	return nil
}

// Shutdown stops the producers and the scheduler, waits for in-flight events,
// shuts plugins down and closes the store, in that order. When ctx
// expires first, Shutdown returns the timeout and the plugins and the store
// are released in the background once the last handler returns.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	logrus.Info("Shutting down bot service")

	s.cancel()
	s.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.group.Wait(); err != nil {
			logrus.Errorf("Producer exited with error: %v", err)
		}
		s.dispatcher.Wait()
	}()

	select {
	case <-done:
		return s.release(context.WithoutCancel(ctx))
	case <-ctx.Done():
		logrus.Warn("Shutdown deadline reached with event handlers still running, closing the store after they finish")
		go func() {
			<-done
			if err := s.release(context.Background()); err != nil {
				logrus.Error(err)
			}
		}()
		return fmt.Errorf("timed out waiting for event handlers: %w", ctx.Err())
	}
}

// release shuts plugins down and closes the store. Callers make sure no
// producer, handler or job is still running.
func (s *Service) release(ctx context.Context) error {
	s.plugins.Shutdown(ctx)
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	logrus.Info("Bot service stopped")
	return nil
}

// TriggerAutoPost publishes one auto-post now, even when scheduled posting
// is off. The daily cap still applies.
func (s *Service) TriggerAutoPost(ctx context.Context) error {
	if !s.Running() {
		return ErrNotStarted
	}
	return s.pipeline.AutoPost(ctx, true)
}

// Running reports whether Start succeeded and Shutdown has not been called
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Metrics returns the current metrics snapshot
func (s *Service) Metrics(ctx context.Context) *monitoring.Metrics {
	return s.monitor.Snapshot(ctx)
}

// Report generates today's activity report without sending it
func (s *Service) Report(ctx context.Context) (*models.Report, error) {
	return s.monitor.GenerateReport(ctx)
}

// Plugins exposes plugin management
func (s *Service) Plugins() *plugins.Manager {
	return s.plugins
}
