package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/pipeline"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	dailyResetSchedule = "0 0 0 * * *"
	cleanupSchedule    = "0 0 1 * * *"
	compactSchedule    = "0 0 2 * * *"
	backupSchedule     = "0 30 2 * * *"
	reportSchedule     = "0 0 9 * * *"

	firstAutoPostDelay = time.Minute
)

// Maintenance is the store upkeep the scheduler drives
type Maintenance interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Compact(ctx context.Context) error
}

// AutoPoster publishes one auto-post
type AutoPoster interface {
	AutoPost(ctx context.Context, force bool) error
}

// Resetter zeroes the daily post counter
type Resetter interface {
	Reset()
}

// Deps are the jobs' collaborators. Backup and Report are optional.
type Deps struct {
	Store   Maintenance
	Poster  AutoPoster
	Counter Resetter
	Backup  func(ctx context.Context) error
	Report  func(ctx context.Context) error
}

// Service handles scheduling of maintenance and auto-post jobs
type Service struct {
	config *config.Config
	deps   Deps
	cron   *cron.Cron
	chain  cron.Chain

	firstRun time.Duration

	mu      sync.Mutex
	ctx     context.Context
	timer   *time.Timer
	jobs    map[string]cron.Job
	stopped bool
	// runs started outside cron: the first auto-post and Run
	running sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	loc, err := time.LoadLocation(cfg.Bot.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Bot.TimeZone, err)
	}
	logger := cron.PrintfLogger(logrus.StandardLogger())
	return &Service{
		config: cfg,
		deps:   deps,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc), cron.WithLogger(logger)),
		chain:  cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		ctx:      context.Background(),
		jobs:     make(map[string]cron.Job),
		firstRun: firstAutoPostDelay,
	}, nil
}

// job wraps fn so that a run still in progress makes the next firing a no-op
func (s *Service) job(name string, fn func(ctx context.Context) error) cron.Job {
	wrapped := s.chain.Then(cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		logrus.WithField("job", name).Debug("Starting scheduled job")
		if err := fn(ctx); err != nil {
			logrus.WithField("job", name).Errorf("Scheduled job failed: %v", err)
			return
		}
		logrus.WithField("job", name).Debugf("Scheduled job finished in %s", time.Since(start))
	}))
	s.mu.Lock()
	s.jobs[name] = wrapped
	s.mu.Unlock()
	return wrapped
}

// Start registers every job and starts the cron runner. Jobs run with ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	entries := []struct {
		name     string
		schedule string
		fn       func(ctx context.Context) error
		enabled  bool
	}{
		{"daily_reset", dailyResetSchedule, s.dailyReset, true},
		{"cleanup", cleanupSchedule, s.cleanup, true},
		{"compact", compactSchedule, s.compact, true},
		{"backup", backupSchedule, s.deps.Backup, s.deps.Backup != nil},
		{"report", reportSchedule, s.deps.Report, s.deps.Report != nil},
	}
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if _, err := s.cron.AddJob(e.schedule, s.job(e.name, e.fn)); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", e.name, err)
		}
	}

	autoPost := s.config.Bot.AutoPost
	if autoPost.Enabled {
		interval := time.Duration(autoPost.IntervalMinutes) * time.Minute
		job := s.job("auto_post", s.autoPost)
		s.cron.Schedule(cron.Every(interval), job)

		s.mu.Lock()
		s.timer = time.AfterFunc(s.firstRun, func() { s.runTracked(job) })
		s.mu.Unlock()
		logrus.Infof("Auto-post every %s, first run in %s", interval, s.firstRun)
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with %d jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish, including
// a first auto-post already in flight
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.running.Wait()
	logrus.Info("Scheduler stopped")
}

// runTracked runs job so that Stop waits for it. It reports false once the
// scheduler is stopped.
func (s *Service) runTracked(job cron.Job) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	job.Run()
	return true
}

// Run executes a registered job immediately, subject to the same overlap guard
func (s *Service) Run(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	if !s.runTracked(job) {
		return fmt.Errorf("scheduler stopped")
	}
	return nil
}

func (s *Service) dailyReset(ctx context.Context) error {
	s.deps.Counter.Reset()
	return nil
}

func (s *Service) cleanup(ctx context.Context) error {
	removed, err := s.deps.Store.CleanupOlderThan(ctx, s.config.Persistence.CleanupDays)
	if err != nil {
		return err
	}
	logrus.Infof("Removed %d processed records older than %d days", removed, s.config.Persistence.CleanupDays)
	return nil
}

func (s *Service) compact(ctx context.Context) error {
	return s.deps.Store.Compact(ctx)
}

func (s *Service) autoPost(ctx context.Context) error {
	err := s.deps.Poster.AutoPost(ctx, false)
	if errors.Is(err, pipeline.ErrDailyCapReached) || errors.Is(err, pipeline.ErrAutoPostDisabled) {
		return nil
	}
	return err
}
