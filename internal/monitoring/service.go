// Package monitoring collects runtime counters from the bot's components
// into a metrics snapshot and the daily activity report.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/notifications"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/plugins"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

// StatsSource reports durable store statistics
type StatsSource interface {
	Statistics(ctx context.Context) (*storage.Stats, error)
}

// Sources are the components a snapshot reads from. Nil fields are skipped.
type Sources struct {
	Store     StatsSource
	Errors    interface{ Snapshot() map[string]int }
	Posts     interface{ Count() int }
	Ingestion interface{ Stats() map[string]int64 }
	Admission interface{ Counts() map[string]int64 }
	Plugins   interface{ Info() []plugins.Info }
}

// Service handles metrics snapshots, the daily report and error alerts
type Service struct {
	sources  Sources
	notifier notifications.NotificationInterface
	location *time.Location
	now      func() time.Time
	started  time.Time

	mu         sync.RWMutex
	lastReport time.Time
}

// Metrics is the JSON document served on /metrics
type Metrics struct {
	StartedAt  time.Time        `json:"started_at"`
	Uptime     string           `json:"uptime"`
	LastReport *time.Time       `json:"last_report,omitempty"`
	PostsToday int              `json:"posts_today"`
	ErrorStats map[string]int   `json:"error_stats"`
	Store      *storage.Stats   `json:"store,omitempty"`
	Ingestion  map[string]int64 `json:"ingestion,omitempty"`
	Admission  map[string]int64 `json:"admission,omitempty"`
	Plugins    []plugins.Info   `json:"plugins,omitempty"`
}

// NewService creates a new monitoring service. loc is the zone the report day is computed in.
func NewService(sources Sources, notifier notifications.NotificationInterface, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		sources:  sources,
		notifier: notifier,
		location: loc,
		now:      time.Now,
		started:  time.Now(),
	}
}

// Snapshot collects the current metrics. A failing store read leaves Store empty.
func (s *Service) Snapshot(ctx context.Context) *Metrics {
	now := s.now()
	m := &Metrics{
		StartedAt:  s.started,
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		ErrorStats: map[string]int{},
	}

	s.mu.RLock()
	if !s.lastReport.IsZero() {
		last := s.lastReport
		m.LastReport = &last
	}
	s.mu.RUnlock()

	if s.sources.Store != nil {
		stats, err := s.sources.Store.Statistics(ctx)
		if err != nil {
			logrus.Warnf("Failed to read store statistics: %v", err)
		} else {
			m.Store = stats
		}
	}
	if s.sources.Errors != nil {
		m.ErrorStats = s.sources.Errors.Snapshot()
	}
	if s.sources.Posts != nil {
		m.PostsToday = s.sources.Posts.Count()
	}
	if s.sources.Ingestion != nil {
		m.Ingestion = s.sources.Ingestion.Stats()
	}
	if s.sources.Admission != nil {
		m.Admission = s.sources.Admission.Counts()
	}
	if s.sources.Plugins != nil {
		m.Plugins = s.sources.Plugins.Info()
	}
	return m
}

// GetMetrics returns current metrics as JSON
func (s *Service) GetMetrics(ctx context.Context) string {
	data, _ := json.MarshalIndent(s.Snapshot(ctx), "", "  ")
	return string(data)
}

// GenerateReport builds the daily activity report
func (s *Service) GenerateReport(ctx context.Context) (*models.Report, error) {
	if s.sources.Store == nil {
		return nil, fmt.Errorf("no store to report on")
	}
	stats, err := s.sources.Store.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store statistics: %w", err)
	}

	now := s.now().In(s.location)
	report := &models.Report{
		GeneratedAt:       now,
		Day:               now.Format("2006-01-02"),
		MentionsToday:     stats.MentionsToday,
		MessagesToday:     stats.MessagesToday,
		MentionsTotal:     stats.MentionsTotal,
		MessagesTotal:     stats.MessagesTotal,
		DatabaseSizeBytes: stats.SizeBytes,
		ErrorStats:        map[string]int{},
	}
	if s.sources.Posts != nil {
		report.PostsToday = s.sources.Posts.Count()
	}
	if s.sources.Errors != nil {
		report.ErrorStats = s.sources.Errors.Snapshot()
	}
	return report, nil
}

// RunDailyReport generates the report and sends it when notifications are configured
func (s *Service) RunDailyReport(ctx context.Context) error {
	start := time.Now()
	report, err := s.GenerateReport(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"day":      report.Day,
		"mentions": report.MentionsToday,
		"messages": report.MessagesToday,
		"posts":    report.PostsToday,
	}).Info("Daily report generated")

	if s.notifier == nil || !s.notifier.Enabled() {
		return nil
	}
	if err := s.notifier.SendReport(ctx, report); err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}

	s.mu.Lock()
	s.lastReport = report.GeneratedAt
	s.mu.Unlock()
	logrus.Infof("Daily report sent in %v", time.Since(start))
	return nil
}

// OnError raises an alert for authentication failures, which need an operator
func (s *Service) OnError(ctx context.Context, kind errs.Kind, err error) {
	if kind != errs.Authentication || s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	alert := &models.Alert{
		Type:      "critical",
		Title:     "Authentication failed",
		Message:   fmt.Sprintf("The bot could not authenticate: %v. Check the Misskey token and DeepSeek API key.", err),
		CreatedAt: s.now(),
	}
	if err := s.notifier.SendAlert(ctx, alert); err != nil {
		logrus.Errorf("Failed to send alert: %v", err)
	}
}
