package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// AlertInterval is the minimum time between two alerts with the same type and title
const AlertInterval = time.Hour

// mailer is satisfied by *gomail.Dialer
type mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service handles sending notifications via Teams and email
type Service struct {
	config config.NotificationConfig
	client *resty.Client
	mailer mailer
	now    func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	ActivityText  string      `json:"activityText,omitempty"`
	Facts         []TeamsFact `json:"facts,omitempty"`
	Markdown      bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service
func NewService(cfg config.NotificationConfig) *Service {
	return &Service{
		config:    cfg,
		client:    resty.New().SetTimeout(30 * time.Second),
		mailer:    gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Enabled reports whether any channel is configured
func (s *Service) Enabled() bool {
	return s.config.TeamsWebhookURL != "" || s.config.NotificationEmail != ""
}

// SendReport sends the daily report via configured notification channels
func (s *Service) SendReport(ctx context.Context, report *models.Report) error {
	html, err := buildReportHTML(report)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}
	subject := fmt.Sprintf("Misskey bot daily report - %s", report.Day)
	return s.send(ctx, "report", buildReportCard(report), subject, buildReportText(report), html)
}

// SendAlert sends an urgent alert. Repeats of the same alert within
// AlertInterval are dropped.
func (s *Service) SendAlert(ctx context.Context, alert *models.Alert) error {
	key := alert.Type + "|" + alert.Title
	now := s.now()

	s.mu.Lock()
	if last, ok := s.lastAlert[key]; ok && now.Sub(last) < AlertInterval {
		s.mu.Unlock()
		logrus.WithField("alert", alert.Title).Debug("Alert suppressed, sent recently")
		return nil
	}
	s.lastAlert[key] = now
	s.mu.Unlock()

	card := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: alertColor(alert.Type),
		Title:      alert.Title,
		Text:       alert.Message,
	}
	text := fmt.Sprintf("[%s] %s\n\n%s\n\n%s\n", strings.ToUpper(alert.Type), alert.Title, alert.Message,
		alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title)
	return s.send(ctx, "alert", card, subject, text, "")
}

func (s *Service) send(ctx context.Context, what string, card *TeamsMessage, subject, text, html string) error {
	var errors []string

	if s.config.TeamsWebhookURL != "" {
		if err := s.sendToTeams(ctx, card); err != nil {
			logrus.Errorf("Failed to send Teams %s: %v", what, err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.Infof("Successfully sent %s to Teams", what)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, text, html); err != nil {
			logrus.Errorf("Failed to send email %s: %v", what, err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.Infof("Successfully sent %s via email", what)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (s *Service) sendToTeams(ctx context.Context, message *TeamsMessage) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (s *Service) sendEmail(subject, text, html string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	if err := s.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func alertColor(kind string) string {
	switch kind {
	case "critical":
		return "d13438"
	case "warning":
		return "ffb900"
	default:
		return "0078d4"
	}
}

func reportFacts(report *models.Report) []TeamsFact {
	return []TeamsFact{
		{Name: "Mentions today", Value: fmt.Sprintf("%d", report.MentionsToday)},
		{Name: "Messages today", Value: fmt.Sprintf("%d", report.MessagesToday)},
		{Name: "Auto-posts today", Value: fmt.Sprintf("%d", report.PostsToday)},
		{Name: "Mentions total", Value: fmt.Sprintf("%d", report.MentionsTotal)},
		{Name: "Messages total", Value: fmt.Sprintf("%d", report.MessagesTotal)},
		{Name: "Database size", Value: formatBytes(report.DatabaseSizeBytes)},
	}
}

func errorFacts(report *models.Report) []TeamsFact {
	kinds := make([]string, 0, len(report.ErrorStats))
	for kind := range report.ErrorStats {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	facts := make([]TeamsFact, 0, len(kinds))
	for _, kind := range kinds {
		facts = append(facts, TeamsFact{Name: kind, Value: fmt.Sprintf("%d", report.ErrorStats[kind])})
	}
	return facts
}

func buildReportCard(report *models.Report) *TeamsMessage {
	message := &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("Misskey Bot Report - %s", report.Day),
		Text: fmt.Sprintf("Handled %d mentions and %d chat messages today",
			report.MentionsToday, report.MessagesToday),
		Sections: []TeamsSection{{
			ActivityTitle: "Activity",
			Facts:         reportFacts(report),
			Markdown:      true,
		}},
	}

	if facts := errorFacts(report); len(facts) > 0 {
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "Errors",
			Facts:         facts,
			Markdown:      true,
		})
	}
	return message
}

var reportTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Misskey Bot Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #86b300; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .errors { border-left: 4px solid #d13438; padding: 10px; margin: 10px 0; background-color: #fafafa; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Misskey Bot Report</h1>
        <p>{{.Day}} report generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM MST"}}</p>
    </div>

    <div class="summary">
        <h2>Activity</h2>
        {{range .Facts}}<p><strong>{{.Name}}:</strong> {{.Value}}</p>
        {{end}}
    </div>

    {{if .Errors}}
    <div class="errors">
        <h2>Errors</h2>
        {{range .Errors}}<p><strong>{{.Name}}:</strong> {{.Value}}</p>
        {{end}}
    </div>
    {{end}}

    <hr>
    <p><small>This report was generated automatically by the Misskey bot.</small></p>
</body>
</html>
`))

func buildReportHTML(report *models.Report) (string, error) {
	data := struct {
		*models.Report
		Facts  []TeamsFact
		Errors []TeamsFact
	}{report, reportFacts(report), errorFacts(report)}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("Misskey Bot Report - %s\n", report.Day))
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST")))

	text.WriteString("ACTIVITY\n")
	text.WriteString("========\n")
	for _, f := range reportFacts(report) {
		text.WriteString(fmt.Sprintf("%s: %s\n", f.Name, f.Value))
	}

	if facts := errorFacts(report); len(facts) > 0 {
		text.WriteString("\nERRORS\n")
		text.WriteString("======\n")
		for _, f := range facts {
			text.WriteString(fmt.Sprintf("%s: %s\n", f.Name, f.Value))
		}
	}

	text.WriteString("\n---\nThis report was generated automatically by the Misskey bot.\n")
	return text.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
