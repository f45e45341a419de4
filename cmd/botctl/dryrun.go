package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/deepseek"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/pipeline"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/plugins"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/resilience"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// printingSocial shows what would be delivered instead of delivering it
type printingSocial struct{}

func (printingSocial) PostNote(ctx context.Context, text, visibility, replyToID string) (*models.Receipt, error) {
	fmt.Println("\n📝 Would post note")
	fmt.Printf("   visibility: %s\n", visibility)
	if replyToID != "" {
		fmt.Printf("   reply to:   %s\n", replyToID)
	}
	fmt.Printf("   text (%d chars):\n%s\n", len([]rune(text)), indent(text))
	return &models.Receipt{ID: "dry-run", CreatedAt: time.Now()}, nil
}

func (printingSocial) SendDirectMessage(ctx context.Context, userID, text string) (*models.Receipt, error) {
	fmt.Printf("\n💬 Would message %s (%d chars):\n%s\n", userID, len([]rune(text)), indent(text))
	return &models.Receipt{ID: "dry-run", CreatedAt: time.Now()}, nil
}

func (printingSocial) FetchMessageHistory(ctx context.Context, userID string, limit int) ([]models.HistoryMessage, error) {
	return nil, nil
}

func indent(s string) string {
	return "   " + strings.ReplaceAll(s, "\n", "\n   ")
}

func newDryRunCmd() *cobra.Command {
	var text, user string
	cmd := &cobra.Command{
		Use:       "dry-run {mention|message|autopost}",
		Short:     "Run the response pipeline against DeepSeek and print what would be sent",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"mention", "message", "autopost"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logrus.SetLevel(logrus.WarnLevel)
			loc, err := time.LoadLocation(cfg.Bot.TimeZone)
			if err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			// plugin tables go to a scratch store so the real one is never touched
			dir, err := os.MkdirTemp("", "dry-run-")
			if err != nil {
				return fmt.Errorf("failed to create scratch dir: %w", err)
			}
			defer os.RemoveAll(dir)
			store := storage.NewSQLiteStore(filepath.Join(dir, "scratch.db"))
			if err := store.Initialize(ctx); err != nil {
				return err
			}
			defer store.Close()

			manager := plugins.NewManager(plugins.NewRegistry(), plugins.Deps{Store: store, HTTP: resty.New()})
			manager.Load(ctx, cfg.Plugins)
			defer manager.Shutdown(ctx)
			for _, info := range manager.Info() {
				fmt.Printf("🔌 %s (priority %d, enabled %t)\n", info.Name, info.Priority, info.Enabled)
			}

			llm := deepseek.NewClient(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL, cfg.DeepSeek.Model,
				time.Duration(cfg.DeepSeek.TimeoutSeconds)*time.Second, resilience.DefaultPolicy())
			p := pipeline.New(printingSocial{}, llm, manager, pipeline.SettingsFromConfig(cfg),
				pipeline.WithLocation(loc))

			ev := models.Event{
				ID:           "dry-run-" + uuid.NewString(),
				Text:         text,
				AuthorID:     "dry-run-user",
				AuthorHandle: user,
				CreatedAt:    time.Now(),
				Source:       "dry-run",
			}

			switch args[0] {
			case "mention":
				ev.Kind = models.KindMention
				err = p.Handle(ctx, ev)
			case "message":
				ev.Kind = models.KindDirectMessage
				err = p.Handle(ctx, ev)
			case "autopost":
				err = p.AutoPost(ctx, true)
			default:
				return fmt.Errorf("unknown event kind %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println("\n✅ Dry run completed!")
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "你好，今天有什么有趣的事情吗？", "incoming text for mention and message")
	cmd.Flags().StringVar(&user, "user", "tester", "username of the simulated sender")
	return cmd
}
