package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/bot"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to Misskey, DeepSeek and the backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
			defer cancel()

			deps, err := bot.DepsFromConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize clients: %w", err)
			}

			fmt.Println("🔍 Misskey DeepSeek Bot - API Connectivity Check")
			fmt.Println(strings.Repeat("-", 48))

			failed := 0
			check := func(name string, fn func() (string, error)) {
				fmt.Printf("🔸 %s... ", name)
				detail, err := fn()
				if err != nil {
					failed++
					fmt.Printf("❌ %s: %v\n", errs.KindOf(err), err)
					return
				}
				fmt.Printf("✅ %s\n", detail)
			}

			check("Misskey identity", func() (string, error) {
				self, err := deps.Social.GetSelfIdentity(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("@%s (%s)", self.Username, self.ID), nil
			})
			check("Misskey mentions", func() (string, error) {
				mentions, err := deps.Social.FetchMentions(ctx, 5)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d recent mentions", len(mentions)), nil
			})
			check("Misskey chat", func() (string, error) {
				messages, err := deps.Social.FetchRecentChatMessages(ctx, 5)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d recent messages", len(messages)), nil
			})
			check("DeepSeek completion", func() (string, error) {
				reply, err := deps.LLM.Complete(ctx, []models.ChatMessage{
					{Role: models.RoleSystem, Content: cfg.SystemPrompt},
					{Role: models.RoleUser, Content: "用一句话打个招呼。"},
				}, 50, cfg.DeepSeek.Temperature)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%q", reply), nil
			})

			if deps.Archive != nil {
				check("Backup archive", func() (string, error) {
					names, err := deps.Archive.List(ctx, "")
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("%d blobs in %s", len(names), cfg.Backup.StorageContainer), nil
				})
			} else {
				fmt.Println("🔸 Backup archive... ⚠️  DISABLED (AZURE_STORAGE_ACCOUNT not set)")
			}
			if deps.Notifier == nil {
				fmt.Println("🔸 Notifications... ⚠️  DISABLED (no Teams webhook or email)")
			}

			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			fmt.Println("\n✅ API connectivity check completed!")
			return nil
		},
	}
}
