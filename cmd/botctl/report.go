package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/monitoring"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/notifications"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var send bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print today's activity report from the dedup store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(cfg.Bot.TimeZone)
			if err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			if _, err := os.Stat(cfg.Persistence.DBPath); err != nil {
				return fmt.Errorf("no dedup store at %s: %w", cfg.Persistence.DBPath, err)
			}
			store := storage.NewSQLiteStore(cfg.Persistence.DBPath)
			store.SetLocation(loc)
			if err := store.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to open dedup store: %w", err)
			}
			defer store.Close()

			notifier := notifications.NewService(cfg.Notifications)
			monitor := monitoring.NewService(monitoring.Sources{Store: store}, notifier, loc)

			report, err := monitor.GenerateReport(ctx)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(data))

			if !send {
				return nil
			}
			if !notifier.Enabled() {
				return fmt.Errorf("no notification channel configured")
			}
			if err := notifier.SendReport(ctx, report); err != nil {
				return err
			}
			fmt.Println("✅ Report sent")
			return nil
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "send the report through the configured notification channels")
	return cmd
}
