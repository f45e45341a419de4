// botctl holds the operator commands that run beside the bot: connectivity
// checks, dry runs of the response pipeline and the daily report.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "botctl",
		Short:        "Operator tools for the Misskey DeepSeek bot",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "config file path (defaults to CONFIG_PATH or config.yaml)")

	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newDryRunCmd())
	cmd.AddCommand(newReportCmd())
	return cmd
}

// loadConfig reads .env and the config file named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
