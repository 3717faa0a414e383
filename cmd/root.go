package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/config"
)

var cfg *config.Config

var (
	viewerUserID string
	viewerEmail  string
	viewerRole   string
)

var rootCmd = &cobra.Command{
	Use:   "dealdesk",
	Short: "Deal command center for account directors",
	Long:  "Aggregates CRM opportunities with Gmail, Slack, Gong and GTM-agent signals, tracks the 24-question TAS blueprint per deal, and runs the paste-to-review ingestion pipeline.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&viewerUserID, "user", "local", "acting user id")
	rootCmd.PersistentFlags().StringVar(&viewerEmail, "email", "", "acting user email")
	rootCmd.PersistentFlags().StringVar(&viewerRole, "role", "AD", "acting user role (AD, SE, SA, MANAGER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
