package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "catalog-sync",
	Short: "Sync the Scryfall card catalog into Postgres",
	Long:  "Pulls sets and the bulk card file from Scryfall, normalizes tradable paper cards, and upserts them into the Expansion and MetaCard tables in batches of 200.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
