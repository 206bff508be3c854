package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/catalogsync"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := catalogsync.Migrate(ctx, pool); err != nil {
			return err
		}

		zap.L().Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
