package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AutoAccountingOrg/autoledger/internal/config"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Applies any pending schema migrations to the local database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slog.Info("🗄️  Running database migrations...")

			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			slog.Info("✅ Database migrations completed successfully!")
			return nil
		},
	}
}
