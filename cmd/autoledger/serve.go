package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AutoAccountingOrg/autoledger/internal/config"
	"github.com/AutoAccountingOrg/autoledger/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture and convergence server",
		Long: `Starts the loopback HTTP server that accepts raw capture events,
runs them through deduplication, rule matching, and bill convergence,
and serves query endpoints for bills, rules, and apps.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			settings := config.NewSettings()

			components, err := initPipeline(ctx, settings)
			if err != nil {
				return err
			}
			defer components.Close()

			addr := viper.GetString("server.addr")
			if addr == "" {
				addr = "127.0.0.1:52045"
			}

			srv := server.New(addr, components.storage, components.pipeline)
			slog.Info("🚀 Starting server", "addr", addr)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().String("addr", "", "listen address (host:port)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}
