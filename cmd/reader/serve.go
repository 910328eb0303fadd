package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/llm-reader/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Starts Chrome and the page pool, then serves GET/POST /{url} until SIGINT
or SIGTERM. Crawl settings are reloaded when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := storeFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), store, server.WithVersion(version))
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
