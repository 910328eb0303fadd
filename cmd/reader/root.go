package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/llm-reader/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type storeKeyType string

const storeKey storeKeyType = "config"

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "reader",
		Short: "Turns web pages into LLM-friendly text.",
		Long: `reader loads pages in headless Chrome (or over plain HTTP), extracts the
readable content and returns it as markdown, html, text, json or a screenshot.`,
		SilenceUsage: true,

		// Config is loaded once here so every subcommand sees the same store.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.LoadStore(cfgFile, nil)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), storeKey, store))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (READER_* environment variables override it)")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newVersionCmd())
	return cmd
}

func storeFrom(ctx context.Context) (*config.Store, error) {
	store, ok := ctx.Value(storeKey).(*config.Store)
	if !ok || store == nil {
		return nil, errors.New("configuration not loaded")
	}
	return store, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the reader version",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
