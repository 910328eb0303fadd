package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/config"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/format"
	"github.com/JakeFAU/llm-reader/internal/server"
)

type crawlFlags struct {
	format          string
	engine          string
	json            bool
	timeout         time.Duration
	noCache         bool
	links           bool
	images          bool
	waitForSelector []string
	targetSelector  []string
	removeSelector  []string
	userAgent       string
	proxyURL        string
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl through
// the same pipeline the API uses and prints the result.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawls a single URL and prints the formatted result",
		Long: `Loads one page and writes it to stdout in the requested format. With
--engine direct Chrome is not started at all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.format, "format", "f", "markdown", "markdown, html, text, json, screenshot or pageshot")
	flags.StringVar(&f.engine, "engine", string(crawler.EngineBrowser), "browser or direct")
	flags.BoolVar(&f.json, "json", false, "print the JSON document instead of the text body")
	flags.DurationVar(&f.timeout, "timeout", 0, "crawl budget (default from config)")
	flags.BoolVar(&f.noCache, "no-cache", false, "bypass the response cache")
	flags.BoolVar(&f.links, "links", false, "append a links summary")
	flags.BoolVar(&f.images, "images", false, "append an images summary")
	flags.StringSliceVar(&f.waitForSelector, "wait-for", nil, "CSS selectors to wait for before sampling")
	flags.StringSliceVar(&f.targetSelector, "target", nil, "CSS selectors limiting the extracted content")
	flags.StringSliceVar(&f.removeSelector, "remove", nil, "CSS selectors removed before extraction")
	flags.StringVar(&f.userAgent, "user-agent", "", "user agent override")
	flags.StringVar(&f.proxyURL, "proxy", "", "proxy URL (uses the direct engine)")
	return cmd
}

func runCrawl(cmd *cobra.Command, target string, f crawlFlags) error {
	store, err := storeFrom(cmd.Context())
	if err != nil {
		return err
	}
	opts, err := f.options()
	if err != nil {
		return err
	}

	cfg := store.Current()
	if opts.Engine == crawler.EngineDirect && !opts.RespondWith.IsImage() {
		cfg.Browser.Enabled = false
	}
	app, err := server.Build(cmd.Context(), config.NewStore(cfg),
		server.WithVersion(version),
		// Nothing scrapes a one-shot process.
		server.WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		defer cancel()
		if cerr := app.Close(ctx); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	res, err := app.Crawler().Crawl(cmd.Context(), target, opts)
	if err != nil {
		cerr := crawler.AsError(err)
		return fmt.Errorf("%s: %w", cerr.Message(), err)
	}
	return printResult(cmd, res, opts.JSON)
}

func (f crawlFlags) options() (crawler.Options, error) {
	kind, err := format.ParseKind(f.format)
	if err != nil {
		return crawler.Options{}, err
	}
	engine := crawler.Engine(strings.ToLower(f.engine))
	if engine != crawler.EngineBrowser && engine != crawler.EngineDirect {
		return crawler.Options{}, fmt.Errorf("unknown engine %q", f.engine)
	}
	return crawler.Options{
		RespondWith:       kind,
		JSON:              f.json || kind == format.KindJSON,
		Timeout:           f.timeout,
		FullPage:          kind == format.KindPageshot,
		WaitForSelector:   f.waitForSelector,
		TargetSelector:    f.targetSelector,
		RemoveSelector:    f.removeSelector,
		ProxyURL:          f.proxyURL,
		UserAgent:         f.userAgent,
		NoCache:           f.noCache,
		WithLinksSummary:  f.links,
		WithImagesSummary: f.images,
		Engine:            engine,
	}, nil
}

func printResult(cmd *cobra.Command, res format.Result, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Data()); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		return nil
	}
	body := res.Body()
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if _, err := fmt.Fprint(out, body); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
