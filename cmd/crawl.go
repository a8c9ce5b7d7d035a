// Package cmd defines and implements the CLI commands for the checkout-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/app"
	"github.com/JakeFAU/checkout-crawler/internal/config"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/id/uuid"
	"github.com/JakeFAU/checkout-crawler/internal/logging"
	"github.com/JakeFAU/checkout-crawler/internal/report"
	"github.com/JakeFAU/checkout-crawler/internal/sitelist"
)

const defaultConfigName = "config.yaml"

// crawlOptions mirrors the crawl command line.
type crawlOptions struct {
	website      string
	file         string
	language     string
	path         string
	decline      bool
	record       bool
	conversation bool
	network      bool
	performance  bool
	all          bool
	shopify      bool
}

// newCrawlCmd creates the 'crawl' subcommand. cfgFile points at the root's --config value.
func newCrawlCmd(cfgFile *string) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one website or a list of websites",
		Long: `Runs the checkout agent against a single website (-w with -l) or every
row of a semicolon separated list with website and language columns (-f).
Results, artifacts and the run report are written below --path or the
configured output path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), opts, *cfgFile)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.website, "website", "w", "", "a single website to crawl")
	f.StringVarP(&opts.file, "file", "f", "", "a file with website;language rows")
	f.StringVarP(&opts.language, "language", "l", "", "language profile for -w (dutch, german, french, spanish, italian, swedish)")
	f.BoolVarP(&opts.decline, "decline", "d", false, "decline cookies instead of accepting them")
	f.BoolVarP(&opts.record, "record", "r", false, "record a screencast of every site")
	f.BoolVarP(&opts.conversation, "capture-conversation", "c", false, "capture the agent conversation step by step")
	f.BoolVarP(&opts.network, "capture-network", "n", false, "capture network traffic as a HAR file")
	f.BoolVarP(&opts.performance, "capture-performance", "p", false, "capture browser performance metrics")
	f.BoolVarP(&opts.all, "all", "a", false, "enable -r, -c, -n and -p")
	f.BoolVarP(&opts.shopify, "shopify", "s", false, "use the platform specific checkout instructions")
	f.StringVar(&opts.path, "path", "", "folder holding the config files, also where data is saved")

	return cmd
}

// validate enforces the flag combinations the command accepts.
func (o *crawlOptions) validate() error {
	if o.all && (o.record || o.conversation || o.network || o.performance) {
		return errors.New("the -a (all) flag cannot be used together with individual flags (-r, -c, -n, -p)")
	}
	if o.website != "" && o.file != "" {
		return errors.New("you cannot provide both a website (-w) and a file (-f) at the same time")
	}
	switch {
	case o.website != "":
		if o.language == "" {
			return errors.New("language (-l) must be specified when using a single website (-w)")
		}
		if _, err := crawler.ParseLanguage(o.language); err != nil {
			return err
		}
	case o.file != "":
		if o.language != "" {
			return errors.New("the -l (language) flag cannot be used together with a file (-f)")
		}
	default:
		return errors.New("please provide a website (-w) or a file (-f)")
	}
	return nil
}

// sites returns the run's input list. Invalid file rows are kept so they show up in the report.
func (o *crawlOptions) sites() ([]crawler.SiteEntry, error) {
	if o.website != "" {
		entry, err := sitelist.Entry(o.website, o.language)
		if err != nil {
			return nil, err
		}
		return []crawler.SiteEntry{entry}, nil
	}
	entries, err := sitelist.Load(o.file)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no websites found in %s", o.file)
	}
	return entries, nil
}

// configPath picks the explicit --config file, else a config.yaml inside --path when present.
func (o *crawlOptions) configPath(cfgFile string) string {
	if cfgFile != "" || o.path == "" {
		return cfgFile
	}
	candidate := filepath.Join(o.path, defaultConfigName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// apply lets command line flags override the loaded configuration.
func (o *crawlOptions) apply(cfg *config.Config) {
	if o.path != "" {
		cfg.Run.OutputPath = o.path
		cfg.Run.SystemPromptPath = underPath(o.path, cfg.Run.SystemPromptPath)
		cfg.Run.ProfilePath = underPath(o.path, cfg.Run.ProfilePath)
	}
	if o.decline {
		cfg.Run.Consent = string(crawler.ConsentDecline)
	}
	if o.shopify {
		cfg.Run.CheckoutVariant = string(crawler.CheckoutPlatformSpecific)
	}
	cfg.Capture.Record = cfg.Capture.Record || o.all || o.record
	cfg.Capture.Conversation = cfg.Capture.Conversation || o.all || o.conversation
	cfg.Capture.Network = cfg.Capture.Network || o.all || o.network
	cfg.Capture.Performance = cfg.Capture.Performance || o.all || o.performance
}

func underPath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func runCrawl(parent context.Context, opts *crawlOptions, cfgFile string) error {
	cfg, err := config.Load(opts.configPath(cfgFile))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	sites, err := opts.sites()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	run := cfg.RunConfiguration(runID)

	services, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer services.Close()

	if srv := services.Server(); srv != nil {
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("crawl started",
		zap.String("run_id", runID),
		zap.Int("sites", len(sites)),
		zap.String("output_path", run.OutputPath),
		zap.Any("capture", run.Capture.Enabled()),
	)
	summary, err := services.Orchestrator().Run(ctx, run, sites)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.Bool("interrupted", summary.Interrupted),
		zap.String("summary", report.SummaryPath(run.OutputPath, runID)),
	}
	for _, status := range crawler.Statuses {
		if n := summary.Counts[status]; n > 0 {
			fields = append(fields, zap.Int(string(status), n))
		}
	}
	logger.Info("crawl finished", fields...)
	return nil
}
