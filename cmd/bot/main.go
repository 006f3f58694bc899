package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/bot"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/pkg/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "helpdesk-bot",
		Short:         "Help center support assistant for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot until interrupted",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "crawl",
			Short: "Crawl the help center once and print what was found",
			RunE:  runCrawl,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()

	b, err := bot.New(bot.Config{
		Token:    cfg.Telegram.Token,
		TenantID: cfg.Support.TenantID,
		AdminIDs: cfg.Telegram.AdminIDs,
		Timeout:  cfg.Telegram.Timeout,
	}, a.orchestrator, a.admin, logger)
	if err != nil {
		logger.Error("Failed to create bot", zap.Error(err))
		return err
	}

	a.Start(ctx)

	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
		return err
	}
	logger.Info("Shutting down")
	return nil
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	corpus, err := newCorpus(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := corpus.Refresh(ctx); err != nil {
		return err
	}

	status := corpus.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d articles\n", status.Total)
	for _, c := range models.Categories {
		fmt.Fprintf(out, "  %-16s %d\n", c, status.Counts[c])
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", status.LastError)
	}
	return nil
}
