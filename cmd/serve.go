package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pipewatch/internal/ai"
	"github.com/pipewatch/internal/api"
	"github.com/pipewatch/internal/collector"
	"github.com/pipewatch/internal/config"
	"github.com/pipewatch/internal/dedup"
	"github.com/pipewatch/internal/logging"
	"github.com/pipewatch/internal/mailbox"
	"github.com/pipewatch/internal/orchestrator"
	"github.com/pipewatch/internal/store"
	"github.com/pipewatch/internal/workqueue"
)

// ServeCommand returns the CLI command for running the service
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the analysis service",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	if _, err := pg.MarkNonTerminalExpired(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	gitlabCollector, err := collector.NewGitLab(collector.GitLabConfig{
		URL:               cfg.GitLab.URL,
		Token:             cfg.GitLab.Token,
		Timeout:           cfg.GitLabTimeout(),
		ErrorContextLines: cfg.GitLab.ErrorContextLines,
		RequestsPerSecond: cfg.GitLab.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create GitLab collector: %w", err)
	}

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	results := store.NewResultCache(cfg.ResultTTL())
	manager := orchestrator.NewManager(pg, dedup.NewStore(), gitlabCollector, gateway, results, orchestrator.Options{
		DedupTTL:          cfg.DedupTTL(),
		WatchdogDeadline:  cfg.WatchdogDeadline(),
		FetchFullPipeline: cfg.Orchestrator.FetchFullPipeline,
		MaxLogBytes:       cfg.GitLab.MaxLogBytes,
		ErrorContextLines: cfg.GitLab.ErrorContextLines,
	})

	queue, err := workqueue.New(pg.Pool(), manager, cfg.Orchestrator.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to create work queue: %w", err)
	}
	manager.SetQueue(queue)

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start work queue: %w", err)
	}
	defer func() {
		stopCtx := context.Background()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Work queue did not stop cleanly")
		}
	}()

	if cfg.Mailbox.Enabled {
		poller := mailbox.NewPoller(mailbox.Config{
			Server:          cfg.Mailbox.Server,
			Port:            cfg.Mailbox.Port,
			User:            cfg.Mailbox.User,
			Password:        cfg.Mailbox.Password,
			Folder:          cfg.Mailbox.Folder,
			SenderAddress:   cfg.Mailbox.SenderAddress,
			PollInterval:    cfg.PollInterval(),
			FailureKeywords: splitKeywords(cfg.Mailbox.FailureKeywords),
		}, manager, pg)
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Mailbox poller exited")
			}
		}()
	}

	server := api.NewServer(cfg.Server.Port, cfg.Server.WebhookSecret, manager)
	return server.Start(ctx)
}

// buildGateway resolves every configured provider and wires the
// primary/fallback policy.
func buildGateway(ctx context.Context, cfg *config.Config) (*ai.Gateway, error) {
	registry := ai.NewRegistry()

	for name, settings := range cfg.AI.Providers {
		kind := stringSetting(settings, "kind")
		if kind == "" {
			kind = name
		}

		provider, err := ai.NewLLMProvider(ctx, name, ai.ProviderOptions{
			Kind:         kind,
			APIKey:       stringSetting(settings, "api_key"),
			BaseURL:      stringSetting(settings, "base_url"),
			Model:        stringSetting(settings, "model"),
			Temperature:  floatSetting(settings, "temperature"),
			MaxTokens:    intSetting(settings, "max_tokens"),
			RequiresLogs: boolSetting(settings, "requires_logs"),
			Timeout:      cfg.AITimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
		}
		registry.Register(provider)
	}

	gateway, err := ai.NewGateway(registry, cfg.AI.DefaultProvider, cfg.AI.FallbackProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create AI gateway: %w", err)
	}

	log.Info().
		Strs("providers", registry.Names()).
		Str("primary", cfg.AI.DefaultProvider).
		Str("fallback", cfg.AI.FallbackProvider).
		Msg("AI providers resolved")

	return gateway, nil
}

func splitKeywords(raw string) []string {
	var keywords []string
	for _, kw := range strings.Split(raw, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

func stringSetting(settings map[string]interface{}, key string) string {
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}

func floatSetting(settings map[string]interface{}, key string) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intSetting(settings map[string]interface{}, key string) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolSetting(settings map[string]interface{}, key string) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return false
}
