// Penny is a personal assistant that chats over Signal or Discord,
// grows a per-user knowledge graph in the background, and proactively
// shares what it learns.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"penny/internal/agents"
	"penny/internal/channel"
	"penny/internal/config"
	pennyerrors "penny/internal/errors"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/news"
	"penny/internal/scheduler"
	"penny/internal/store"
	"penny/internal/tools"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:           "penny",
		Short:         "Personal assistant with a background knowledge pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevel(logging.ParseLevel(logLevel))
			return run()
		},
	}
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "penny:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.NewComponentLogger("main")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	client := llm.NewRetryClient(
		llm.NewClient(llm.Config{BaseURL: cfg.OllamaBaseURL}),
		pennyerrors.DefaultRetryConfig(),
	)

	ch, err := buildChannel(cfg)
	if err != nil {
		return err
	}

	var searcher tools.Searcher
	if cfg.PerplexityAPIKey != "" {
		searcher = tools.NewPerplexityClient(cfg.PerplexityAPIKey)
	}

	registry := tools.NewRegistry()
	if searcher != nil {
		if err := registry.Register(tools.NewSearchTool(searcher, st)); err != nil {
			return err
		}
	}
	if cfg.ImageModel != "" {
		if err := registry.Register(tools.NewImageTool(client, cfg.ImageModel)); err != nil {
			return err
		}
	}

	var newsClient news.Client
	if cfg.NewsAPIKey != "" {
		newsClient = news.NewHTTPClient(cfg.NewsAPIKey, cfg.NewsRateLimitBackoff)
	}

	extraction := agents.NewExtractionAgent(st, client, ch, agents.ExtractionConfig{
		Model:              cfg.BackgroundModel,
		EmbeddingModel:     cfg.EmbeddingModel,
		Batch:              cfg.ExtractionBatch,
		MinMessageLength:   cfg.MinMessageLength,
		FactDedupThreshold: cfg.FactDedupThreshold,
		LinkThreshold:      cfg.DiscoveryThreshold,
	})
	enrichment := agents.NewEnrichmentAgent(st, client, searcher, extraction, agents.EnrichmentConfig{
		Model:                cfg.BackgroundModel,
		EmbeddingModel:       cfg.EmbeddingModel,
		Interval:             cfg.EnrichmentInterval,
		Cooldown:             cfg.EnrichmentCooldown,
		BriefingFactCount:    cfg.BriefingFactCount,
		MinInterest:          cfg.MinInterest,
		InterestHalfLife:     cfg.InterestHalfLife,
		DiscoveryThreshold:   cfg.DiscoveryThreshold,
		DiscoveryBudget:      cfg.DiscoveryBudget,
		EntityDedupThreshold: cfg.EntityDedupThreshold,
	})
	events := agents.NewEventAgent(st, client, newsClient, agents.EventConfig{
		Model:              cfg.BackgroundModel,
		EmbeddingModel:     cfg.EmbeddingModel,
		DedupWindowDays:    cfg.EventDedupWindowDays,
		RelevanceThreshold: cfg.EventRelevance,
		TCRThreshold:       cfg.EventTCRThreshold,
		SemanticThreshold:  cfg.EventSemanticDedup,
		MaxPerPoll:         cfg.EventsMaxPerPoll,
	})
	notification := agents.NewNotificationAgent(st, client, ch, newsClient, agents.NotificationConfig{
		Model:            cfg.BackgroundModel,
		InitialBackoff:   cfg.InitialNotifyBackoff,
		MaxBackoff:       cfg.MaxNotifyBackoff,
		CooldownCycles:   cfg.NotifyCooldownCycles,
		MinContentLength: cfg.MinNotificationLength,
		IgnorePenalty:    cfg.IgnorePenalty,
		InterestHalfLife: cfg.InterestHalfLife,
	})
	research := agents.NewResearchAgent(st, client, searcher, ch, agents.ResearchConfig{
		Model:         cfg.BackgroundModel,
		MaxIterations: cfg.ResearchMaxIterations,
		FocusTimeout:  cfg.ResearchFocusTimeout,
	})

	// Priority order: extraction keeps the pipeline fed, enrichment and
	// events produce knowledge, notification surfaces it, research runs
	// in the gaps.
	schedules := []scheduler.Schedule{
		scheduler.NewPeriodic(extraction, cfg.ExtractionInterval),
		scheduler.NewIdle(enrichment, cfg.TickInterval),
		scheduler.NewIdle(events, cfg.TickInterval),
		scheduler.NewIdle(notification, cfg.ExtractionInterval),
		scheduler.NewIdle(research, cfg.ExtractionInterval),
	}
	sched := scheduler.New(schedules, cfg.TickInterval, cfg.IdleThreshold)

	commands := agents.NewCommandHandler(st, client, ch, cfg.BackgroundModel, cfg.LearnSearchBudget, cfg.ResearchMaxIterations)
	messageAgent := agents.NewMessageAgent(st, client, ch, registry, sched, commands, agents.MessageAgentConfig{
		Model:             cfg.Model,
		VisionModel:       cfg.VisionModel,
		MaxToolSteps:      cfg.MaxToolSteps,
		ToolTimeout:       cfg.ToolTimeout,
		ToolMaxConcurrent: cfg.ToolMaxConcurrent,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler exited: %v", err)
			stop()
		}
	}()

	logger.Info("penny started on %s", cfg.Channel)
	err = ch.Listen(ctx, func(env channel.Envelope) {
		go messageAgent.Handle(ctx, env)
	})
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func buildChannel(cfg config.RuntimeConfig) (channel.Channel, error) {
	switch cfg.Channel {
	case config.ChannelSignal:
		return channel.NewSignalChannel(cfg.SignalAPIURL, cfg.SignalNumber), nil
	case config.ChannelDiscord:
		return channel.NewDiscordChannel(cfg.DiscordToken), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}
