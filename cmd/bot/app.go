package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/ai"
	"github.com/xaenox/helpdesk-bot/internal/content"
	"github.com/xaenox/helpdesk-bot/internal/conversation"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/ranking"
	"github.com/xaenox/helpdesk-bot/internal/registry"
	"github.com/xaenox/helpdesk-bot/internal/session"
	"github.com/xaenox/helpdesk-bot/internal/storage"
	"github.com/xaenox/helpdesk-bot/internal/support"
	"github.com/xaenox/helpdesk-bot/pkg/config"
	"github.com/xaenox/helpdesk-bot/pkg/logger"
)

// app owns every long-lived component of a running bot
type app struct {
	store        storage.Store
	corpus       *content.Cache
	channels     *registry.Registry
	orchestrator *support.Orchestrator
	admin        *support.Admin
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "redis":
		logger.Info("Using Redis storage")
		r := cfg.Storage.Redis
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			URL:          r.URL,
			Addr:         r.Addr,
			Password:     r.Password,
			DB:           r.DB,
			Prefix:       r.Prefix,
			PoolSize:     r.PoolSize,
			DialTimeout:  r.DialTimeout,
			MaxTxRetries: r.MaxTxRetries,
		}, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		db := cfg.Storage.Database
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			DBName:   db.DBName,
			SSLMode:  db.SSLMode,
		}, logger)
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}

func newCorpus(cfg *config.Config, logger *zap.Logger) (*content.Cache, error) {
	sources := make([]content.Source, 0, len(cfg.Content.Sources))
	// declaration order keeps crawls and logs stable
	for _, c := range models.Categories {
		if url, ok := cfg.Content.Sources[string(c)]; ok {
			sources = append(sources, content.Source{Category: c, URL: url})
		}
	}

	return content.New(content.Config{
		Sources:                sources,
		RefreshInterval:        cfg.Content.RefreshInterval,
		CheckInterval:          cfg.Content.CheckInterval,
		FetchTimeout:           cfg.Content.FetchTimeout,
		MaxArticlesPerCategory: cfg.Content.MaxArticlesPerCategory,
		MinContentLength:       cfg.Content.MinContentLength,
		MaxConcurrentFetches:   cfg.Content.MaxConcurrentFetches,
		UserAgent:              cfg.Content.UserAgent,
	}, logger.Named("content"))
}

func rankingConfig(cfg *config.Config) ranking.Config {
	profiles := make(map[models.Category]ranking.Profile, len(cfg.Ranking.Profiles))
	for key, p := range cfg.Ranking.Profiles {
		// Validate has already rejected unknown keys
		c, _ := models.ParseCategory(key)
		profiles[c] = ranking.Profile{Keywords: p.Keywords, Products: p.Products}
	}

	fallback := make([]models.Category, 0, len(cfg.Ranking.Fallback))
	for _, key := range cfg.Ranking.Fallback {
		c, _ := models.ParseCategory(key)
		fallback = append(fallback, c)
	}

	w := cfg.Ranking.Weights
	return ranking.Config{
		Strategy: cfg.Ranking.Strategy,
		Weights: ranking.Weights{
			CategoryKeyword: w.CategoryKeyword,
			ProductMention:  w.ProductMention,
			TitleTerm:       w.TitleTerm,
			BodyTerm:        w.BodyTerm,
			ExactPhrase:     w.ExactPhrase,
		},
		TopCategories: cfg.Ranking.TopCategories,
		Profiles:      ranking.MergeProfiles(profiles),
		Fallback:      fallback,
		Products:      cfg.Support.Products,
		Embedding: ranking.EmbeddingConfig{
			TopK:          cfg.Ranking.Embedding.TopK,
			MinSimilarity: cfg.Ranking.Embedding.MinSimilarity,
			MaxInputRunes: cfg.Ranking.Embedding.MaxInputRunes,
		},
	}
}

func supportConfig(cfg *config.Config) support.Config {
	m := cfg.Support.Messages
	return support.Config{
		ConfidenceThreshold:    cfg.Support.ConfidenceThreshold,
		ContentTokenBudget:     cfg.Support.ContentTokenBudget,
		EscalationPhrases:      cfg.Support.EscalationPhrases,
		Products:               cfg.Support.Products,
		RestrictDirectMessages: cfg.Support.RestrictDirectMessages,
		Messages: support.Messages{
			TopicPrompt:      m.TopicPrompt,
			ProductPrompt:    m.ProductPrompt,
			ProductSelected:  m.ProductSelected,
			CategorySelected: m.CategorySelected,
			Handoff:          m.Handoff,
			Resumed:          m.Resumed,
			LowConfidence:    m.LowConfidence,
			Degraded:         m.Degraded,
			NoActiveHandoff:  m.NoActiveHandoff,
		},
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("storage is unreachable: %w", err)
	}

	corpus, err := newCorpus(cfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize content cache: %w", err)
	}

	aiConfig := ai.Config{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		Model:          cfg.OpenAI.Model,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		MaxTokens:      cfg.OpenAI.MaxTokens,
		Temperature:    cfg.OpenAI.Temperature,
	}

	var (
		embedder ranking.Embedder
		vectors  *ranking.VectorCache
	)
	if cfg.Ranking.Strategy == ranking.StrategyEmbedding {
		embedder = ai.NewOpenAIEmbedder(aiConfig, logger.Named("embedder"))
		vectors = ranking.NewVectorCache(store, cfg.Ranking.Embedding.CachePrefix, logger.Named("vectors"))
	}
	ranker, err := ranking.New(rankingConfig(cfg), embedder, vectors, logger.Named("ranking"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize ranker: %w", err)
	}

	channels := registry.New(store, registry.Config{PollInterval: cfg.Registry.PollInterval}, logger.Named("registry"))
	contexts := conversation.NewManager(conversation.Config{
		TokenBudget: cfg.Conversation.TokenBudget,
		Window:      cfg.Conversation.Window,
		IdleTTL:     cfg.Conversation.IdleTTL,
	}, logger.Named("conversation"))

	orchestrator := support.NewOrchestrator(supportConfig(cfg), support.Deps{
		Corpus:    corpus,
		Ranker:    ranker,
		Completer: ai.NewOpenAICompleter(aiConfig, logger.Named("completer")),
		Sessions:  session.NewStore(store, logger.Named("session")),
		Contexts:  contexts,
		Channels:  channels,
	}, logger.Named("support"))

	return &app{
		store:        store,
		corpus:       corpus,
		channels:     channels,
		orchestrator: orchestrator,
		admin:        support.NewAdmin(cfg.Support.Products, corpus, channels, logger.Named("admin")),
	}, nil
}

// Start launches the corpus refresher and the registry poller
func (a *app) Start(ctx context.Context) {
	a.corpus.Start(ctx)
	a.channels.Start(ctx)
}

func (a *app) Close() {
	a.channels.Close()
	a.corpus.Close()
	a.store.Close()
}
