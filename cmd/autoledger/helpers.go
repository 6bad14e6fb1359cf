package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/AutoAccountingOrg/autoledger/internal/analyzer"
	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/config"
	"github.com/AutoAccountingOrg/autoledger/internal/dedup"
	"github.com/AutoAccountingOrg/autoledger/internal/merge"
	"github.com/AutoAccountingOrg/autoledger/internal/pipeline"
	"github.com/AutoAccountingOrg/autoledger/internal/rules"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
	"github.com/AutoAccountingOrg/autoledger/internal/storage"
)

func setupLogging() error {
	level := slog.LevelInfo
	switch viper.GetString("logging.level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return common.SetupLogger(level, viper.GetString("logging.format"))
}

// initStorage initializes the storage service with proper path expansion and
// fingerprint parameters matching the merge engine's.
func initStorage(ctx context.Context, settings service.Settings) (service.Storage, error) {
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		dbPath = "$HOME/.local/share/autoledger/autoledger.db"
	}
	dbPath = config.ExpandPath(dbPath)

	store, err := storage.NewSQLiteStorageWithConfig(dbPath, storage.Config{
		Bucket:    settings.TimeBucket(),
		MatchKind: settings.MatchKind(),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// pipelineComponents bundles everything built by initPipeline so callers can
// shut the pieces down in order.
type pipelineComponents struct {
	storage  service.Storage
	cache    *dedup.Cache
	merger   *merge.Engine
	pipeline *pipeline.Pipeline
}

func (c *pipelineComponents) Close() {
	c.pipeline.Close()
	c.merger.Close()
	c.cache.Close()
	_ = c.storage.Close()
}

// initPipeline wires the full processing chain.
func initPipeline(ctx context.Context, settings service.Settings) (*pipelineComponents, error) {
	store, err := initStorage(ctx, settings)
	if err != nil {
		return nil, err
	}

	cache := dedup.NewCache(settings.DedupTTL(), viper.GetInt("dedup.max_entries"))
	engine := rules.NewEngine(rules.NewStorageSource(store), store)
	merger := merge.NewEngine(store, settings)
	merger.StartSettlement(ctx)

	var ai service.Analyzer
	client, err := analyzer.NewClient(analyzer.Config{
		APIKey:   viper.GetString("analyzer.api_key"),
		Endpoint: viper.GetString("analyzer.endpoint"),
		Model:    viper.GetString("analyzer.model"),
		Timeout:  settings.AnalyzerTimeout(),
	})
	switch {
	case errors.Is(err, common.ErrAnalyzerDisabled):
		slog.Info("Analyzer not configured, running rule-only")
	case err != nil:
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	default:
		ai = client
	}

	p := pipeline.New(store, settings, cache, engine, ai, merger, pipeline.Config{
		Workers:   viper.GetInt("pipeline.workers"),
		QueueSize: viper.GetInt("pipeline.queue_size"),
	})

	return &pipelineComponents{
		storage:  store,
		cache:    cache,
		merger:   merger,
		pipeline: p,
	}, nil
}
