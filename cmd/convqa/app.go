package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/api"
	"github.com/kalambet/convqa/internal/config"
	"github.com/kalambet/convqa/internal/draft"
	"github.com/kalambet/convqa/internal/engine"
	"github.com/kalambet/convqa/internal/grade"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/logging"
	"github.com/kalambet/convqa/internal/pipeline"
	"github.com/kalambet/convqa/internal/prompt"
	"github.com/kalambet/convqa/internal/retrieval"
	"github.com/kalambet/convqa/internal/segment"
	"github.com/kalambet/convqa/internal/storage"
)

// app holds the components shared by serve, analyze and mcp.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    engine.Engine
	retrieval *retrieval.Client
	analyzer  *pipeline.Analyzer
	store     *storage.Store // nil when storage.driver is none
}

// newLogger loads and validates the config and builds the logger for it.
func newLogger() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// newApp wires the analysis pipeline. withStore controls whether the result
// store is opened.
func newApp(withStore bool) (*app, error) {
	cfg, logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	eng, err := engine.Detect(engine.DetectConfig{
		Provider: cfg.Model.Provider,
		BaseURL:  cfg.Model.BaseURL,
		APIKey:   cfg.Model.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting model backend: %w", err)
	}

	prompts, err := prompt.Load(cfg.Prompts.Version)
	if err != nil {
		return nil, err
	}

	gw := llm.NewGateway(eng, llm.Config{
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		Timeout:     cfg.Model.Timeout,
		MaxRetries:  cfg.Model.MaxRetries,
		Backoff:     llm.Backoff{Base: cfg.Model.RetryBase, Max: cfg.Model.RetryMax},
	}, logger.Named("llm"))

	rc := retrieval.NewClient(cfg.Retrieval.BaseURL, cfg.Retrieval.Timeout)

	analyzer := pipeline.NewAnalyzer(
		segment.New(gw, prompts, logger.Named("segment")),
		draft.New(rc, gw, prompts, cfg.Retrieval.TopK, logger.Named("draft"),
			draft.WithContextTokens(cfg.Prompts.MaxContextTokens)),
		grade.New(gw, prompts, logger.Named("grade")),
		logger.Named("pipeline"),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
	)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		retrieval: rc,
		analyzer:  analyzer,
	}
	if withStore {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.store = store
	}
	logger.Debug("pipeline ready",
		zap.String("provider", eng.Name()),
		zap.String("model", cfg.Model.Name),
		zap.String("prompts", cfg.Prompts.Version),
		zap.String("storage", cfg.Storage.Driver))
	return a, nil
}

func openStore(sc config.StorageConfig) (*storage.Store, error) {
	switch sc.Driver {
	case "none":
		return nil, nil
	case "postgres":
		return storage.OpenPostgres(sc.DSN)
	default:
		return storage.Open(sc.DataDir)
	}
}

// history returns the store as an api.AnalysisStore, or nil when disabled.
func (a *app) history() api.AnalysisStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
