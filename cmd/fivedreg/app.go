package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/HatiCode/fivedreg/cmd/fivedreg/config"
	"github.com/HatiCode/fivedreg/cmd/fivedreg/logger"
	"github.com/HatiCode/fivedreg/cmd/fivedreg/metrics"
	"github.com/HatiCode/fivedreg/cmd/fivedreg/store"
	"github.com/HatiCode/fivedreg/pkg/adapters"
	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/httpx"
	"github.com/HatiCode/fivedreg/pkg/models"
	"github.com/HatiCode/fivedreg/pkg/serving"
	"github.com/HatiCode/fivedreg/pkg/training"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    store.Store
	registry *serving.Registry
	loader   *dataset.Loader
	orch     *training.Orchestrator
}

// loadConfig reads configuration for cmd and installs the default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	m := metrics.New(reg)

	st, err := store.New(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	client, err := httpx.NewClient(cfg.Dataset.TLS, cfg.Dataset.Timeout)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("dataset client: %w", err)
	}

	loader := dataset.NewLoader(log)
	loader.FeaturesField = cfg.Dataset.FeaturesField
	loader.TargetsField = cfg.Dataset.TargetsField

	registry := serving.NewRegistry(serving.Options{
		ScalerPath: cfg.ScalerPath,
		Logger:     log,
		Observer:   m,
	})

	orch, err := training.New(training.Config{
		ModelPath:       cfg.ModelPath,
		ScalerPath:      cfg.ScalerPath,
		Ratios:          cfg.Training.Ratios(),
		Seed:            cfg.Training.Seed,
		ValidationSplit: cfg.Training.ValidationSplit,
		Patience:        cfg.Training.Patience,
		Store:           st,
		Registry:        registry,
		Loader:          loader,
		Sources: adapters.Options{
			Headers:      cfg.Dataset.Headers,
			TemplateVars: cfg.Dataset.TemplateVars,
			MaxBytes:     cfg.Dataset.MaxBytes,
			HTTPClient:   client,
		},
		Logger:   log,
		Observer: m,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("training orchestrator: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		store:    st,
		registry: registry,
		loader:   loader,
		orch:     orch,
	}, nil
}

// loadPersistedModel publishes the model artifact at cfg.ModelPath. A missing
// artifact is reported with errdefs.ErrNotFound.
func (a *app) loadPersistedModel() error {
	m, err := models.NewMLP(models.DefaultMLPConfig())
	if err != nil {
		return err
	}
	return a.registry.LoadArtifact(m, a.cfg.ModelPath)
}

// preload publishes the persisted model if one exists and logs otherwise.
func (a *app) preload() {
	err := a.loadPersistedModel()
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrNotFound):
		a.logger.Info("no persisted model to preload", "path", a.cfg.ModelPath)
	default:
		a.logger.Warn("failed to preload model", "path", a.cfg.ModelPath, "error", err)
		a.metrics.RecordError("serving", "preload_failed")
	}
}

// Close stops the running job, if any, and releases the store.
func (a *app) Close() {
	a.orch.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
}
