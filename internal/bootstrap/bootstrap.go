// Package bootstrap wires the store, clients and services into a runnable
// pipeline for the server and the CLI.
package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/config"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

// Pipeline holds the wired components.
type Pipeline struct {
	Store        *store.FileStore
	Machine      *taskstate.Machine
	Predictor    *client.PredictionClient
	Tasks        *service.TaskService
	Variants     *service.VariantService
	Orchestrator *orchestrator.Orchestrator
	Mirrored     bool
}

// New builds the pipeline. history may be nil.
func New(cfg *config.Config, history orchestrator.Recorder, logger *zap.Logger) (*Pipeline, error) {
	catalog, err := service.LoadVariantCatalog(cfg.Variants.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant catalog: %w", err)
	}

	st := store.NewFileStore(cfg.Store.DataDir, cfg.Store.Lock, logger)
	machine := taskstate.New(cfg.Orchestrator.StaleAfter, cfg.Orchestrator.MaxAttempts)

	predictor := client.NewPredictionClient(&cfg.Prediction, logger)
	if !predictor.IsConfigured() {
		logger.Warn("prediction API token not set, due tasks will be skipped")
	}

	var mirror client.Mirror
	if cfg.R2.R2Enabled() {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Warn("R2 mirror disabled", zap.Error(err))
		} else {
			mirror = r2
		}
	}

	images := service.NewImageInspector(cfg.Orchestrator.PublicBaseURL)
	lc := service.NewLifecycle(st, predictor, machine, logger)
	fetcher := client.NewDownloader(0, logger)

	corners := service.NewCornerService(lc, st, images, cfg.Prediction.CornerModel, cfg.Orchestrator.OffsetPercent, logger)
	forms := service.NewFormService(lc, st, images, cfg.Prediction.FormModel, logger)
	variants := service.NewVariantService(lc, st, images, catalog, fetcher, mirror, cfg.Prediction.VariantModel, logger)

	orch := orchestrator.New(st, machine,
		[]orchestrator.TaskHandler{corners, forms},
		variants, history,
		orchestrator.Config{
			MaxUnits:   cfg.Orchestrator.MaxUnits,
			RunTimeout: cfg.Orchestrator.RunTimeout,
		},
		logger)

	return &Pipeline{
		Store:        st,
		Machine:      machine,
		Predictor:    predictor,
		Tasks:        service.NewTaskService(st, machine, catalog, logger),
		Variants:     variants,
		Orchestrator: orch,
		Mirrored:     mirror != nil,
	}, nil
}
