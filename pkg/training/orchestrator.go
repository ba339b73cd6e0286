// Package training runs asynchronous training jobs and publishes their models.
//
// An Orchestrator owns a single training slot. Start validates hyperparameters,
// claims the slot, records a new running job and returns immediately; the pipeline
// (dataset resolution, split, scaling, fit, save, reload, publish) runs on a
// background goroutine that reports progress into the job record. Every failure,
// including a panic, ends the job as failed and frees the slot.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/HatiCode/fivedreg/pkg/adapters"
	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/models"
	"github.com/HatiCode/fivedreg/pkg/scaler"
	"github.com/HatiCode/fivedreg/pkg/serving"
	"github.com/HatiCode/fivedreg/pkg/storage"
)

// Params are the hyperparameters of a training request.
type Params = storage.TrainParams

// DefaultParams returns the hyperparameters used when a request leaves them unset.
func DefaultParams() Params {
	return Params{
		Epochs:       100,
		BatchSize:    32,
		LearningRate: 0.001,
		HiddenSize:   64,
	}
}

// MinHiddenSize keeps every layer of the [h, h/2, h/4] pyramid at least one unit wide.
const MinHiddenSize = 4

// ValidateParams checks hyperparameters before a job is started.
func ValidateParams(p Params) error {
	switch {
	case p.Epochs <= 0:
		return fmt.Errorf("epochs must be > 0, got %d: %w", p.Epochs, errdefs.ErrInvalidConfig)
	case p.BatchSize <= 0:
		return fmt.Errorf("batchSize must be > 0, got %d: %w", p.BatchSize, errdefs.ErrInvalidConfig)
	case !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0):
		return fmt.Errorf("learningRate must be a positive number, got %v: %w", p.LearningRate, errdefs.ErrInvalidConfig)
	case p.HiddenSize < MinHiddenSize:
		return fmt.Errorf("hiddenSize must be >= %d, got %d: %w", MinHiddenSize, p.HiddenSize, errdefs.ErrInvalidConfig)
	}
	return nil
}

// RegressorFactory builds an untrained regressor for one job.
type RegressorFactory func(cfg models.MLPConfig) (models.Regressor, error)

// NewMLPRegressor is the default RegressorFactory.
func NewMLPRegressor(cfg models.MLPConfig) (models.Regressor, error) {
	return models.NewMLP(cfg)
}

// Observer receives job lifecycle events, typically to export metrics.
type Observer interface {
	JobStarted()
	EpochCompleted(epoch int, loss float64)
	JobFinished(status storage.JobStatus, duration time.Duration)
}

// Config wires an Orchestrator.
type Config struct {
	// ModelPath is where the trained artifact is saved and reloaded from.
	ModelPath string
	// ScalerPath is where fitted scaler parameters are saved.
	ScalerPath string

	Ratios          dataset.Ratios
	Seed            int64
	ValidationSplit float64
	Patience        int

	Store        storage.Store
	Registry     *serving.Registry
	Loader       *dataset.Loader
	Sources      adapters.Options
	NewRegressor RegressorFactory

	Logger   *slog.Logger
	Observer Observer
}

// Orchestrator runs at most one training job at a time.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.RWMutex
	current storage.JobRecord
	data    *dataset.Dataset

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Zero-valued split, seed, validation and patience
// settings take the package defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if cfg.ScalerPath == "" {
		return nil, errors.New("scaler path is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("serving registry is required")
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Loader == nil {
		cfg.Loader = dataset.NewLoader(cfg.Logger)
	}
	if cfg.NewRegressor == nil {
		cfg.NewRegressor = NewMLPRegressor
	}
	if cfg.Ratios == (dataset.Ratios{}) {
		cfg.Ratios = dataset.DefaultRatios
	}
	if err := cfg.Ratios.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = dataset.DefaultSeed
	}
	if cfg.ValidationSplit == 0 {
		cfg.ValidationSplit = 0.2
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return nil, fmt.Errorf("validation split must be in [0, 1), got %v: %w", cfg.ValidationSplit, errdefs.ErrInvalidConfig)
	}
	if cfg.Patience == 0 {
		cfg.Patience = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "training"),
		sem:     semaphore.NewWeighted(1),
		current: storage.JobRecord{Status: storage.StatusIdle},
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start validates p, claims the training slot and launches the job in the
// background. It returns the initial running record.
//
// Returns errdefs.ErrInvalidConfig for bad hyperparameters and errdefs.ErrBusy when
// a job is already running.
func (o *Orchestrator) Start(ctx context.Context, p Params) (storage.JobRecord, error) {
	if err := ValidateParams(p); err != nil {
		return storage.JobRecord{}, err
	}
	if !o.sem.TryAcquire(1) {
		return storage.JobRecord{}, errdefs.ErrBusy
	}

	record := storage.JobRecord{
		ID:          uuid.NewString(),
		Status:      storage.StatusRunning,
		Params:      p,
		TotalEpochs: p.Epochs,
		LossHistory: []storage.LossPoint{},
		StartedAt:   time.Now().UTC(),
	}

	o.mu.Lock()
	o.current = record
	o.mu.Unlock()

	if err := o.cfg.Store.Put(ctx, record); err != nil {
		o.logger.Warn("failed to persist job record", "job_id", record.ID, "error", err)
	}
	if o.cfg.Observer != nil {
		o.cfg.Observer.JobStarted()
	}

	o.logger.Info("training job started",
		"job_id", record.ID,
		"epochs", p.Epochs,
		"batch_size", p.BatchSize,
		"learning_rate", p.LearningRate,
		"hidden_size", p.HiddenSize,
		"data_path", p.DataPath,
	)

	o.wg.Add(1)
	go o.run(record.ID, p)

	return record.Clone(), nil
}

// Run starts a job and blocks until it finishes, returning its final record.
func (o *Orchestrator) Run(ctx context.Context, p Params) (storage.JobRecord, error) {
	record, err := o.Start(ctx, p)
	if err != nil {
		return storage.JobRecord{}, err
	}
	o.Wait()

	final := o.Status()
	if final.ID != record.ID {
		return storage.JobRecord{}, fmt.Errorf("job %s was replaced before it could be read", record.ID)
	}
	if final.Status == storage.StatusFailed {
		return final, fmt.Errorf("%w: %s", errdefs.ErrTrainingFailed, final.Error)
	}
	return final, nil
}

// Status returns a copy of the current or most recent job. When no job has run it
// returns an idle record with an empty ID.
func (o *Orchestrator) Status() storage.JobRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Clone()
}

// Running reports whether a job is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Status == storage.StatusRunning
}

// Job looks up a job by id, preferring the live in-memory record.
func (o *Orchestrator) Job(ctx context.Context, id string) (storage.JobRecord, bool, error) {
	o.mu.RLock()
	if o.current.ID != "" && o.current.ID == id {
		rec := o.current.Clone()
		o.mu.RUnlock()
		return rec, true, nil
	}
	o.mu.RUnlock()

	if err := storage.ValidateID(id); err != nil {
		return storage.JobRecord{}, false, nil
	}
	return o.cfg.Store.Get(ctx, id)
}

// Jobs lists stored jobs, most recently started first.
func (o *Orchestrator) Jobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	return o.cfg.Store.List(ctx, limit)
}

// Wait blocks until the running job, if any, has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels the running job and waits for it to record its terminal state.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Recover restores the most recent job from the store so status survives restarts.
// A job stored as running belonged to a process that died; it is marked failed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	latest, found, err := o.cfg.Store.GetLatest(ctx)
	if err != nil {
		return fmt.Errorf("load latest job: %w", err)
	}
	if !found {
		return nil
	}

	if latest.Status == storage.StatusRunning {
		now := time.Now().UTC()
		latest.Status = storage.StatusFailed
		latest.Error = "interrupted by process restart"
		latest.FinishedAt = &now
		if err := o.cfg.Store.Put(ctx, latest); err != nil {
			return fmt.Errorf("mark interrupted job %s: %w", latest.ID, err)
		}
		o.logger.Warn("marked interrupted job as failed", "job_id", latest.ID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.ID == "" {
		o.current = latest
	}
	return nil
}

// SetDataset replaces the in-memory dataset used when a job has no loadable source.
func (o *Orchestrator) SetDataset(ds *dataset.Dataset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = ds
}

// Dataset returns the in-memory dataset, or nil.
func (o *Orchestrator) Dataset() *dataset.Dataset {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.data
}

// DataLoaded reports whether a non-empty in-memory dataset is present.
func (o *Orchestrator) DataLoaded() bool {
	return o.Dataset().Len() > 0
}

// ResetState forgets the most recent job. Rejected with errdefs.ErrBusy while a job runs.
func (o *Orchestrator) ResetState() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.Status == storage.StatusRunning {
		return errdefs.ErrBusy
	}
	o.current = storage.JobRecord{Status: storage.StatusIdle}
	return nil
}

// ClearDataset drops the in-memory dataset. Rejected with errdefs.ErrBusy while a job runs.
func (o *Orchestrator) ClearDataset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.Status == storage.StatusRunning {
		return errdefs.ErrBusy
	}
	o.data = nil
	return nil
}

// Reset forgets the most recent job and drops the in-memory dataset under one lock,
// so a job started concurrently sees either the old state or the cleared state.
// Rejected with errdefs.ErrBusy, changing nothing, while a job runs.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.Status == storage.StatusRunning {
		return errdefs.ErrBusy
	}
	o.current = storage.JobRecord{Status: storage.StatusIdle}
	o.data = nil
	return nil
}

func (o *Orchestrator) run(id string, p Params) {
	defer o.wg.Done()
	defer o.sem.Release(1)

	start := time.Now()
	logger := o.logger.With("job_id", id)

	result, err := o.execute(o.baseCtx, logger, p)
	now := time.Now().UTC()

	var status storage.JobStatus
	o.mu.Lock()
	if o.current.ID == id {
		o.current.FinishedAt = &now
		if err != nil {
			o.current.Status = storage.StatusFailed
			o.current.Error = err.Error()
		} else {
			o.current.Status = storage.StatusCompleted
			o.current.FinalLoss = &result.finalLoss
			o.current.Evaluation = result.evaluation
		}
		status = o.current.Status
	}
	snap := o.current.Clone()
	o.mu.Unlock()

	o.persist(logger, snap)

	if o.cfg.Observer != nil {
		o.cfg.Observer.JobFinished(status, time.Since(start))
	}
	if err != nil {
		logger.Error("training job failed", "error", fmt.Errorf("%w: %w", errdefs.ErrTrainingFailed, err))
		return
	}
	logger.Info("training job completed", "final_loss", result.finalLoss, "duration", time.Since(start))
}

type jobResult struct {
	finalLoss  float64
	evaluation *storage.Evaluation
}

// execute runs the pipeline. A panic anywhere in it is converted into an error.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, p Params) (res jobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in training job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ds, err := o.resolveDataset(ctx, logger, p.DataPath)
	if err != nil {
		return jobResult{}, err
	}

	part, err := dataset.Split(ds.Features, ds.Targets, o.cfg.Ratios, o.cfg.Seed)
	if err != nil {
		return jobResult{}, fmt.Errorf("split dataset: %w", err)
	}
	if part.Train.Len() == 0 {
		return jobResult{}, fmt.Errorf("dataset of %d samples leaves no training rows: %w", ds.Len(), errdefs.ErrShape)
	}
	logger.Info("dataset split",
		"train", part.Train.Len(),
		"validation", part.Validation.Len(),
		"test", part.Test.Len(),
	)

	sc, err := scaler.Fit(part.Train.Features)
	if err != nil {
		return jobResult{}, fmt.Errorf("fit scaler: %w", err)
	}
	if err := sc.Save(o.cfg.ScalerPath); err != nil {
		return jobResult{}, fmt.Errorf("save scaler: %w", err)
	}
	xTrain, err := sc.Apply(part.Train.Features)
	if err != nil {
		return jobResult{}, fmt.Errorf("scale training set: %w", err)
	}
	xVal, err := sc.Apply(part.Validation.Features)
	if err != nil {
		return jobResult{}, fmt.Errorf("scale validation set: %w", err)
	}
	xTest, err := sc.Apply(part.Test.Features)
	if err != nil {
		return jobResult{}, fmt.Errorf("scale test set: %w", err)
	}

	mcfg := models.MLPConfig{
		HiddenLayers: models.PyramidLayers(p.HiddenSize),
		LearningRate: p.LearningRate,
		BatchSize:    p.BatchSize,
		MaxEpochs:    p.Epochs,
		Patience:     o.cfg.Patience,
		Seed:         o.cfg.Seed,
	}
	reg, err := o.cfg.NewRegressor(mcfg)
	if err != nil {
		return jobResult{}, fmt.Errorf("build regressor: %w", err)
	}
	o.update(func(r *storage.JobRecord) { r.ModelName = reg.Name() })

	hist, err := reg.Fit(ctx, xTrain, part.Train.Targets, o.cfg.ValidationSplit, func(epoch int, loss, valLoss float64) {
		o.recordEpoch(logger, epoch, loss, valLoss)
	})
	if err != nil {
		return jobResult{}, fmt.Errorf("fit: %w", err)
	}
	logger.Info("fit finished",
		"epochs", len(hist.Loss),
		"best_epoch", hist.BestEpoch,
		"stopped_early", hist.StoppedEarly,
	)

	if err := reg.Save(o.cfg.ModelPath); err != nil {
		return jobResult{}, fmt.Errorf("save model: %w", err)
	}

	fresh, err := o.cfg.NewRegressor(mcfg)
	if err != nil {
		return jobResult{}, fmt.Errorf("build regressor for reload: %w", err)
	}
	if err := fresh.Load(o.cfg.ModelPath); err != nil {
		return jobResult{}, fmt.Errorf("reload model: %w", err)
	}

	eval, err := evaluate(ctx, fresh, xVal, part.Validation.Targets, xTest, part.Test.Targets)
	if err != nil {
		return jobResult{}, fmt.Errorf("evaluate: %w", err)
	}

	o.cfg.Registry.Publish(fresh, o.cfg.ModelPath)

	return jobResult{finalLoss: hist.FinalLoss(), evaluation: eval}, nil
}

// resolveDataset prefers a loadable data path and falls back to the in-memory
// dataset when the path is empty or does not exist.
func (o *Orchestrator) resolveDataset(ctx context.Context, logger *slog.Logger, path string) (*dataset.Dataset, error) {
	if path != "" {
		src, err := adapters.New(path, o.cfg.Sources)
		if err != nil {
			return nil, fmt.Errorf("dataset source: %w", err)
		}
		exists, err := src.Exists(ctx)
		switch {
		case err != nil:
			logger.Warn("dataset source unavailable, trying in-memory dataset", "location", path, "error", err)
		case exists:
			ds, err := o.cfg.Loader.Load(ctx, src)
			if err != nil {
				return nil, fmt.Errorf("load dataset: %w", err)
			}
			return ds, nil
		default:
			logger.Info("dataset path does not exist, trying in-memory dataset", "location", path)
		}
	}

	if ds := o.Dataset(); ds.Len() > 0 {
		logger.Info("using in-memory dataset", "samples", ds.Len())
		return ds, nil
	}
	return nil, errors.New("no valid data found")
}

func (o *Orchestrator) recordEpoch(logger *slog.Logger, epoch int, loss, valLoss float64) {
	point := storage.LossPoint{Epoch: epoch, Loss: loss}
	if !math.IsNaN(valLoss) {
		v := valLoss
		point.ValLoss = &v
	}
	o.update(func(r *storage.JobRecord) {
		r.CurrentEpoch = epoch
		r.LossHistory = append(r.LossHistory, point)
	})
	if o.cfg.Observer != nil {
		o.cfg.Observer.EpochCompleted(epoch, loss)
	}
	logger.Debug("epoch completed", "epoch", epoch, "loss", loss, "val_loss", valLoss)
}

// update mutates the running record and persists a snapshot. Only the job
// goroutine calls it, so snapshots reach the store in order.
func (o *Orchestrator) update(fn func(r *storage.JobRecord)) {
	o.mu.Lock()
	if o.current.Status != storage.StatusRunning {
		o.mu.Unlock()
		return
	}
	fn(&o.current)
	snap := o.current.Clone()
	o.mu.Unlock()

	o.persist(o.logger.With("job_id", snap.ID), snap)
}

func (o *Orchestrator) persist(logger *slog.Logger, record storage.JobRecord) {
	if record.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Store.Put(ctx, record); err != nil {
		logger.Warn("failed to persist job record", "error", err)
	}
}
