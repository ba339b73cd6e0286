// Package modelstest provides a deterministic in-memory regressor for tests.
package modelstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/fileutil"
	"github.com/HatiCode/fivedreg/pkg/models"
)

// Fake predicts Bias + sum(features). Fit sets Bias to the target mean and reports
// Epochs epochs with loss 1/epoch.
type Fake struct {
	// Epochs is the number of epochs Fit reports. Defaults to 3.
	Epochs int

	// Gate, if non-nil, blocks Fit until it is closed or the context is done.
	Gate <-chan struct{}

	// Started, if non-nil, receives one value when Fit begins.
	Started chan<- struct{}

	// FitErr makes Fit fail after reporting progress.
	FitErr error

	// Panic makes Fit panic with this value.
	Panic any

	mu      sync.RWMutex
	trained bool
	bias    float64
	fits    int
}

var _ models.Regressor = (*Fake)(nil)

func (f *Fake) Name() string { return "fake" }

// Fits returns how many times Fit has completed successfully.
func (f *Fake) Fits() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fits
}

func (f *Fake) Fit(ctx context.Context, X [][]float64, y []float64, validationSplit float64, progress models.ProgressFunc) (models.History, error) {
	if f.Started != nil {
		f.Started <- struct{}{}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return models.History{}, ctx.Err()
		}
	}
	if f.Panic != nil {
		panic(f.Panic)
	}
	if len(X) != len(y) || len(X) == 0 {
		return models.History{}, fmt.Errorf("fake fit on %d rows and %d targets: %w", len(X), len(y), errdefs.ErrShape)
	}

	epochs := f.Epochs
	if epochs == 0 {
		epochs = 3
	}
	hist := models.History{BestEpoch: epochs}
	for e := 1; e <= epochs; e++ {
		loss := 1 / float64(e)
		hist.Loss = append(hist.Loss, loss)
		hist.ValLoss = append(hist.ValLoss, loss)
		if progress != nil {
			progress(e, loss, loss)
		}
	}
	if f.FitErr != nil {
		return models.History{}, f.FitErr
	}

	var sum float64
	for _, v := range y {
		sum += v
	}

	f.mu.Lock()
	f.bias = sum / float64(len(y))
	f.trained = true
	f.fits++
	f.mu.Unlock()
	return hist, nil
}

func (f *Fake) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errdefs.ErrNotTrained
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != 5 {
			return nil, fmt.Errorf("expected 5 features, got %d: %w", len(row), errdefs.ErrShape)
		}
		out[i] = f.bias
		for _, v := range row {
			out[i] += v
		}
	}
	return out, nil
}

type fakeArtifact struct {
	Bias float64 `json:"bias"`
}

func (f *Fake) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return errdefs.ErrNotTrained
	}
	data, err := json.Marshal(fakeArtifact{Bias: f.bias})
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data)
}

func (f *Fake) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fake artifact %s: %w", path, errdefs.ErrNotFound)
		}
		return err
	}
	var a fakeArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bias = a.Bias
	f.trained = true
	return nil
}
