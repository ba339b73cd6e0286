// Package models provides the trainable regressors used by fivedreg.
package models

import "context"

// Regressor is a trainable model mapping feature vectors to a single value.
//
// Implementations must be safe for concurrent Predict calls once trained or loaded.
type Regressor interface {
	// Name returns a short identifier including the architecture, e.g. "mlp[64-32-16]".
	Name() string

	// Fit trains on features X and targets y. The last validationSplit fraction of
	// the rows is held out for validation. progress, if non-nil, is called after
	// every epoch in strictly increasing epoch order.
	Fit(ctx context.Context, X [][]float64, y []float64, validationSplit float64, progress ProgressFunc) (History, error)

	// Predict returns one output per row of X.
	Predict(ctx context.Context, X [][]float64) ([]float64, error)

	// Save persists the trained model to path.
	Save(path string) error

	// Load replaces the model state with the artifact at path.
	Load(path string) error
}

// ProgressFunc receives per-epoch training metrics. Epochs are 1-based. valLoss is
// NaN when no validation data was held out.
type ProgressFunc func(epoch int, loss, valLoss float64)

// History is the per-epoch record of a Fit call.
type History struct {
	Loss    []float64
	ValLoss []float64

	// BestEpoch is the 1-based epoch whose weights were kept.
	BestEpoch int

	// StoppedEarly is true when early stopping ended training before MaxEpochs.
	StoppedEarly bool
}

// FinalLoss returns the training loss of the last epoch, or 0 if none ran.
func (h History) FinalLoss() float64 {
	if len(h.Loss) == 0 {
		return 0
	}
	return h.Loss[len(h.Loss)-1]
}

// PyramidLayers returns hidden widths [h, h/2, h/4].
func PyramidLayers(h int) []int {
	return []int{h, h / 2, h / 4}
}
