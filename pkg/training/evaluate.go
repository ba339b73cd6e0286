package training

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/fivedreg/pkg/models"
	"github.com/HatiCode/fivedreg/pkg/storage"
)

// evaluate scores a trained regressor on the held-out validation and test subsets.
// Metrics that are undefined for a subset (empty, or R² on fewer than two samples
// or a constant target) are left nil.
func evaluate(ctx context.Context, reg models.Regressor, xVal [][]float64, yVal []float64, xTest [][]float64, yTest []float64) (*storage.Evaluation, error) {
	eval := &storage.Evaluation{
		ValidationSamples: len(yVal),
		TestSamples:       len(yTest),
	}

	if len(yVal) > 0 {
		pred, err := reg.Predict(ctx, xVal)
		if err != nil {
			return nil, err
		}
		eval.ValidationMSE = finite(MeanSquaredError(pred, yVal))
	}

	if len(yTest) > 0 {
		pred, err := reg.Predict(ctx, xTest)
		if err != nil {
			return nil, err
		}
		eval.TestMSE = finite(MeanSquaredError(pred, yTest))
		if len(yTest) > 1 {
			eval.TestR2 = finite(stat.RSquaredFrom(pred, yTest, nil))
		}
	}

	return eval, nil
}

// MeanSquaredError returns mean((pred - y)^2).
func MeanSquaredError(pred, y []float64) float64 {
	if len(y) == 0 {
		return math.NaN()
	}
	diff := make([]float64, len(y))
	floats.SubTo(diff, pred, y)
	return floats.Dot(diff, diff) / float64(len(y))
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
