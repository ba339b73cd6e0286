package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
)

// Ratios are the train/validation/test fractions of a split. They must sum to 1.
type Ratios struct {
	Train      float64
	Validation float64
	Test       float64
}

// DefaultRatios is the 70/15/15 split used by training.
var DefaultRatios = Ratios{Train: 0.70, Validation: 0.15, Test: 0.15}

// DefaultSeed makes training splits reproducible.
const DefaultSeed int64 = 42

const ratioTolerance = 1e-9

// Validate checks that the ratios are non-negative and sum to 1.
func (r Ratios) Validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return fmt.Errorf("split ratios must be non-negative, got %v/%v/%v: %w",
			r.Train, r.Validation, r.Test, errdefs.ErrInvalidConfig)
	}
	sum := r.Train + r.Validation + r.Test
	if math.Abs(sum-1) > ratioTolerance*math.Max(1, math.Abs(sum)) {
		return fmt.Errorf("split ratios must sum to 1.0, got %v: %w", sum, errdefs.ErrInvalidConfig)
	}
	return nil
}

// Split shuffles samples with a generator seeded from seed and partitions them into
// train, validation and test subsets. The first floor(n*Train) shuffled samples
// form the training set, the next floor(n*Validation) the validation set and the
// remainder the test set. The same inputs and seed always yield the same partition.
//
// The generator is local to the call; Split never touches global random state.
func Split(features [][]float64, targets []float64, ratios Ratios, seed int64) (Partition, error) {
	if err := ratios.Validate(); err != nil {
		return Partition{}, err
	}
	if len(features) != len(targets) {
		return Partition{}, fmt.Errorf("features have %d rows but targets have %d: %w",
			len(features), len(targets), errdefs.ErrShape)
	}

	n := len(targets)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)

	nTrain := int(float64(n) * ratios.Train)
	nVal := int(float64(n) * ratios.Validation)
	if nTrain+nVal > n {
		nVal = n - nTrain
	}

	return Partition{
		Train:      take(features, targets, perm[:nTrain]),
		Validation: take(features, targets, perm[nTrain:nTrain+nVal]),
		Test:       take(features, targets, perm[nTrain+nVal:]),
	}, nil
}

func take(features [][]float64, targets []float64, idx []int) Subset {
	s := Subset{
		Features: make([][]float64, len(idx)),
		Targets:  make([]float64, len(idx)),
	}
	for i, j := range idx {
		row := make([]float64, len(features[j]))
		copy(row, features[j])
		s.Features[i] = row
		s.Targets[i] = targets[j]
	}
	return s
}
