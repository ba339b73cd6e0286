// Package dataset loads, cleans and partitions fivedreg training data.
//
// A dataset container holds a feature matrix (n rows, NumFeatures columns) and a
// target vector (n values). Rows with a missing value in any feature or in the
// target are dropped as a unit before the data is handed to training.
package dataset

// NumFeatures is the fixed input width of every feature vector.
const NumFeatures = 5

// Dataset is a cleaned feature matrix and its aligned target vector.
type Dataset struct {
	Features [][]float64
	Targets  []float64

	// Dropped is the number of rows removed because of missing values.
	Dropped int
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Targets)
}

// Subset is one side of a partition.
type Subset struct {
	Features [][]float64
	Targets  []float64
}

// Len returns the number of samples in the subset.
func (s Subset) Len() int { return len(s.Targets) }

// Partition is the train/validation/test split of a dataset.
type Partition struct {
	Train      Subset
	Validation Subset
	Test       Subset
}
