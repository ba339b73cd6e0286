// Package scaler implements the per-feature standardization shared by training and
// inference. Parameters are persisted as a small JSON document so that the serving
// path can reload exactly what training produced.
package scaler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/fileutil"
)

// Params are the fitted per-column statistics.
type Params struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Standard standardizes features column-wise: (x - mean) / std.
// A Standard is immutable once fit or loaded and safe for concurrent use.
type Standard struct {
	params Params
}

// Fit computes the population mean and standard deviation of every column.
// Columns with zero deviation get a std of 1.0 so they map to zero rather than NaN.
func Fit(features [][]float64) (*Standard, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("fit scaler on empty feature matrix: %w", errdefs.ErrShape)
	}
	width := len(features[0])
	if width == 0 {
		return nil, fmt.Errorf("fit scaler on zero-width features: %w", errdefs.ErrShape)
	}

	p := Params{Mean: make([]float64, width), Std: make([]float64, width)}
	col := make([]float64, len(features))
	for j := 0; j < width; j++ {
		for i, row := range features {
			if len(row) != width {
				return nil, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(row), width, errdefs.ErrShape)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		p.Mean[j] = mean
		p.Std[j] = std
	}
	return &Standard{params: p}, nil
}

// FromParams builds a scaler from previously fitted parameters.
func FromParams(p Params) (*Standard, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Std) {
		return nil, fmt.Errorf("scaler parameters have %d means and %d stds: %w",
			len(p.Mean), len(p.Std), errdefs.ErrShape)
	}
	s := &Standard{params: Params{
		Mean: append([]float64(nil), p.Mean...),
		Std:  append([]float64(nil), p.Std...),
	}}
	for i, v := range s.params.Std {
		if v == 0 {
			s.params.Std[i] = 1
		}
	}
	return s, nil
}

// Params returns a copy of the fitted parameters.
func (s *Standard) Params() Params {
	if s == nil {
		return Params{}
	}
	return Params{
		Mean: append([]float64(nil), s.params.Mean...),
		Std:  append([]float64(nil), s.params.Std...),
	}
}

// Width returns the number of columns the scaler was fit on.
func (s *Standard) Width() int {
	if s == nil {
		return 0
	}
	return len(s.params.Mean)
}

// Apply returns a standardized copy of features.
func (s *Standard) Apply(features [][]float64) ([][]float64, error) {
	if s == nil || len(s.params.Mean) == 0 {
		return nil, errdefs.ErrNotFitted
	}

	out := make([][]float64, len(features))
	for i, row := range features {
		if len(row) != len(s.params.Mean) {
			return nil, fmt.Errorf("row %d has %d columns, scaler expects %d: %w",
				i, len(row), len(s.params.Mean), errdefs.ErrShape)
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.params.Mean[j]) / s.params.Std[j]
		}
		out[i] = scaled
	}
	return out, nil
}

// Save writes the parameters to path. The document is written to a temporary file
// in the same directory and renamed, so readers see either the old or the new file.
func (s *Standard) Save(path string) error {
	if s == nil || len(s.params.Mean) == 0 {
		return errdefs.ErrNotFitted
	}

	data, err := json.MarshalIndent(s.params, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scaler params: %w", err)
	}
	return fileutil.WriteAtomic(path, data)
}

// Load reads parameters previously written by Save.
func Load(path string) (*Standard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scaler params %s: %w", path, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("read scaler params: %w", err)
	}

	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode scaler params %s: %w", path, err)
	}
	return FromParams(p)
}
