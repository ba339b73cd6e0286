package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/fivedreg/pkg/adapters"
	"github.com/HatiCode/fivedreg/pkg/errdefs"
)

// Format identifies a dataset container encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// FormatFromPath picks a container format from a file name or URL.
// Unknown extensions default to JSON.
func FormatFromPath(location string) Format {
	if adapters.Ext(location) == ".csv" {
		return FormatCSV
	}
	return FormatJSON
}

// Loader reads dataset containers and applies missing-value cleaning.
type Loader struct {
	// FeaturesField is the JSON field holding the feature matrix. Defaults to "X".
	FeaturesField string

	// TargetsField is the JSON field holding the target vector. Defaults to "y".
	TargetsField string

	Logger *slog.Logger
}

// NewLoader returns a Loader with the default field names.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{FeaturesField: "X", TargetsField: "y", Logger: logger}
}

// Load reads the container behind src and returns the cleaned dataset.
func (l *Loader) Load(ctx context.Context, src adapters.Source) (*Dataset, error) {
	exists, err := src.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check dataset %s: %w", src.Location(), err)
	}
	if !exists {
		return nil, fmt.Errorf("dataset %s: %w", src.Location(), errdefs.ErrNotFound)
	}

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ds, err := l.Parse(rc, FormatFromPath(src.Location()))
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", src.Location(), err)
	}

	l.logger().Info("dataset loaded",
		"source", src.Name(),
		"location", src.Location(),
		"samples", ds.Len(),
		"dropped", ds.Dropped,
	)
	return ds, nil
}

// Parse decodes an already-open container stream.
func (l *Loader) Parse(r io.Reader, format Format) (*Dataset, error) {
	var (
		features [][]float64
		targets  []float64
		err      error
	)

	switch format {
	case FormatCSV:
		features, targets, err = parseCSV(r)
	case FormatJSON, "":
		var data []byte
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read container: %w", err)
		}
		features, targets, err = l.parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported container format %q: %w", format, errdefs.ErrSchema)
	}
	if err != nil {
		return nil, err
	}

	ds := dropMissing(features, targets)
	if ds.Dropped > 0 {
		l.logger().Warn("dropped rows with missing values", "dropped", ds.Dropped, "remaining", ds.Len())
	}
	return ds, nil
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Loader) fields() (string, string) {
	xf, yf := l.FeaturesField, l.TargetsField
	if xf == "" {
		xf = "X"
	}
	if yf == "" {
		yf = "y"
	}
	return xf, yf
}

func (l *Loader) parseJSON(data []byte) ([][]float64, []float64, error) {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("container is not valid JSON: %w", errdefs.ErrSchema)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil, fmt.Errorf("container must be a mapping with features and targets: %w", errdefs.ErrSchema)
	}

	xf, yf := l.fields()
	fields := root.Map()
	xRes, okX := fields[xf]
	yRes, okY := fields[yf]
	if !okX || !okY {
		return nil, nil, fmt.Errorf("container must contain %q and %q fields: %w", xf, yf, errdefs.ErrSchema)
	}

	if !xRes.IsArray() {
		return nil, nil, fmt.Errorf("features must be a 2-dimensional array: %w", errdefs.ErrShape)
	}
	rows := xRes.Array()
	features := make([][]float64, len(rows))
	for i, row := range rows {
		if !row.IsArray() {
			return nil, nil, fmt.Errorf("features must be a 2-dimensional array: %w", errdefs.ErrShape)
		}
		cells := row.Array()
		if len(cells) != NumFeatures {
			return nil, nil, fmt.Errorf("features must have exactly %d columns, row %d has %d: %w",
				NumFeatures, i, len(cells), errdefs.ErrShape)
		}
		vec := make([]float64, NumFeatures)
		for j, cell := range cells {
			v, err := jsonNumber(cell)
			if err != nil {
				return nil, nil, fmt.Errorf("features[%d][%d]: %w", i, j, err)
			}
			vec[j] = v
		}
		features[i] = vec
	}

	if !yRes.IsArray() {
		return nil, nil, fmt.Errorf("targets must be a 1-dimensional array: %w", errdefs.ErrShape)
	}
	values := yRes.Array()
	targets := make([]float64, len(values))
	for i, cell := range values {
		if cell.IsArray() || cell.IsObject() {
			return nil, nil, fmt.Errorf("targets must be a 1-dimensional array: %w", errdefs.ErrShape)
		}
		v, err := jsonNumber(cell)
		if err != nil {
			return nil, nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		targets[i] = v
	}

	if len(features) != len(targets) {
		return nil, nil, fmt.Errorf("features have %d rows but targets have %d: %w",
			len(features), len(targets), errdefs.ErrShape)
	}
	return features, targets, nil
}

// jsonNumber converts a JSON scalar to a float. null and the strings "NaN"/"nan"
// become NaN and mark the row as missing.
func jsonNumber(r gjson.Result) (float64, error) {
	switch r.Type {
	case gjson.Number:
		return r.Float(), nil
	case gjson.Null:
		return math.NaN(), nil
	case gjson.String:
		if isMissingToken(r.Str) {
			return math.NaN(), nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q: %w", r.Str, errdefs.ErrSchema)
		}
		return v, nil
	case gjson.JSON:
		return 0, fmt.Errorf("nested value where a number was expected: %w", errdefs.ErrShape)
	default:
		return 0, fmt.Errorf("non-numeric value %s: %w", r.Raw, errdefs.ErrSchema)
	}
}

func isMissingToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "null", "na":
		return true
	}
	return false
}

// parseCSV reads a header row followed by rows of NumFeatures feature columns and
// one target column.
func parseCSV(r io.Reader) ([][]float64, []float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("csv container is empty: %w", errdefs.ErrSchema)
		}
		if errors.Is(err, errdefs.ErrTooLarge) {
			return nil, nil, fmt.Errorf("read csv header: %w", err)
		}
		return nil, nil, fmt.Errorf("read csv header: %w", errdefs.ErrSchema)
	}
	if len(header) != NumFeatures+1 {
		return nil, nil, fmt.Errorf("csv must have %d feature columns and 1 target column, got %d columns: %w",
			NumFeatures, len(header), errdefs.ErrShape)
	}

	var (
		features [][]float64
		targets  []float64
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errdefs.ErrTooLarge) {
			return nil, nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv line %d: %v: %w", line, err, errdefs.ErrSchema)
		}
		if len(rec) != NumFeatures+1 {
			return nil, nil, fmt.Errorf("csv line %d has %d columns, want %d: %w",
				line, len(rec), NumFeatures+1, errdefs.ErrShape)
		}

		row := make([]float64, NumFeatures+1)
		for j, cell := range rec {
			if isMissingToken(cell) {
				row[j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("csv line %d column %d: non-numeric value %q: %w",
					line, j+1, cell, errdefs.ErrSchema)
			}
			row[j] = v
		}
		features = append(features, row[:NumFeatures:NumFeatures])
		targets = append(targets, row[NumFeatures])
	}
	return features, targets, nil
}

// dropMissing removes every row that has a NaN in its features or its target.
func dropMissing(features [][]float64, targets []float64) *Dataset {
	ds := &Dataset{
		Features: make([][]float64, 0, len(features)),
		Targets:  make([]float64, 0, len(targets)),
	}
	for i, row := range features {
		if math.IsNaN(targets[i]) || hasNaN(row) {
			ds.Dropped++
			continue
		}
		ds.Features = append(ds.Features, row)
		ds.Targets = append(ds.Targets, targets[i])
	}
	return ds
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
