// Package serving holds the currently published model and answers predictions.
//
// The registry keeps at most one model. Publishing replaces it with a single atomic
// pointer store, so a request sees either the previous model or the new one, never
// a mix. The feature scaler is reloaded from its persisted path on every request so
// that inference always uses the parameters of the most recent training run.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/models"
	"github.com/HatiCode/fivedreg/pkg/scaler"
)

// Prediction outcomes reported to the Observer.
const (
	OutcomeOK           = "ok"
	OutcomeNoModel      = "no_model"
	OutcomeInvalidInput = "invalid_input"
	OutcomeError        = "error"
)

// Observer receives serving events, typically to export metrics.
type Observer interface {
	ObservePrediction(outcome string, duration time.Duration)
	SetModelLoaded(loaded bool)
}

// Info describes the published model.
type Info struct {
	Loaded      bool      `json:"loaded"`
	Name        string    `json:"name,omitempty"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Prediction is the result of a single inference.
type Prediction struct {
	Value float64

	// Scaled is false when no scaler document was available and raw features were used.
	Scaled bool
}

type published struct {
	model       models.Regressor
	source      string
	publishedAt time.Time
}

// Options configures a Registry.
type Options struct {
	// ScalerPath is the persisted scaler document reloaded on every prediction.
	ScalerPath string

	Logger   *slog.Logger
	Observer Observer
}

// Registry holds the current model. It is safe for concurrent use.
type Registry struct {
	current    atomic.Pointer[published]
	scalerPath string
	logger     *slog.Logger
	observer   Observer

	subMu       sync.Mutex
	subscribers []func(loaded bool)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		scalerPath: opts.ScalerPath,
		logger:     logger.With("component", "serving"),
		observer:   opts.Observer,
	}
}

// Subscribe registers fn to be called after every Publish and Clear.
func (r *Registry) Subscribe(fn func(loaded bool)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Publish makes m the current model. source describes where it came from, e.g.
// the artifact path.
func (r *Registry) Publish(m models.Regressor, source string) {
	r.current.Store(&published{model: m, source: source, publishedAt: time.Now()})
	r.logger.Info("model published", "model", m.Name(), "source", source)
	r.notify(true)
}

// Clear drops the current model.
func (r *Registry) Clear() {
	if r.current.Swap(nil) != nil {
		r.logger.Info("model cleared")
	}
	r.notify(false)
}

// LoadArtifact loads the artifact at path into m and publishes it.
func (r *Registry) LoadArtifact(m models.Regressor, path string) error {
	if err := m.Load(path); err != nil {
		return fmt.Errorf("load model artifact: %w", err)
	}
	r.Publish(m, path)
	return nil
}

// Loaded reports whether a model is published.
func (r *Registry) Loaded() bool {
	return r.current.Load() != nil
}

// Info describes the published model.
func (r *Registry) Info() Info {
	p := r.current.Load()
	if p == nil {
		return Info{}
	}
	return Info{Loaded: true, Name: p.model.Name(), Source: p.source, PublishedAt: p.publishedAt}
}

// Predict scales features with the persisted scaler and runs the current model.
//
// Returns errdefs.ErrNoModel when nothing is published and errdefs.ErrShape when the
// vector does not have dataset.NumFeatures values, checked in that order. Inputs that
// are not finite before or after scaling wrap errdefs.ErrNonFinite. A model output
// that is not finite is a plain error. A missing or unreadable scaler document is
// logged and the raw features are used.
func (r *Registry) Predict(ctx context.Context, features []float64) (pred Prediction, err error) {
	start := time.Now()
	defer func() {
		r.observe(outcomeOf(err), time.Since(start))
	}()

	p := r.current.Load()
	if p == nil {
		return Prediction{}, errdefs.ErrNoModel
	}
	if len(features) != dataset.NumFeatures {
		return Prediction{}, fmt.Errorf("expected %d features, got %d: %w", dataset.NumFeatures, len(features), errdefs.ErrShape)
	}

	if i := firstNonFinite(features); i >= 0 {
		return Prediction{}, fmt.Errorf("feature %d is %v: %w", i, features[i], errdefs.ErrNonFinite)
	}

	input := [][]float64{append([]float64(nil), features...)}
	scaled := false

	sc, err := scaler.Load(r.scalerPath)
	switch {
	case err == nil:
		out, err := sc.Apply(input)
		if err != nil {
			return Prediction{}, fmt.Errorf("apply scaler: %w", err)
		}
		if i := firstNonFinite(out[0]); i >= 0 {
			return Prediction{}, fmt.Errorf("feature %d scales to %v: %w", i, out[0][i], errdefs.ErrNonFinite)
		}
		input = out
		scaled = true
	case errors.Is(err, errdefs.ErrNotFound):
		r.logger.Warn("scaler parameters not found, using raw features", "path", r.scalerPath)
	default:
		r.logger.Warn("scaler parameters unreadable, using raw features", "path", r.scalerPath, "error", err)
	}

	out, err := p.model.Predict(ctx, input)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: %w", err)
	}
	if len(out) != 1 {
		return Prediction{}, fmt.Errorf("model returned %d outputs for 1 input", len(out))
	}
	if math.IsNaN(out[0]) || math.IsInf(out[0], 0) {
		return Prediction{}, fmt.Errorf("model produced non-finite output %v", out[0])
	}

	return Prediction{Value: out[0], Scaled: scaled}, nil
}

func firstNonFinite(xs []float64) int {
	for i, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errdefs.ErrNoModel):
		return OutcomeNoModel
	case errdefs.IsClientError(err):
		return OutcomeInvalidInput
	default:
		return OutcomeError
	}
}

func (r *Registry) observe(outcome string, d time.Duration) {
	if r.observer != nil {
		r.observer.ObservePrediction(outcome, d)
	}
}

func (r *Registry) notify(loaded bool) {
	if r.observer != nil {
		r.observer.SetModelLoaded(loaded)
	}

	r.subMu.Lock()
	subs := slices.Clone(r.subscribers)
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(loaded)
	}
}
