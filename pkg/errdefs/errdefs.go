// Package errdefs defines the error kinds shared by the fivedreg pipeline.
//
// Components wrap these sentinels with context via fmt.Errorf("...: %w", errdefs.ErrX)
// and callers classify failures with errors.Is. The HTTP layer maps each kind to a
// distinct status code, so no kind may be swallowed on the way up.
package errdefs

import "errors"

var (
	// ErrNotFound reports a missing dataset, scaler document or model artifact.
	ErrNotFound = errors.New("not found")

	// ErrSchema reports a dataset container that is not a mapping with the expected fields.
	ErrSchema = errors.New("schema error")

	// ErrShape reports mismatched dimensions (feature width, array rank, row counts).
	ErrShape = errors.New("shape error")

	// ErrNonFinite reports a feature vector that is, or scales to, NaN or ±Inf.
	ErrNonFinite = errors.New("non-finite value")

	// ErrInvalidConfig reports bad split ratios or hyperparameters.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotFitted reports a scaler used before Fit or Load.
	ErrNotFitted = errors.New("scaler not fitted")

	// ErrNotTrained reports a regressor used before Fit or Load.
	ErrNotTrained = errors.New("model not trained")

	// ErrNoModel reports a prediction attempted while no model is published.
	ErrNoModel = errors.New("model is not loaded")

	// ErrTrainingFailed wraps any failure of an orchestrated training run.
	ErrTrainingFailed = errors.New("training failed")

	// ErrTooLarge reports a dataset container larger than the configured read limit.
	ErrTooLarge = errors.New("dataset too large")

	// ErrBusy reports an operation rejected because a training job is running.
	ErrBusy = errors.New("training job already in progress")
)

// IsClientError reports whether err is caused by the caller's input rather than by
// the server. It is used by transports to pick between 4xx and 5xx responses.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSchema) ||
		errors.Is(err, ErrShape) ||
		errors.Is(err, ErrNonFinite) ||
		errors.Is(err, ErrInvalidConfig)
}
