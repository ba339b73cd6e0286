// Package router configures the fivedreg HTTP API.
//
// Routes configured:
//   - GET    /healthz, /health  - Liveness (healthz also pings the job store)
//   - GET    /metrics           - Prometheus metrics
//   - GET    /status            - Model, dataset and latest training job state
//   - POST   /upload            - Multipart dataset upload, kept in memory for training
//   - POST   /train             - Start a training job (202, 409 while one runs)
//   - GET    /train             - Recent training jobs
//   - GET    /train/{id}        - One training job
//   - POST   /predict           - Predict from a 5-element feature vector
//   - DELETE /model             - Unpublish the model and forget the latest job
//   - DELETE /reset             - Also drop the in-memory dataset
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/fivedreg/pkg/adapters"
	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/httpx"
	"github.com/HatiCode/fivedreg/pkg/serving"
	"github.com/HatiCode/fivedreg/pkg/storage"
	"github.com/HatiCode/fivedreg/pkg/training"
)

const (
	// maxUploadBytes bounds a multipart upload.
	maxUploadBytes = 512 << 20

	defaultJobLimit = 20
	maxJobLimit     = 200
)

// Deps are the components served by the API.
type Deps struct {
	Orchestrator *training.Orchestrator
	Registry     *serving.Registry
	Loader       *dataset.Loader

	// DataDir receives uploaded files.
	DataDir string

	CORSOrigins []string

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// HealthChecks must all pass for /healthz to report OK. /health stays a
	// plain liveness check.
	HealthChecks []httpx.Check

	Logger *slog.Logger
}

type api struct {
	Deps
	logger *slog.Logger
}

// New returns the API handler with logging, recovery and CORS middleware applied.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Loader == nil {
		d.Loader = dataset.NewLoader(d.Logger)
	}
	a := &api{Deps: d, logger: d.Logger.With("component", "router")}

	r := mux.NewRouter()
	r.Use(
		httpx.RecoveryMiddleware(d.Logger),
		httpx.LoggingMiddleware(d.Logger),
		httpx.CORSMiddleware(d.CORSOrigins),
	)

	r.Handle("/healthz", httpx.HealthHandler(d.HealthChecks...)).Methods(http.MethodGet)
	r.Handle("/health", httpx.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/upload", a.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/train", a.handleTrain).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/train", a.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/train/{id}", a.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/predict", a.handlePredict).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/model", a.handleDeleteModel).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/reset", a.handleReset).Methods(http.MethodDelete, http.MethodOptions)

	return r
}

// TrainingState is the job view returned by /status and the /train endpoints.
type TrainingState struct {
	JobID              string               `json:"jobId,omitempty"`
	Status             storage.JobStatus    `json:"status"`
	TrainingInProgress bool                 `json:"trainingInProgress"`
	Params             *storage.TrainParams `json:"params,omitempty"`
	ModelName          string               `json:"modelName,omitempty"`
	CurrentEpoch       int                  `json:"currentEpoch"`
	TotalEpochs        int                  `json:"totalEpochs"`
	LossHistory        []storage.LossPoint  `json:"lossHistory"`
	FinalLoss          *float64             `json:"finalLoss"`
	Error              *string              `json:"error"`
	Evaluation         *storage.Evaluation  `json:"evaluation,omitempty"`
	StartedAt          *time.Time           `json:"startedAt,omitempty"`
	FinishedAt         *time.Time           `json:"finishedAt,omitempty"`
}

func newTrainingState(rec storage.JobRecord) TrainingState {
	s := TrainingState{
		JobID:              rec.ID,
		Status:             rec.Status,
		TrainingInProgress: rec.InProgress(),
		ModelName:          rec.ModelName,
		CurrentEpoch:       rec.CurrentEpoch,
		TotalEpochs:        rec.TotalEpochs,
		LossHistory:        rec.LossHistory,
		FinalLoss:          rec.FinalLoss,
		Evaluation:         rec.Evaluation,
		FinishedAt:         rec.FinishedAt,
	}
	if s.Status == "" {
		s.Status = storage.StatusIdle
	}
	if s.LossHistory == nil {
		s.LossHistory = []storage.LossPoint{}
	}
	if rec.ID != "" {
		p := rec.Params
		s.Params = &p
		started := rec.StartedAt
		s.StartedAt = &started
	}
	if rec.Error != "" {
		msg := rec.Error
		s.Error = &msg
	}
	return s
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ModelLoaded   bool          `json:"modelLoaded"`
	DataLoaded    bool          `json:"dataLoaded"`
	ModelName     *string       `json:"modelName"`
	TrainingState TrainingState `json:"trainingState"`
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := a.Registry.Info()
	resp := StatusResponse{
		ModelLoaded:   info.Loaded,
		DataLoaded:    a.Orchestrator.DataLoaded(),
		TrainingState: newTrainingState(a.Orchestrator.Status()),
	}
	if info.Loaded {
		name := info.Name
		resp.ModelName = &name
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// UploadResponse is the body of a successful POST /upload.
type UploadResponse struct {
	Message     string `json:"message"`
	NSamples    int    `json:"nSamples"`
	NFeatures   int    `json:"nFeatures"`
	DroppedRows int    `json:"droppedRows"`
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("multipart field %q is required: %v", "file", err))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid file name %q", header.Filename))
		return
	}
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".json", ".csv":
	default:
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q, expected .json or .csv", ext))
		return
	}

	dest := filepath.Join(a.DataDir, name)
	if err := saveUpload(dest, file); err != nil {
		a.logger.Error("failed to save upload", "file", name, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "failed to save uploaded file")
		return
	}

	ds, err := a.Loader.Load(r.Context(), &adapters.FileSource{Path: dest})
	if err != nil {
		a.logger.Warn("uploaded dataset rejected", "file", name, "error", err)
		httpx.WriteError(w, uploadStatus(err), fmt.Errorf("failed to load %s: %w", name, err))
		return
	}
	a.Orchestrator.SetDataset(ds)

	a.writeJSON(w, http.StatusOK, UploadResponse{
		Message:     fmt.Sprintf("File '%s' uploaded and loaded successfully.", name),
		NSamples:    ds.Len(),
		NFeatures:   dataset.NumFeatures,
		DroppedRows: ds.Dropped,
	})
}

// uploadStatus reports a malformed upload as a client error.
func uploadStatus(err error) int {
	if errors.Is(err, errdefs.ErrNotFound) {
		return http.StatusInternalServerError
	}
	return httpx.StatusFromError(err)
}

func saveUpload(dest string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// TrainResponse is the body of an accepted POST /train.
type TrainResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

func (a *api) handleTrain(w http.ResponseWriter, r *http.Request) {
	p := training.DefaultParams()
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.WriteErrorFor(w, err)
		return
	}

	rec, err := a.Orchestrator.Start(r.Context(), p)
	if err != nil {
		httpx.WriteErrorFor(w, err)
		return
	}

	w.Header().Set("Location", "/train/"+rec.ID)
	a.writeJSON(w, http.StatusAccepted, TrainResponse{
		Message: "Model training started in the background.",
		JobID:   rec.ID,
	})
}

func (a *api) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	jobs, err := a.Orchestrator.Jobs(ctx, limit)
	if err != nil {
		a.logger.Error("failed to list jobs", "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]TrainingState, len(jobs))
	for i, j := range jobs {
		out[i] = newTrainingState(j)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (a *api) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rec, found, err := a.Orchestrator.Job(ctx, id)
	if err != nil {
		a.logger.Error("failed to get job", "job_id", id, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("training job %q not found", id))
		return
	}
	a.writeJSON(w, http.StatusOK, newTrainingState(rec))
}

// PredictRequest is the body of POST /predict. Config is accepted and echoed but
// does not influence the prediction.
type PredictRequest struct {
	FeatureVector []float64      `json:"featureVector"`
	Config        map[string]any `json:"config,omitempty"`
}

// PredictResponse is the body of a successful POST /predict.
type PredictResponse struct {
	Prediction float64        `json:"prediction"`
	InputData  PredictRequest `json:"inputData"`
}

func (a *api) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteErrorFor(w, err)
		return
	}

	pred, err := a.Registry.Predict(r.Context(), req.FeatureVector)
	if err != nil {
		if httpx.StatusFromError(err) == http.StatusInternalServerError {
			a.logger.Error("prediction failed", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, fmt.Sprintf("an error occurred during prediction: %v", err))
			return
		}
		httpx.WriteErrorFor(w, err)
		return
	}
	if !pred.Scaled {
		w.Header().Set("X-Fivedreg-Unscaled", "true")
	}

	a.writeJSON(w, http.StatusOK, PredictResponse{Prediction: pred.Value, InputData: req})
}

func (a *api) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := a.Orchestrator.ResetState(); err != nil {
		httpx.WriteErrorFor(w, err)
		return
	}
	a.Registry.Clear()
	a.writeJSON(w, http.StatusOK, map[string]string{"message": "Model deleted successfully."})
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.Orchestrator.Reset(); err != nil {
		httpx.WriteErrorFor(w, err)
		return
	}
	a.Registry.Clear()
	a.writeJSON(w, http.StatusOK, map[string]string{"message": "All state cleared successfully."})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := httpx.WriteJSON(w, status, v); err != nil {
		a.logger.Error("failed to write JSON response", "error", err)
	}
}
