//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/HatiCode/fivedreg/cmd/fivedreg/router"
	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/models"
	"github.com/HatiCode/fivedreg/pkg/serving"
	"github.com/HatiCode/fivedreg/pkg/storage"
	"github.com/HatiCode/fivedreg/pkg/training"
)

// node is one fivedreg process sharing the Redis job store and artifact dir.
type node struct {
	orch     *training.Orchestrator
	registry *serving.Registry
	store    *storage.RedisStore
	server   *httptest.Server
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return strings.TrimPrefix(endpoint, "redis://")
}

func startNode(t *testing.T, redisAddr, dir string) *node {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewRedisStore(redisAddr, "", 0, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}

	scalerPath := filepath.Join(dir, "scaler_params.json")
	registry := serving.NewRegistry(serving.Options{ScalerPath: scalerPath, Logger: logger})
	orch, err := training.New(training.Config{
		ModelPath:  filepath.Join(dir, "saved_model.json"),
		ScalerPath: scalerPath,
		Store:      store,
		Registry:   registry,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("training.New() error = %v", err)
	}

	n := &node{orch: orch, registry: registry, store: store}
	n.server = httptest.NewServer(router.New(router.Deps{
		Orchestrator: orch,
		Registry:     registry,
		DataDir:      filepath.Join(dir, "data"),
		Gatherer:     prometheus.NewRegistry(),
		Logger:       logger,
	}))
	t.Cleanup(n.stop)
	return n
}

func (n *node) stop() {
	n.server.Close()
	n.orch.Close()
	_ = n.store.Close()
}

func (n *node) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(n.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func syntheticDataset(n int) *dataset.Dataset {
	ds := &dataset.Dataset{}
	for i := 0; i < n; i++ {
		x := make([]float64, 5)
		for j := range x {
			x[j] = math.Mod(float64(i*(j+1))*0.211, 1)
		}
		ds.Features = append(ds.Features, x)
		ds.Targets = append(ds.Targets, x[0]-x[1]+2*x[2]+x[3]*x[4])
	}
	return ds
}

// TestTrainingSurvivesRestart trains on one node, then starts a second node on
// the same Redis store and artifact directory and checks that job history and the
// persisted model carry over.
func TestTrainingSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	redisAddr := startRedis(t)
	dir := t.TempDir()

	first := startNode(t, redisAddr, dir)
	first.orch.SetDataset(syntheticDataset(120))

	body, _ := json.Marshal(map[string]any{"epochs": 5, "hiddenSize": 8, "learningRate": 0.01})
	resp, err := http.Post(first.server.URL+"/train", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /train: %v", err)
	}
	var started router.TrainResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode train response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /train status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(60 * time.Second)
	var state router.TrainingState
	for {
		if code := first.getJSON(t, "/train/"+started.JobID, &state); code != http.StatusOK {
			t.Fatalf("GET /train/%s status = %d", started.JobID, code)
		}
		if !state.TrainingInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not finish in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if state.Status != storage.StatusCompleted {
		t.Fatalf("job status = %s, error = %v", state.Status, state.Error)
	}
	first.stop()

	// A job left running by a crashed process must come back as failed.
	crashed := storage.JobRecord{
		ID:          "crashed-job",
		Status:      storage.StatusRunning,
		TotalEpochs: 10,
		StartedAt:   time.Now().UTC().Add(time.Second),
	}
	seed, err := storage.NewRedisStore(redisAddr, "", 0, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	if err := seed.Put(context.Background(), crashed); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_ = seed.Close()

	second := startNode(t, redisAddr, dir)
	if err := second.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if status := second.orch.Status(); status.ID != "crashed-job" || status.Status != storage.StatusFailed {
		t.Errorf("recovered status = %s/%s, want crashed-job/failed", status.ID, status.Status)
	}

	var old router.TrainingState
	if code := second.getJSON(t, "/train/"+started.JobID, &old); code != http.StatusOK {
		t.Fatalf("previous job not visible after restart: status %d", code)
	}
	if old.Status != storage.StatusCompleted || old.FinalLoss == nil {
		t.Errorf("previous job = %+v", old)
	}

	var list map[string][]router.TrainingState
	if code := second.getJSON(t, "/train?limit=10", &list); code != http.StatusOK {
		t.Fatalf("GET /train status = %d", code)
	}
	if got := len(list["jobs"]); got != 2 {
		t.Errorf("listed %d jobs, want 2", got)
	}

	// The second node serves the artifact the first one persisted.
	m, err := models.NewMLP(models.DefaultMLPConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := second.registry.LoadArtifact(m, filepath.Join(dir, "saved_model.json")); err != nil {
		t.Fatalf("LoadArtifact() error = %v", err)
	}

	body, _ = json.Marshal(router.PredictRequest{FeatureVector: []float64{0.5, 0.5, 0.5, 0.5, 0.5}})
	resp, err = http.Post(second.server.URL+"/predict", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /predict: %v", err)
	}
	defer resp.Body.Close()
	var pred router.PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		t.Fatalf("decode predict response: %v", err)
	}
	if resp.StatusCode != http.StatusOK || math.IsNaN(pred.Prediction) {
		t.Errorf("predict = %d %v", resp.StatusCode, pred.Prediction)
	}
	t.Logf("prediction after restart: %v", pred.Prediction)
}
