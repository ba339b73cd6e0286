package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_PutGet(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	record := JobRecord{
		ID:           "job-1",
		Status:       StatusRunning,
		Params:       TrainParams{Epochs: 5, BatchSize: 8, LearningRate: 0.01, HiddenSize: 16},
		CurrentEpoch: 1,
		TotalEpochs:  5,
		LossHistory:  []LossPoint{{Epoch: 1, Loss: 0.7}},
		StartedAt:    start,
	}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Upsert the terminal state.
	loss := 0.3
	finished := start.Add(time.Second)
	record.Status = StatusCompleted
	record.CurrentEpoch = 5
	record.FinalLoss = &loss
	record.FinishedAt = &finished
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("Put() update error = %v", err)
	}

	got, found, err := store.Get(ctx, "job-1")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if got.Status != StatusCompleted || got.CurrentEpoch != 5 {
		t.Errorf("Get() = %+v, want completed at epoch 5", got)
	}
	if got.FinalLoss == nil || *got.FinalLoss != 0.3 {
		t.Errorf("FinalLoss = %v, want 0.3", got.FinalLoss)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}
	if got.Params != record.Params {
		t.Errorf("Params = %+v, want %+v", got.Params, record.Params)
	}

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Errorf("Get(missing) = %v, %v; want false, nil", found, err)
	}
}

func TestSQLStore_LatestAndList(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now()

	if _, found, err := store.GetLatest(ctx); err != nil || found {
		t.Fatalf("GetLatest() on empty db = %v, %v", found, err)
	}

	for i, id := range []string{"old", "newest", "middle"} {
		offsets := []time.Duration{0, 2 * time.Minute, time.Minute}
		record := JobRecord{ID: id, Status: StatusCompleted, StartedAt: base.Add(offsets[i])}
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	latest, found, err := store.GetLatest(ctx)
	if err != nil || !found {
		t.Fatalf("GetLatest() = %v, %v", found, err)
	}
	if latest.ID != "newest" {
		t.Errorf("GetLatest() = %s, want newest", latest.ID)
	}

	jobs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := strings.Join(ids(jobs), ","); got != "newest,middle,old" {
		t.Errorf("List() order = %s, want newest,middle,old", got)
	}
}

func TestSQLStore_InvalidID(t *testing.T) {
	store := newSQLiteStore(t)
	if err := store.Put(context.Background(), JobRecord{ID: "bad id"}); err == nil {
		t.Error("Put() with invalid id should fail")
	}
	if _, _, err := store.Get(context.Background(), ""); err == nil {
		t.Error("Get() with empty id should fail")
	}
}

func TestNewSQLStore_EmptyDSN(t *testing.T) {
	if _, err := NewSQLStore(context.Background(), "sqlite", ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS training_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStoreFromDB(context.Background(), sqlx.NewDb(db, "sqlmock"))
	if err != nil {
		t.Fatalf("NewSQLStoreFromDB() error = %v", err)
	}
	return store, mock
}

func TestSQLStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS training_jobs").WillReturnError(errors.New("read-only database"))

	_, err = NewSQLStoreFromDB(context.Background(), sqlx.NewDb(db, "sqlmock"))
	if err == nil || !strings.Contains(err.Error(), "read-only database") {
		t.Errorf("NewSQLStoreFromDB() error = %v, want migration failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_PutExecError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO training_jobs").WillReturnError(errors.New("disk full"))

	err := store.Put(context.Background(), JobRecord{ID: "job-1", Status: StatusRunning})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Put() error = %v, want disk full", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_GetCorruptRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, record FROM training_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "record"}).AddRow("job-1", "{not json"))

	_, found, err := store.Get(context.Background(), "job-1")
	if err == nil {
		t.Fatal("Get() should fail on a corrupt record")
	}
	if found {
		t.Error("Get() found = true on corrupt record")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_ListQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, record FROM training_jobs ORDER BY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, found, err := store.GetLatest(context.Background())
	if err == nil || found {
		t.Errorf("GetLatest() = %v, %v; want error", found, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
