// Package storage provides training job record storage implementations.
//
// A job record is the observable state of one training run. The orchestrator writes
// a snapshot on every transition and progress update; readers look jobs up by id or
// ask for the most recently started one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	StatusIdle      JobStatus = "idle"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final for a run.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrainParams are the hyperparameters a job was started with.
type TrainParams struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batchSize"`
	LearningRate float64 `json:"learningRate"`
	HiddenSize   int     `json:"hiddenSize"`
	DataPath     string  `json:"dataPath"`
}

// LossPoint is the training loss after one epoch.
type LossPoint struct {
	Epoch   int      `json:"epoch"`
	Loss    float64  `json:"loss"`
	ValLoss *float64 `json:"valLoss,omitempty"`
}

// Evaluation holds held-out metrics computed after a successful fit. Metrics that
// are undefined for the subset size are nil.
type Evaluation struct {
	ValidationMSE     *float64 `json:"validationMse"`
	TestMSE           *float64 `json:"testMse"`
	TestR2            *float64 `json:"testR2"`
	ValidationSamples int      `json:"validationSamples"`
	TestSamples       int      `json:"testSamples"`
}

// JobRecord is the state of one training job.
type JobRecord struct {
	ID           string      `json:"jobId"`
	Status       JobStatus   `json:"status"`
	Params       TrainParams `json:"params"`
	ModelName    string      `json:"modelName,omitempty"`
	CurrentEpoch int         `json:"currentEpoch"`
	TotalEpochs  int         `json:"totalEpochs"`
	LossHistory  []LossPoint `json:"lossHistory"`
	FinalLoss    *float64    `json:"finalLoss"`
	Error        string      `json:"error,omitempty"`
	Evaluation   *Evaluation `json:"evaluation,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
}

// InProgress reports whether the job is still running.
func (r JobRecord) InProgress() bool {
	return r.Status == StatusRunning
}

// Clone returns a deep copy, so the caller may hold it while the job keeps updating.
func (r JobRecord) Clone() JobRecord {
	c := r
	if r.LossHistory != nil {
		c.LossHistory = make([]LossPoint, len(r.LossHistory))
		for i, p := range r.LossHistory {
			c.LossHistory[i] = p
			if p.ValLoss != nil {
				v := *p.ValLoss
				c.LossHistory[i].ValLoss = &v
			}
		}
	}
	if r.FinalLoss != nil {
		v := *r.FinalLoss
		c.FinalLoss = &v
	}
	if r.Evaluation != nil {
		e := *r.Evaluation
		e.ValidationMSE = clonePtr(r.Evaluation.ValidationMSE)
		e.TestMSE = clonePtr(r.Evaluation.TestMSE)
		e.TestR2 = clonePtr(r.Evaluation.TestR2)
		c.Evaluation = &e
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store persists job records.
type Store interface {
	// Put creates or replaces the record with the same ID.
	Put(ctx context.Context, record JobRecord) error

	// Get returns the record with the given ID. found is false if none exists.
	Get(ctx context.Context, id string) (JobRecord, bool, error)

	// GetLatest returns the most recently started job.
	GetLatest(ctx context.Context) (JobRecord, bool, error)

	// List returns up to limit records, most recently started first.
	List(ctx context.Context, limit int) ([]JobRecord, error)
}

var errEmptyID = errors.New("job id required")

// ValidateID checks that a job id is safe to embed in keys.
func ValidateID(id string) error {
	if id == "" {
		return errEmptyID
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid job id %q: only alphanumeric, hyphens, and underscores allowed", id)
		}
	}
	return nil
}
