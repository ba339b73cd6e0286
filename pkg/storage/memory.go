package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements an in-memory store for job records.
// It is safe for concurrent use by multiple goroutines.
//
// If TTL is configured, a background goroutine removes finished jobs whose
// FinishedAt is older than the TTL. Running jobs are never expired. For history
// that survives restarts use SQLStore or RedisStore instead.
type MemoryStore struct {
	mu            sync.RWMutex
	jobs          map[string]JobRecord
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a new in-memory job store with no TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]JobRecord),
	}
}

// NewMemoryStoreWithTTL creates an in-memory job store that expires finished jobs.
//
// The cleanup goroutine must be stopped by calling Stop() when the store
// is no longer needed to prevent goroutine leaks.
//
// cleanupInterval determines how often the cleanup runs (typically 1 minute).
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		jobs:          make(map[string]JobRecord),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the background cleanup goroutine and blocks until it exits.
// Calling Stop multiple times or on a store without TTL is safe and does nothing.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes finished jobs older than the TTL.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for id, job := range s.jobs {
		if job.FinishedAt != nil && now.Sub(*job.FinishedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// Put stores a deep copy of the record, replacing any record with the same ID.
func (s *MemoryStore) Put(ctx context.Context, record JobRecord) error {
	if err := ValidateID(record.ID); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[record.ID] = record.Clone()
	return nil
}

// Get retrieves a job by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (JobRecord, bool, error) {
	select {
	case <-ctx.Done():
		return JobRecord{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, found := s.jobs[id]
	if !found {
		return JobRecord{}, false, nil
	}
	return job.Clone(), true, nil
}

// GetLatest retrieves the job with the newest StartedAt.
func (s *MemoryStore) GetLatest(ctx context.Context) (JobRecord, bool, error) {
	jobs, err := s.List(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return JobRecord{}, false, err
	}
	return jobs[0], true, nil
}

// List returns up to limit jobs, newest first. limit <= 0 returns all of them.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]JobRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	jobs := make([]JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Len returns the number of jobs currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Delete removes a job. Returns true if a job was deleted.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.jobs[id]
	delete(s.jobs, id)
	return existed
}
