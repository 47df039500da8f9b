package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*models.RunInfo
	results map[string]map[int]models.ResultRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*models.RunInfo),
		results: make(map[string]map[int]models.ResultRecord),
	}
}

// CreateRun registers a new run
func (s *MemoryStore) CreateRun(ctx context.Context, run models.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	r := run
	s.runs[run.ID] = &r
	s.results[run.ID] = make(map[int]models.ResultRecord)
	return nil
}

// FinishRun stamps the end of a run
func (s *MemoryStore) FinishRun(ctx context.Context, runID, targetMetric string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.TargetMetric = targetMetric
	t := finishedAt
	run.FinishedAt = &t
	return nil
}

// SaveResult inserts or replaces the record of one job
func (s *MemoryStore) SaveResult(ctx context.Context, runID string, rec models.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, ok := s.results[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	results[rec.JobIndex] = rec
	return nil
}

// GetRun returns a run by id
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*models.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r := *run
	return &r, nil
}

// LatestRun returns the most recently started run of an experiment
func (s *MemoryStore) LatestRun(ctx context.Context, experiment string) (*models.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.RunInfo
	for _, run := range s.runs {
		if run.Experiment != experiment {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("experiment %s: %w", experiment, ErrNotFound)
	}
	r := *latest
	return &r, nil
}

// ListResults returns the records of a run ordered by job index
func (s *MemoryStore) ListResults(ctx context.Context, runID string) ([]models.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, ok := s.results[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]models.ResultRecord, 0, len(results))
	for _, rec := range results {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobIndex < out[j].JobIndex })
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
