package aggregator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// ExperimentLog is the aggregate log written once all results are in
type ExperimentLog struct {
	RunID           string                 `json:"run_id"`
	Experiment      string                 `json:"experiment"`
	Date            string                 `json:"date"`
	Root            string                 `json:"root"`
	Info            map[string]interface{} `json:"info,omitempty"`
	TargetMetric    string                 `json:"target_metric"`
	Metrics         []string               `json:"metrics"`
	Plan            models.ResourcePlan    `json:"plan"`
	NumJobs         int                    `json:"number_of_pipelines"`
	CrossValidation bool                   `json:"cross_validation"`
	Folds           int                    `json:"folds,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	FullTime        string                 `json:"full_time"`
	FullTimeSeconds float64                `json:"full_time_seconds"`
	Datasets        []DatasetSummary       `json:"datasets"`
	Records         []models.ResultRecord  `json:"records"`
}

// DatasetSummary is a DatasetState that encodes to JSON; no score yet is null
type DatasetSummary struct {
	Dataset       string   `json:"dataset"`
	BestScore     *float64 `json:"best_score"`
	BestJobIndex  int      `json:"best_job_index"`
	BestJobNumber int      `json:"best_job_number,omitempty"`
	Jobs          int      `json:"jobs"`
}

func newDatasetSummary(s models.DatasetState) DatasetSummary {
	out := DatasetSummary{Dataset: s.Dataset, BestJobIndex: s.BestJobIndex, Jobs: s.Jobs}
	if s.HasBest() {
		score := s.BestScore
		out.BestScore = &score
		out.BestJobNumber = s.BestJobIndex + 1
	}
	return out
}

// LoadLog reads an experiment log written by FinalizeLog
func LoadLog(path string) (*ExperimentLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment log: %w", err)
	}
	var log ExperimentLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to parse experiment log %s: %w", path, err)
	}
	return &log, nil
}

// ReadJournal reads the per-result journal; a torn last line from a crash is skipped
func ReadJournal(path string) ([]models.ResultRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var out []models.ResultRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}

// writeFileAtomic writes through a synced temp file and a rename
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
