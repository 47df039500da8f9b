package models

import (
	"math"
	"time"
)

// ResultRecord is the structured log entry written for every ingested result
type ResultRecord struct {
	JobIndex       int       `json:"job_index"`
	Dataset        string    `json:"dataset"`
	Pipeline       string    `json:"pipeline"`
	Components     []string  `json:"components"`
	Fingerprint    string    `json:"fingerprint"`
	Metrics        Metrics   `json:"metrics"`
	TargetMetric   string    `json:"target_metric"`
	Score          *float64  `json:"score,omitempty"`
	ScoreSplit     string    `json:"score_split,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	GPU            int       `json:"gpu"`
	StartedAt      time.Time `json:"started_at"`
}

// NewResultRecord summarizes a result against the target metric
func NewResultRecord(res JobResult, target string) ResultRecord {
	rec := ResultRecord{
		JobIndex:       res.JobIndex,
		Dataset:        res.Config.Dataset.Name,
		Pipeline:       res.Config.Pipeline,
		Components:     res.Config.ComponentNames(),
		Fingerprint:    res.Config.Fingerprint(),
		Metrics:        res.Metrics,
		TargetMetric:   target,
		ElapsedSeconds: res.Elapsed.Seconds(),
		GPU:            res.GPU,
		StartedAt:      res.StartedAt,
	}
	if v, split, ok := res.Metrics.Score(target); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		rec.Score = &v
		rec.ScoreSplit = split
	}
	return rec
}

// RunInfo identifies one experiment run in the results store
type RunInfo struct {
	ID           string       `json:"id"`
	Experiment   string       `json:"experiment"`
	Date         string       `json:"date"`
	Root         string       `json:"root"`
	TargetMetric string       `json:"target_metric,omitempty"`
	NumJobs      int          `json:"num_jobs"`
	Plan         ResourcePlan `json:"plan"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}
