// Package workspace describes the on-disk tree of one experiment:
//
//	<root>/<date>/<experiment>/
//	    <experiment>.json        aggregate run log
//	    <experiment>.jsonl       per-result journal
//	    metrics.prom             final metrics snapshot
//	    run.log                  process log
//	    checkpoints/<dataset>/job_<n>/
//	    checkpoints/<dataset>_best/
//	    checkpoints/tmp/         preflight scratch space
package workspace

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

const (
	jobDirPrefix  = "job_"
	configFile    = "config.json"
	checkpointDir = "checkpoints"
	scratchDir    = "tmp"
)

// Layout resolves every path the orchestrator reads or writes
type Layout struct {
	Root       string
	Date       string
	Experiment string
}

// New creates a layout rooted at root/date/experiment
func New(root, date, experiment string) Layout {
	return Layout{Root: root, Date: date, Experiment: experiment}
}

// ExperimentDir is <root>/<date>/<experiment>
func (l Layout) ExperimentDir() string {
	return filepath.Join(l.Root, l.Date, l.Experiment)
}

// CheckpointsDir holds one working directory per dataset
func (l Layout) CheckpointsDir() string {
	return filepath.Join(l.ExperimentDir(), checkpointDir)
}

// DatasetDir is the working directory shared by every job of a dataset
func (l Layout) DatasetDir(dataset string) string {
	return filepath.Join(l.CheckpointsDir(), dataset)
}

// JobDir is the per-job checkpoint directory, named by the 1-based index
func (l Layout) JobDir(dataset string, jobIndex int) string {
	return filepath.Join(l.DatasetDir(dataset), JobDirName(jobIndex))
}

// ConfigPath is where the job's config snapshot is persisted
func (l Layout) ConfigPath(dataset string, jobIndex int) string {
	return filepath.Join(l.JobDir(dataset, jobIndex), configFile)
}

// BestDir receives the retained artifacts of a dataset
func (l Layout) BestDir(dataset string) string {
	return filepath.Join(l.CheckpointsDir(), dataset+models.BestSuffix)
}

// ScratchDir is used by the preflight smoke run and removed afterwards
func (l Layout) ScratchDir() string {
	return filepath.Join(l.CheckpointsDir(), scratchDir)
}

// LogPath is the aggregate structured log
func (l Layout) LogPath() string {
	return filepath.Join(l.ExperimentDir(), l.Experiment+".json")
}

// JournalPath receives one JSON line per ingested result
func (l Layout) JournalPath() string {
	return filepath.Join(l.ExperimentDir(), l.Experiment+".jsonl")
}

// MetricsPath is the final Prometheus text snapshot
func (l Layout) MetricsPath() string {
	return filepath.Join(l.ExperimentDir(), "metrics.prom")
}

// RunLogPath is the process log file
func (l Layout) RunLogPath() string {
	return filepath.Join(l.ExperimentDir(), "run.log")
}

// JobDirName returns job_<index+1>
func JobDirName(jobIndex int) string {
	return fmt.Sprintf("%s%d", jobDirPrefix, jobIndex+1)
}

// ParseJobDirName recognizes a per-job checkpoint directory name and returns the
// 0-based job index. Anything else in a dataset directory is a shared artifact.
func ParseJobDirName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, jobDirPrefix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	if digits[0] == '0' {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n - 1, true
}
