package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

// DatasetReport describes what happened to one dataset directory
type DatasetReport struct {
	Dataset      string   `json:"dataset"`
	BestJobIndex int      `json:"best_job_index"`
	BestDir      string   `json:"best_dir,omitempty"`
	SharedMoved  []string `json:"shared_moved,omitempty"`
	JobsDeleted  int      `json:"jobs_deleted"`
	StaleRemoved []string `json:"stale_removed,omitempty"`
	Skipped      bool     `json:"skipped"`
	Reason       string   `json:"reason,omitempty"`
}

// Report is the outcome of one Retain call
type Report struct {
	Datasets []DatasetReport `json:"datasets"`
}

// Retainer keeps the best job checkpoint per dataset and removes the rest
type Retainer struct {
	layout workspace.Layout
	logger *logging.Logger
}

// New creates a retainer over an experiment layout
func New(layout workspace.Layout, logger *logging.Logger) *Retainer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Retainer{layout: layout, logger: logger.WithField("component", "retention")}
}

// Retain moves every shared artifact and the best job directory of each
// dataset into <dataset>_best, then deletes the dataset working directory.
// Datasets already retained are skipped, so a second call changes nothing.
// Failures on one dataset do not stop the others; they are joined in the error.
func (r *Retainer) Retain(states []models.DatasetState) (Report, error) {
	var report Report
	var errs []error

	sorted := append([]models.DatasetState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Dataset < sorted[j].Dataset })

	for _, state := range sorted {
		dr, err := r.retainDataset(state)
		report.Datasets = append(report.Datasets, dr)
		if err != nil {
			r.logger.Error("Retention failed", map[string]interface{}{
				"dataset": state.Dataset,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("dataset %s: %w", state.Dataset, err))
		}
	}
	return report, errors.Join(errs...)
}

func (r *Retainer) retainDataset(state models.DatasetState) (DatasetReport, error) {
	dr := DatasetReport{Dataset: state.Dataset, BestJobIndex: state.BestJobIndex}

	if err := models.ValidateDatasetName(state.Dataset); err != nil {
		return dr, err
	}

	datasetDir := r.layout.DatasetDir(state.Dataset)
	info, err := os.Stat(datasetDir)
	if errors.Is(err, os.ErrNotExist) {
		dr.Skipped = true
		dr.Reason = "no working directory"
		r.logger.Info("Dataset already retained", map[string]interface{}{"dataset": state.Dataset})
		return dr, nil
	}
	if err != nil {
		return dr, fmt.Errorf("failed to stat %s: %w", datasetDir, err)
	}
	if !info.IsDir() {
		return dr, fmt.Errorf("%s is not a directory", datasetDir)
	}

	if !state.HasBest() {
		dr.Skipped = true
		dr.Reason = "no ranked result"
		r.logger.Warn("No best pipeline for dataset, leaving checkpoints untouched", map[string]interface{}{
			"dataset": state.Dataset,
		})
		return dr, nil
	}

	bestDir := r.layout.BestDir(state.Dataset)
	if err := os.MkdirAll(bestDir, 0755); err != nil {
		return dr, fmt.Errorf("failed to create %s: %w", bestDir, err)
	}
	dr.BestDir = bestDir

	entries, err := os.ReadDir(datasetDir)
	if err != nil {
		return dr, fmt.Errorf("failed to list %s: %w", datasetDir, err)
	}

	bestFound := false
	for _, entry := range entries {
		name := entry.Name()
		src := filepath.Join(datasetDir, name)

		if idx, ok := workspace.ParseJobDirName(name); ok && entry.IsDir() {
			if idx != state.BestJobIndex {
				dr.JobsDeleted++
				continue
			}
			if err := moveReplace(src, filepath.Join(bestDir, name)); err != nil {
				return dr, err
			}
			bestFound = true
			continue
		}

		if err := moveReplace(src, filepath.Join(bestDir, name)); err != nil {
			return dr, err
		}
		dr.SharedMoved = append(dr.SharedMoved, name)
	}

	// a rerun of the same experiment and date may have left an older best behind
	stale, err := pruneStaleJobs(bestDir, state.BestJobIndex)
	dr.StaleRemoved = stale
	if err != nil {
		return dr, err
	}
	if len(stale) > 0 {
		r.logger.Info("Removed checkpoints of an earlier run", map[string]interface{}{
			"dataset": state.Dataset,
			"removed": stale,
		})
	}

	if !bestFound {
		r.logger.Warn("Best job directory not found", map[string]interface{}{
			"dataset": state.Dataset,
			"job":     state.BestJobIndex + 1,
		})
	}

	if err := os.RemoveAll(datasetDir); err != nil {
		return dr, fmt.Errorf("failed to remove %s: %w", datasetDir, err)
	}

	r.logger.Info("Best pipeline retained", map[string]interface{}{
		"dataset":      state.Dataset,
		"job":          state.BestJobIndex + 1,
		"shared":       len(dr.SharedMoved),
		"jobs_deleted": dr.JobsDeleted,
	})
	return dr, nil
}

// pruneStaleJobs removes every job directory in bestDir except the one for keep
func pruneStaleJobs(bestDir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(bestDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", bestDir, err)
	}
	var removed []string
	for _, entry := range entries {
		idx, ok := workspace.ParseJobDirName(entry.Name())
		if !ok || !entry.IsDir() || idx == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(bestDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove stale %s: %w", entry.Name(), err)
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

// moveReplace renames src to dst, replacing whatever dst held
func moveReplace(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	return nil
}
