package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/metrics"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

// Sink receives every record after it was journaled, e.g. a results store
type Sink interface {
	SaveResult(ctx context.Context, runID string, rec models.ResultRecord) error
}

// Options configures an Aggregator
type Options struct {
	Layout workspace.Layout
	RunID  string

	// TargetMetric ranks jobs; empty means the first metric declared by the first result
	TargetMetric string

	// CrossValidation disables per-job config snapshots
	CrossValidation bool
	Folds           int

	Plan    models.ResourcePlan
	NumJobs int
	Info    map[string]interface{}

	// StartedAt is the run start used for full_time; zero means now
	StartedAt time.Time

	Sink    Sink
	Metrics *metrics.Collector
	Logger  *logging.Logger
}

// Aggregator ranks results per dataset and keeps the experiment log.
// It is owned by the goroutine draining the scheduler and is not safe for concurrent use.
type Aggregator struct {
	opts   Options
	logger *logging.Logger

	target   string
	declared []string
	states   map[string]*models.DatasetState
	records  []models.ResultRecord
	journal  *os.File
	started  time.Time
	clock    func() time.Time
}

// New creates an aggregator and opens the per-result journal
func New(opts Options) (*Aggregator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if err := os.MkdirAll(opts.Layout.ExperimentDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create experiment directory: %w", err)
	}
	// a rerun of the same experiment and date starts a fresh journal
	journal, err := os.OpenFile(opts.Layout.JournalPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	started := opts.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	return &Aggregator{
		opts:    opts,
		logger:  logger.WithField("component", "aggregator"),
		target:  opts.TargetMetric,
		states:  make(map[string]*models.DatasetState),
		journal: journal,
		started: started,
		clock:   time.Now,
	}, nil
}

// TargetMetric returns the metric used for ranking; empty until it is fixed
func (a *Aggregator) TargetMetric() string {
	return a.target
}

// Ingest records one result. The first result fixes the target metric when
// none was configured. A result missing the target metric is an error; a
// NaN or infinite score is recorded but never ranked.
func (a *Aggregator) Ingest(ctx context.Context, res models.JobResult) error {
	if a.declared == nil {
		a.declared = append([]string{}, res.Config.Train.Metrics...)
	}
	if a.target == "" {
		if len(res.Config.Train.Metrics) == 0 {
			return models.NewConfigurationError("target_metric",
				fmt.Sprintf("job %d declares no metrics to rank by", res.JobNumber()), nil)
		}
		a.target = res.Config.Train.Metrics[0]
		a.logger.Info("Target metric fixed by first result", map[string]interface{}{"metric": a.target})
	}

	dataset := res.Config.Dataset.Name
	rec := models.NewResultRecord(res, a.target)
	a.records = append(a.records, rec)

	if err := a.appendJournal(rec); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"job":      res.JobNumber(),
		"dataset":  dataset,
		"pipeline": res.Config.Pipeline,
		"elapsed":  res.Elapsed.Round(time.Millisecond).String(),
	}
	if rec.Score != nil {
		fields[a.target] = *rec.Score
		fields["split"] = rec.ScoreSplit
	}
	a.logger.Info("Result ingested", fields)

	if !a.opts.CrossValidation {
		if err := a.saveConfig(res); err != nil {
			return err
		}
	}

	if a.opts.Sink != nil {
		if err := a.opts.Sink.SaveResult(ctx, a.opts.RunID, rec); err != nil {
			a.logger.Warn("Failed to store result", map[string]interface{}{
				"job":   res.JobNumber(),
				"error": err.Error(),
			})
		}
	}

	state, ok := a.states[dataset]
	if !ok {
		state = &models.DatasetState{Dataset: dataset, BestScore: math.Inf(-1), BestJobIndex: -1}
		a.states[dataset] = state
	}
	state.Jobs++

	if rec.Score == nil {
		if v, split, ok := res.Metrics.Score(a.target); ok {
			a.logger.Warn("Score is not finite, result left unranked", map[string]interface{}{
				"job":     res.JobNumber(),
				"dataset": dataset,
				"split":   split,
				"score":   fmt.Sprint(v),
			})
			return nil
		}
		return models.NewConfigurationError("target_metric",
			fmt.Sprintf("job %d (dataset %s) reported no %q in the test or valid split", res.JobNumber(), dataset, a.target), nil)
	}
	// strictly greater: ties keep the earlier recorded best
	if *rec.Score > state.BestScore {
		state.BestScore = *rec.Score
		state.BestJobIndex = res.JobIndex
		a.opts.Metrics.BestUpdated(dataset, state.BestScore, state.BestJobIndex)
		a.logger.Info("New best pipeline", map[string]interface{}{
			"dataset": dataset,
			"job":     res.JobNumber(),
			"score":   state.BestScore,
		})
	}
	return nil
}

// State returns the current state of one dataset
func (a *Aggregator) State(dataset string) (models.DatasetState, bool) {
	s, ok := a.states[dataset]
	if !ok {
		return models.DatasetState{}, false
	}
	return *s, true
}

// States returns every dataset state sorted by name
func (a *Aggregator) States() []models.DatasetState {
	out := make([]models.DatasetState, 0, len(a.states))
	for _, s := range a.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out
}

// Records returns the ingested records in ingestion order
func (a *Aggregator) Records() []models.ResultRecord {
	return append([]models.ResultRecord(nil), a.records...)
}

func (a *Aggregator) appendJournal(rec models.ResultRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := a.journal.Write(line); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := a.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (a *Aggregator) saveConfig(res models.JobResult) error {
	data, err := json.MarshalIndent(res.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config of job %d: %w", res.JobNumber(), err)
	}
	path := a.opts.Layout.ConfigPath(res.Config.Dataset.Name, res.JobIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	return writeFileAtomic(path, data)
}

// FinalizeLog stamps the total wall time and writes the experiment log durably.
// Records are ordered by job index so reruns produce comparable logs.
func (a *Aggregator) FinalizeLog() (*ExperimentLog, error) {
	finished := a.clock()
	full := finished.Sub(a.started)

	records := append([]models.ResultRecord(nil), a.records...)
	sort.SliceStable(records, func(i, j int) bool { return records[i].JobIndex < records[j].JobIndex })

	log := &ExperimentLog{
		RunID:           a.opts.RunID,
		Experiment:      a.opts.Layout.Experiment,
		Date:            a.opts.Layout.Date,
		Root:            a.opts.Layout.Root,
		Info:            a.opts.Info,
		TargetMetric:    a.target,
		Metrics:         a.declared,
		Plan:            a.opts.Plan,
		NumJobs:         a.opts.NumJobs,
		CrossValidation: a.opts.CrossValidation,
		Folds:           a.opts.Folds,
		StartedAt:       a.started,
		FinishedAt:      finished,
		FullTime:        full.Round(time.Second).String(),
		FullTimeSeconds: full.Seconds(),
		Records:         records,
	}
	for _, s := range a.States() {
		log.Datasets = append(log.Datasets, newDatasetSummary(s))
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode experiment log: %w", err)
	}
	if err := writeFileAtomic(a.opts.Layout.LogPath(), data); err != nil {
		return nil, err
	}

	a.logger.Info("Experiment log written", map[string]interface{}{
		"path":      a.opts.Layout.LogPath(),
		"results":   len(records),
		"full_time": log.FullTime,
	})
	return log, nil
}

// Close closes the journal
func (a *Aggregator) Close() error {
	if a.journal == nil {
		return nil
	}
	err := a.journal.Close()
	a.journal = nil
	return err
}
