package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/deeppavlov/pipesearch/pkg/generator"
	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/tracing"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

// Sample sizes for the smoke run
const (
	smallTrainSplit = 100
	sampleTrain     = 10
	smallEvalSplit  = 20
	sampleEval      = 5
)

var splitNames = []string{models.SplitTrain, models.SplitValid, models.SplitTest}

// Preflight checks every generated config against its dataset and trains
// each one once on a tiny sample before any real job is scheduled.
type Preflight struct {
	Trainer      trainer.Trainer
	Inspector    trainer.Inspector
	Layout       workspace.Layout
	Device       trainer.DeviceConstraint
	TargetMetric string
	Tracer       *tracing.Provider
	Logger       *logging.Logger
}

// PreflightReport summarizes a successful preflight
type PreflightReport struct {
	Checked     int                           `json:"checked"`
	Composition map[string]bool               `json:"composition"`
	Splits      map[string]trainer.SplitSizes `json:"splits"`
}

// Run consumes gen. Any failure is returned as a *models.ConfigurationError.
// The scratch directory is removed whether or not the run succeeds.
func (p *Preflight) Run(ctx context.Context, gen generator.Generator) (*PreflightReport, error) {
	logger := p.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithField("component", "preflight")

	ctx, span := p.Tracer.StartSpan(ctx, "preflight", attribute.Int("configs", gen.Len()))
	defer span.End()

	scratch := p.Layout.ScratchDir()
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("Failed to remove scratch directory", map[string]interface{}{"dir": scratch, "error": err.Error()})
		}
	}()

	report := &PreflightReport{Splits: make(map[string]trainer.SplitSizes)}
	logger.Info("Preflight start", map[string]interface{}{"configs": gen.Len()})

	i := 0
	for cfg, err := range gen.Configs() {
		if err != nil {
			tracing.SetError(ctx, err)
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.TargetMetric != "" && !slices.Contains(cfg.Train.Metrics, p.TargetMetric) {
			return nil, models.NewConfigurationError("target_metric",
				fmt.Sprintf("target metric %q is not declared by config %d (metrics %v)", p.TargetMetric, i+1, cfg.Train.Metrics), nil)
		}

		sizes, ok := report.Splits[cfg.Dataset.Name]
		if !ok {
			sizes, err = p.Inspector.Splits(ctx, cfg.Dataset)
			if err != nil {
				return nil, models.NewConfigurationError("dataset",
					fmt.Sprintf("failed to read dataset %q", cfg.Dataset.Name), err)
			}
			report.Splits[cfg.Dataset.Name] = sizes
		}

		if report.Composition == nil {
			report.Composition = composition(sizes)
		} else if err := checkComposition(report.Composition, sizes, cfg.Dataset); err != nil {
			return nil, err
		}
		if err := checkSplits(cfg, sizes); err != nil {
			return nil, err
		}

		limits := sampleLimits(sizes)
		if sizes[models.SplitTrain] <= smallTrainSplit {
			logger.Warn("Train split is small, the smoke run uses all of it", map[string]interface{}{
				"dataset": cfg.Dataset.Name,
				"train":   sizes[models.SplitTrain],
			})
		}

		job := trainer.Job{
			Index:   i,
			Config:  cfg.WithSample(limits),
			WorkDir: filepath.Join(scratch, cfg.Dataset.Name, workspace.JobDirName(i)),
			Device:  p.Device,
		}
		if _, err := p.Trainer.Evaluate(ctx, job, true, false); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			tracing.SetError(ctx, err)
			return nil, models.NewConfigurationError("preflight",
				fmt.Sprintf("config %d (%s on %s) failed the smoke run", i+1, cfg.Pipeline, cfg.Dataset.Name), err)
		}
		i++
	}

	report.Checked = i
	logger.Info("Preflight passed", map[string]interface{}{"configs": i})
	return report, nil
}

func composition(sizes trainer.SplitSizes) map[string]bool {
	out := make(map[string]bool, len(splitNames))
	for _, name := range splitNames {
		out[name] = sizes[name] > 0
	}
	return out
}

// checkComposition fails when a split present in the first dataset is empty here
func checkComposition(want map[string]bool, sizes trainer.SplitSizes, ds models.DatasetRef) error {
	for _, name := range splitNames {
		if want[name] && sizes[name] == 0 {
			return models.NewConfigurationError("dataset",
				fmt.Sprintf("dataset %q at %s has no %s split but the first dataset does", ds.Name, ds.DataPath, name), nil)
		}
	}
	return nil
}

func checkSplits(cfg models.JobConfig, sizes trainer.SplitSizes) error {
	if cfg.Train.TestBest && sizes[models.SplitTest] == 0 {
		return models.NewConfigurationError("train.test_best",
			fmt.Sprintf("dataset %q has an empty test split but test_best is set", cfg.Dataset.Name), nil)
	}
	if (cfg.Train.ValidateBest || cfg.Train.ValEveryNEpochs > 0) && sizes[models.SplitValid] == 0 {
		return models.NewConfigurationError("train.validate_best",
			fmt.Sprintf("dataset %q has an empty valid split but validate_best or val_every_n_epochs is set", cfg.Dataset.Name), nil)
	}
	return nil
}

func sampleLimits(sizes trainer.SplitSizes) models.SampleLimits {
	limits := models.SampleLimits{
		Train: sampleTrain,
		Valid: sampleEval,
		Test:  sampleEval,
	}
	if n := sizes[models.SplitTrain]; n <= smallTrainSplit {
		limits.Train = n
	}
	if n := sizes[models.SplitValid]; n <= smallEvalSplit {
		limits.Valid = n
	}
	if n := sizes[models.SplitTest]; n <= smallEvalSplit {
		limits.Test = n
	}
	return limits
}
