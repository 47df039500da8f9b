package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/deeppavlov/pipesearch/internal/publish"
	"github.com/deeppavlov/pipesearch/pkg/aggregator"
	"github.com/deeppavlov/pipesearch/pkg/generator"
	"github.com/deeppavlov/pipesearch/pkg/gpu"
	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/metrics"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/resources"
	"github.com/deeppavlov/pipesearch/pkg/retention"
	"github.com/deeppavlov/pipesearch/pkg/scheduler"
	"github.com/deeppavlov/pipesearch/pkg/shutdown"
	"github.com/deeppavlov/pipesearch/pkg/store"
	"github.com/deeppavlov/pipesearch/pkg/tracing"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

const defaultShutdownTimeout = 30 * time.Second

// Deps are the collaborators of a Manager. Nil fields are built from the Config.
// Run closes Store before returning.
type Deps struct {
	Trainer        trainer.Trainer
	CrossValidator trainer.CrossValidator
	Inspector      trainer.Inspector
	Probe          gpu.Probe
	CPUs           resources.CPUCounter
	Store          store.Store
	Publisher      *publish.Publisher
	Tracer         *tracing.Provider
	Logger         *logging.Logger
}

// Outcome describes a finished run
type Outcome struct {
	RunID     string                    `json:"run_id"`
	Layout    workspace.Layout          `json:"layout"`
	Plan      models.ResourcePlan       `json:"plan"`
	Log       *aggregator.ExperimentLog `json:"log,omitempty"`
	Retention *retention.Report         `json:"retention,omitempty"`
	Published *publish.RunSummary       `json:"published,omitempty"`
	Progress  metrics.Progress          `json:"progress"`
}

// Manager runs one experiment end to end
type Manager struct {
	cfg  Config
	deps Deps

	newID func() string
}

// NewManager builds the default collaborators for everything deps leaves nil
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deps.Trainer == nil || deps.CrossValidator == nil || deps.Inspector == nil {
		ct, err := trainer.NewCommandTrainer(cfg.Trainer, deps.Logger)
		if err != nil {
			return nil, err
		}
		if deps.Trainer == nil {
			deps.Trainer = ct
		}
		if deps.CrossValidator == nil {
			deps.CrossValidator = ct
		}
		if deps.Inspector == nil {
			deps.Inspector = ct
		}
	}
	if deps.Probe == nil {
		deps.Probe = gpu.NewNvidiaProbe(cfg.GPUs.Thresholds)
	}
	if deps.CPUs == nil {
		deps.CPUs = resources.LogicalCPUs
	}
	if deps.Store == nil {
		s, err := store.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		deps.Store = s
	}
	if deps.Publisher == nil && cfg.Publish.Enabled {
		p, err := publish.New(cfg.Publish, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Publisher = p
	}

	return &Manager{cfg: cfg, deps: deps, newID: uuid.NewString}, nil
}

// Plan computes the resource plan without running anything
func (m *Manager) Plan(ctx context.Context) (models.ResourcePlan, error) {
	alloc := resources.NewAllocator(m.deps.Probe, m.deps.CPUs, m.deps.Logger)
	return alloc.Plan(ctx, m.cfg.ResourceRequest())
}

// Run executes the experiment: plan, preflight, schedule, aggregate,
// finalize, retain and publish. The aggregate log is written even when a
// job fails; retention only runs after a complete, successful search.
func (m *Manager) Run(ctx context.Context) (*Outcome, error) {
	runID := m.newID()
	layout := workspace.New(m.cfg.Root, m.cfg.Date, m.cfg.Name)
	out := &Outcome{RunID: runID, Layout: layout}

	if err := os.MkdirAll(layout.ExperimentDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create experiment directory: %w", err)
	}

	base := m.deps.Logger
	if base == nil {
		fl, err := logging.NewFileLogger(layout.RunLogPath(), logging.ParseLevel(m.cfg.Logging.Level), m.cfg.Logging.JSON)
		if err != nil {
			return nil, err
		}
		base = fl
	}
	logger := base.WithField("run_id", runID)

	timeout := m.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	sd := shutdown.New(timeout, logger)
	defer func() {
		if err := sd.Shutdown(); err != nil {
			logger.Warn("Shutdown finished with errors", map[string]interface{}{"error": err.Error()})
		}
	}()
	ctx, cancel := sd.Context(ctx)
	defer cancel()
	if m.deps.Logger == nil {
		sd.Register("run log", shutdown.CloseResource(base))
	}
	if m.deps.Store != nil {
		sd.Register("store", shutdown.CloseResource(m.deps.Store))
	}

	tracer := m.deps.Tracer
	if tracer == nil {
		tp, err := tracing.InitTracer(m.cfg.Tracing, logger)
		if err != nil {
			return nil, err
		}
		tracer = tp
		sd.Register("tracer", tracer.Shutdown)
	}
	ctx, span := tracer.StartSpan(ctx, "experiment",
		attribute.String("experiment", m.cfg.Name),
		attribute.String("run_id", runID))
	defer span.End()

	space, err := generator.LoadSpace(m.cfg.SearchSpace)
	if err != nil {
		return nil, err
	}
	gen, err := generator.New(space)
	if err != nil {
		return nil, err
	}

	alloc := resources.NewAllocator(m.deps.Probe, m.deps.CPUs, logger)
	plan, err := alloc.Plan(ctx, m.cfg.ResourceRequest())
	if err != nil {
		return nil, err
	}
	out.Plan = plan

	// full_time covers preflight too
	started := time.Now()
	logger.Info("Experiment start", map[string]interface{}{
		"experiment": m.cfg.Name,
		"root":       m.cfg.Root,
		"date":       m.cfg.Date,
		"pipelines":  gen.Len(),
		"workers":    plan.WorkerCount,
		"gpus":       plan.GPUSlots,
	})

	if m.cfg.Preflight {
		// the generator is single-use, so preflight walks its own copy of the space
		pre, err := generator.New(space)
		if err != nil {
			return nil, err
		}
		pf := &Preflight{
			Trainer:      m.deps.Trainer,
			Inspector:    m.deps.Inspector,
			Layout:       layout,
			Device:       trainer.DeviceConstraint{GPU: plan.SlotFor(0)},
			TargetMetric: m.cfg.TargetMetric,
			Tracer:       tracer,
			Logger:       logger,
		}
		if _, err := pf.Run(ctx, pre); err != nil {
			tracing.SetError(ctx, err)
			return nil, err
		}
	}

	if m.deps.Store != nil {
		err := m.deps.Store.CreateRun(ctx, models.RunInfo{
			ID:           runID,
			Experiment:   m.cfg.Name,
			Date:         m.cfg.Date,
			Root:         m.cfg.Root,
			TargetMetric: m.cfg.TargetMetric,
			NumJobs:      gen.Len(),
			Plan:         plan,
			StartedAt:    started,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	collector := metrics.NewCollector(runID, m.cfg.Name)
	collector.SetPlanned(gen.Len())
	if m.cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(m.cfg.Metrics.Addr, collector, logger)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		sd.Register("metrics server", srv.Shutdown)
	}

	if folds := m.cfg.Folds(); folds > 0 {
		logger.Warn(fmt.Sprintf("Cross-validation is enabled: every pipeline runs %d times", folds),
			map[string]interface{}{"folds": folds, "pipelines": gen.Len()})
	}

	aggOpts := aggregator.Options{
		Layout:          layout,
		RunID:           runID,
		TargetMetric:    m.cfg.TargetMetric,
		CrossValidation: m.cfg.CrossValidation.Enabled,
		Folds:           m.cfg.Folds(),
		Plan:            plan,
		NumJobs:         gen.Len(),
		Info:            m.cfg.Info,
		StartedAt:       started,
		Metrics:         collector,
		Logger:          logger,
	}
	if m.deps.Store != nil {
		aggOpts.Sink = m.deps.Store
	}
	agg, err := aggregator.New(aggOpts)
	if err != nil {
		return nil, err
	}
	sd.Register("journal", shutdown.CloseResource(agg))

	sched := scheduler.New(&scheduler.LocalBackend{
		Trainer:        m.deps.Trainer,
		CrossValidator: m.deps.CrossValidator,
	}, scheduler.Options{
		Layout:       layout,
		Folds:        m.cfg.Folds(),
		DispatchRate: m.cfg.DispatchRate,
		Metrics:      collector,
		Tracer:       tracer,
		Logger:       logger,
	})

	var runErr error
	for res, err := range sched.Run(ctx, gen.Configs(), plan) {
		if err != nil {
			runErr = err
			break
		}
		if err := agg.Ingest(ctx, res); err != nil {
			runErr = err
			break
		}
	}

	log, err := agg.FinalizeLog()
	if err != nil {
		runErr = errors.Join(runErr, err)
	}
	out.Log = log

	if err := collector.WriteFile(layout.MetricsPath()); err != nil {
		logger.Warn("Failed to write metrics snapshot", map[string]interface{}{"error": err.Error()})
	}
	out.Progress = collector.Snapshot()

	if runErr != nil {
		tracing.SetError(ctx, runErr)
		logger.Error("Experiment failed, checkpoints are kept for inspection", map[string]interface{}{"error": runErr.Error()})
		return out, runErr
	}

	if m.cfg.SaveBest {
		report, err := retention.New(layout, logger).Retain(agg.States())
		out.Retention = &report
		if err != nil {
			return out, err
		}
	}

	if m.deps.Publisher != nil {
		datasets := make([]string, 0, len(agg.States()))
		for _, s := range agg.States() {
			datasets = append(datasets, s.Dataset)
		}
		summary, err := m.deps.Publisher.PublishRun(ctx, layout, runID, datasets)
		out.Published = &summary
		if err != nil {
			return out, fmt.Errorf("failed to publish run artifacts: %w", err)
		}
	}

	if m.deps.Store != nil {
		if err := m.deps.Store.FinishRun(ctx, runID, agg.TargetMetric(), time.Now()); err != nil {
			logger.Warn("Failed to mark run finished", map[string]interface{}{"error": err.Error()})
		}
	}

	logger.Info("Experiment finished", map[string]interface{}{
		"results":   len(agg.Records()),
		"full_time": log.FullTime,
	})
	return out, nil
}
