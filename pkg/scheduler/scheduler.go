package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/metrics"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/resources"
	"github.com/deeppavlov/pipesearch/pkg/tracing"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

// Options configures a Scheduler
type Options struct {
	Layout workspace.Layout

	// Folds > 0 runs k-fold cross-validation per job
	Folds int

	// DispatchRate limits job starts per second; 0 disables pacing
	DispatchRate float64

	Metrics *metrics.Collector
	Tracer  *tracing.Provider
	Logger  *logging.Logger
}

// Scheduler runs jobs on a fixed-size worker pool. When the plan has GPU
// slots, job i is pinned to GPUSlots[i mod n] and holds an exclusive lease
// on it for as long as it runs.
type Scheduler struct {
	backend Backend
	opts    Options
	logger  *logging.Logger
	clock   func() time.Time
}

// New creates a scheduler
func New(backend Backend, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		backend: backend,
		opts:    opts,
		logger:  logger.WithField("component", "scheduler"),
		clock:   time.Now,
	}
}

// Run submits every config in order and yields results in completion order.
//
// The first failing job cancels the others and is yielded as a
// *models.JobExecutionError after the results that completed before it.
// Breaking out of the loop cancels all in-flight jobs.
func (s *Scheduler) Run(ctx context.Context, jobs iter.Seq2[models.JobConfig, error], plan models.ResourcePlan) iter.Seq2[models.JobResult, error] {
	return func(yield func(models.JobResult, error) bool) {
		if plan.WorkerCount < 1 {
			yield(models.JobResult{}, models.NewConfigurationError("workers",
				fmt.Sprintf("worker count must be positive, got %d", plan.WorkerCount), nil))
			return
		}
		if plan.UsesGPU() && len(plan.GPUSlots) > plan.WorkerCount {
			// extra slots would never be used concurrently; trim to keep the round robin dense
			plan.GPUSlots = plan.GPUSlots[:plan.WorkerCount]
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(plan.WorkerCount)

		results := make(chan models.JobResult)
		done := make(chan error, 1)
		ledger := resources.NewSlotLedger(plan.GPUSlots)

		s.logger.Info("Starting worker pool", map[string]interface{}{
			"workers":   plan.WorkerCount,
			"gpu_slots": plan.GPUSlots,
			"folds":     s.opts.Folds,
		})

		go func() {
			dispatchErr := s.dispatch(gctx, g, jobs, plan, ledger, results)
			if dispatchErr != nil && !isContextErr(dispatchErr) {
				cancel()
			}
			waitErr := g.Wait()
			close(results)

			switch {
			case dispatchErr != nil && !isContextErr(dispatchErr):
				done <- dispatchErr
			case waitErr != nil:
				done <- waitErr
			default:
				done <- dispatchErr
			}
		}()

		for res := range results {
			if !yield(res, nil) {
				cancel()
				for range results {
				}
				<-done
				return
			}
		}

		if err := <-done; err != nil {
			yield(models.JobResult{}, err)
		}
	}
}

// dispatch pulls configs lazily and starts one worker per job. It returns a
// generator error, a context error when the run was cancelled, or nil.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, jobs iter.Seq2[models.JobConfig, error], plan models.ResourcePlan, ledger *resources.SlotLedger, results chan<- models.JobResult) error {
	var limiter *rate.Limiter
	if s.opts.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.DispatchRate), 1)
	}

	index := 0
	for cfg, err := range jobs {
		if err != nil {
			return fmt.Errorf("failed to generate config %d: %w", index+1, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		gpu := plan.SlotFor(index)
		lease, err := ledger.Acquire(ctx, gpu, index)
		if err != nil {
			return err
		}

		task := Task{
			Index:   index,
			Config:  cfg.Clone(),
			Device:  trainer.DeviceConstraint{GPU: gpu},
			WorkDir: s.opts.Layout.JobDir(cfg.Dataset.Name, index),
			Folds:   s.opts.Folds,
		}

		g.Go(func() error {
			defer lease.Release()
			if err := ctx.Err(); err != nil {
				return err
			}

			res, err := s.execute(ctx, task)
			lease.Release()
			if err != nil {
				return err
			}

			select {
			case results <- res:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		index++
	}
	return nil
}

// execute runs one task with timing, tracing and metrics
func (s *Scheduler) execute(ctx context.Context, task Task) (models.JobResult, error) {
	ctx, span := s.opts.Tracer.StartSpan(ctx, "pipesearch.job",
		attribute.Int("job.index", task.Index),
		attribute.String("job.dataset", task.Config.Dataset.Name),
		attribute.String("job.pipeline", task.Config.Pipeline),
		attribute.String("job.device", task.Device.String()),
	)
	defer span.End()

	s.opts.Metrics.JobStarted(task.Device.GPU)
	s.logger.Debug("Job started", map[string]interface{}{
		"job":     task.Index + 1,
		"dataset": task.Config.Dataset.Name,
		"device":  task.Device.String(),
	})

	started := s.clock()
	metricsOut, err := s.backend.Execute(ctx, task)
	elapsed := s.clock().Sub(started)

	s.opts.Metrics.JobFinished(task.Config.Dataset.Name, task.Device.GPU, elapsed, err)

	if err != nil {
		if ctx.Err() != nil {
			return models.JobResult{}, ctx.Err()
		}
		tracing.SetError(ctx, err)
		return models.JobResult{}, &models.JobExecutionError{
			JobIndex: task.Index,
			Dataset:  task.Config.Dataset.Name,
			GPU:      task.Device.GPU,
			Err:      err,
		}
	}

	return models.JobResult{
		JobIndex:  task.Index,
		Config:    task.Config,
		Metrics:   metricsOut,
		Elapsed:   elapsed,
		GPU:       task.Device.GPU,
		StartedAt: started,
	}, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
