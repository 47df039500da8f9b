package scheduler

import (
	"context"
	"fmt"

	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
)

// Task is the payload handed to a worker. Config is a private deep copy.
type Task struct {
	Index   int
	Config  models.JobConfig
	Device  trainer.DeviceConstraint
	WorkDir string
	Folds   int // 0 runs a single train-then-evaluate cycle
}

// Job converts the task into the trainer's view of it
func (t Task) Job() trainer.Job {
	return trainer.Job{
		Index:   t.Index,
		Config:  t.Config,
		WorkDir: t.WorkDir,
		Device:  t.Device,
	}
}

// Backend executes one task and returns its metrics
type Backend interface {
	Execute(ctx context.Context, task Task) (models.Metrics, error)
}

// LocalBackend runs tasks in-process; the trainer decides how a job is executed
type LocalBackend struct {
	Trainer        trainer.Trainer
	CrossValidator trainer.CrossValidator
}

// Execute runs cross-validation when folds are requested, otherwise one
// train-then-evaluate cycle
func (b *LocalBackend) Execute(ctx context.Context, task Task) (models.Metrics, error) {
	if task.Folds > 0 {
		if b.CrossValidator == nil {
			return nil, fmt.Errorf("cross-validation requested but no cross validator configured")
		}
		return b.CrossValidator.CrossValidate(ctx, task.Job(), task.Folds)
	}
	if b.Trainer == nil {
		return nil, fmt.Errorf("no trainer configured")
	}
	return b.Trainer.Evaluate(ctx, task.Job(), true, true)
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, task Task) (models.Metrics, error)

// Execute calls f
func (f BackendFunc) Execute(ctx context.Context, task Task) (models.Metrics, error) {
	return f(ctx, task)
}
