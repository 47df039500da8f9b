package resources

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/deeppavlov/pipesearch/pkg/gpu"
	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
)

// autoWorkerCPUShare caps the worker count at 70% of CPUs when all GPUs are
// used and no worker count was requested
const autoWorkerCPUShare = 0.7

// Request holds the user-requested resource limits. Workers == 0 means unset.
type Request struct {
	Workers int   `json:"workers" yaml:"workers"`
	AllGPUs bool  `json:"all_gpus" yaml:"all_gpus"`
	GPUs    []int `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// CPUCounter returns the number of usable logical CPUs
type CPUCounter func(ctx context.Context) (int, error)

// Allocator turns a Request into a ResourcePlan from live CPU and GPU availability
type Allocator struct {
	probe  gpu.Probe
	cpus   CPUCounter
	logger *logging.Logger
}

// NewAllocator creates a new allocator
func NewAllocator(probe gpu.Probe, cpus CPUCounter, logger *logging.Logger) *Allocator {
	if cpus == nil {
		cpus = LogicalCPUs
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Allocator{
		probe:  probe,
		cpus:   cpus,
		logger: logger.WithField("component", "allocator"),
	}
}

// Plan computes the worker count and GPU slot list. Shortfalls are clamped with a
// warning; conflicting GPU modes and GPU modes with no usable device are errors.
func (a *Allocator) Plan(ctx context.Context, req Request) (models.ResourcePlan, error) {
	if req.AllGPUs && len(req.GPUs) > 0 {
		return models.ResourcePlan{}, models.NewConfigurationError("gpus",
			"all_gpus and an explicit gpu list can not be requested together", nil)
	}
	if req.Workers < 0 {
		return models.ResourcePlan{}, models.NewConfigurationError("workers",
			fmt.Sprintf("worker count must not be negative, got %d", req.Workers), nil)
	}

	cpuCount, err := a.cpus(ctx)
	if err != nil || cpuCount < 1 {
		cpuCount = runtime.NumCPU()
		a.logger.Warn("Failed to count CPUs, falling back to runtime count", map[string]interface{}{
			"cpus":  cpuCount,
			"error": fmt.Sprint(err),
		})
	}

	requested := req.Workers
	if requested > cpuCount {
		a.warn(&models.ResourceUnavailableError{Resource: "cpu", Requested: requested, Available: cpuCount,
			Message: "worker count clamped to cpu count"})
		requested = cpuCount
	}

	var plan models.ResourcePlan
	switch {
	case req.AllGPUs:
		plan, err = a.planAllGPUs(ctx, requested, cpuCount)
	case len(req.GPUs) > 0:
		plan, err = a.planExplicitGPUs(ctx, requested, req.GPUs)
	default:
		plan = models.ResourcePlan{WorkerCount: requested, GPUSlots: []int{}}
		if plan.WorkerCount == 0 {
			plan.WorkerCount = cpuCount
		}
	}
	if err != nil {
		return models.ResourcePlan{}, err
	}

	a.logger.Info("Resource plan ready", map[string]interface{}{
		"workers":   plan.WorkerCount,
		"gpu_slots": plan.GPUSlots,
		"cpus":      cpuCount,
	})
	return plan, nil
}

func (a *Allocator) planAllGPUs(ctx context.Context, requested, cpuCount int) (models.ResourcePlan, error) {
	idle, err := a.probe.IdleIndices(ctx)
	if err != nil {
		return models.ResourcePlan{}, fmt.Errorf("failed to list idle gpus: %w",
			&models.ResourceUnavailableError{Resource: "gpu", Requested: requested, Message: err.Error()})
	}
	idle = dedupeSorted(idle)
	if len(idle) == 0 {
		return models.ResourcePlan{}, &models.ResourceUnavailableError{Resource: "gpu", Requested: requested,
			Message: "no idle gpu found"}
	}

	workers := requested
	if workers == 0 {
		workers = int(float64(cpuCount) * autoWorkerCPUShare)
		if workers < 1 {
			workers = 1
		}
	}
	if workers > len(idle) {
		if requested > 0 {
			a.warn(&models.ResourceUnavailableError{Resource: "gpu", Requested: requested, Available: len(idle),
				Message: "worker count clamped to idle gpu count"})
		}
		workers = len(idle)
	}

	return models.ResourcePlan{WorkerCount: workers, GPUSlots: append([]int(nil), idle[:workers]...)}, nil
}

func (a *Allocator) planExplicitGPUs(ctx context.Context, requested int, gpus []int) (models.ResourcePlan, error) {
	seen := make(map[int]bool, len(gpus))
	var valid []int
	for _, idx := range gpus {
		if seen[idx] {
			a.logger.Warn("Duplicate gpu in list ignored", map[string]interface{}{"gpu": idx})
			continue
		}
		seen[idx] = true

		idle, err := a.probe.IsIdle(ctx, idx)
		if err != nil {
			return models.ResourcePlan{}, fmt.Errorf("failed to check gpu %d: %w", idx,
				&models.ResourceUnavailableError{Resource: "gpu", Requested: len(gpus), Message: err.Error()})
		}
		if !idle {
			a.logger.Warn(fmt.Sprintf("gpu %d is busy and will not be added to the gpu list", idx), map[string]interface{}{"gpu": idx})
			continue
		}
		valid = append(valid, idx)
	}
	if len(valid) == 0 {
		return models.ResourcePlan{}, &models.ResourceUnavailableError{Resource: "gpu", Requested: len(gpus),
			Message: "every requested gpu is busy"}
	}

	workers := len(valid)
	if requested > 0 && requested < workers {
		workers = requested
	}
	if requested > len(valid) {
		a.warn(&models.ResourceUnavailableError{Resource: "gpu", Requested: requested, Available: len(valid),
			Message: "worker count clamped to usable gpu count"})
	}

	return models.ResourcePlan{WorkerCount: workers, GPUSlots: append([]int(nil), valid[:workers]...)}, nil
}

func (a *Allocator) warn(err *models.ResourceUnavailableError) {
	a.logger.Warn(err.Error(), map[string]interface{}{
		"resource":  err.Resource,
		"requested": err.Requested,
		"available": err.Available,
	})
}

func dedupeSorted(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}
