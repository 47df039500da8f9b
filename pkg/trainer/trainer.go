package trainer

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// VisibleDevicesEnv is the variable that restricts CUDA to the leased device
const VisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// DeviceConstraint pins a job to one GPU, or to none
type DeviceConstraint struct {
	GPU int `json:"gpu"`
}

// CPU is the constraint for jobs that must not see any GPU
var CPU = DeviceConstraint{GPU: models.NoGPU}

// OnGPU returns the constraint for one device index
func OnGPU(index int) DeviceConstraint {
	return DeviceConstraint{GPU: index}
}

// Env renders the constraint as an environment entry for a child process.
// CPU jobs get an empty device list so CUDA sees nothing.
func (d DeviceConstraint) Env() string {
	if d.GPU == models.NoGPU {
		return VisibleDevicesEnv + "="
	}
	return VisibleDevicesEnv + "=" + strconv.Itoa(d.GPU)
}

func (d DeviceConstraint) String() string {
	if d.GPU == models.NoGPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.GPU)
}

// Job is what a worker hands to the trainer: a private config copy, the
// directory the job may write to, and its device constraint
type Job struct {
	Index   int
	Config  models.JobConfig
	WorkDir string
	Device  DeviceConstraint
}

// Trainer trains and evaluates one pipeline
type Trainer interface {
	Evaluate(ctx context.Context, job Job, train, validate bool) (models.Metrics, error)
}

// CrossValidator runs k-fold cross-validation and reports averaged metrics under the test split
type CrossValidator interface {
	CrossValidate(ctx context.Context, job Job, folds int) (models.Metrics, error)
}

// SplitSizes maps split name to number of examples
type SplitSizes map[string]int

// Inspector reads dataset composition without training
type Inspector interface {
	Splits(ctx context.Context, dataset models.DatasetRef) (SplitSizes, error)
}

// AverageFolds averages per-fold metric maps. Every fold must report the same metrics.
func AverageFolds(folds []map[string]float64) (map[string]float64, error) {
	if len(folds) == 0 {
		return nil, fmt.Errorf("cross-validation produced no folds")
	}

	names := make([]string, 0, len(folds[0]))
	for name := range folds[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	avg := make(map[string]float64, len(names))
	for _, name := range names {
		var sum float64
		for i, fold := range folds {
			v, ok := fold[name]
			if !ok {
				return nil, fmt.Errorf("fold %d did not report metric %q", i+1, name)
			}
			sum += v
		}
		avg[name] = sum / float64(len(folds))
	}
	return avg, nil
}
