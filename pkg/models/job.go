package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ConfigVersion is the JobConfig schema version produced by this build
const ConfigVersion = 1

// BestSuffix is appended to a dataset name to form its retention directory
const BestSuffix = "_best"

// Split names reported by trainers
const (
	SplitTrain = "train"
	SplitValid = "valid"
	SplitTest  = "test"
)

// DatasetRef identifies the dataset a job trains and evaluates on
type DatasetRef struct {
	Name     string `json:"name" yaml:"name"`
	DataPath string `json:"data_path" yaml:"data_path"`
	Reader   string `json:"reader,omitempty" yaml:"reader,omitempty"`
	Iterator string `json:"iterator,omitempty" yaml:"iterator,omitempty"`
}

// Component is one stage of a processing chain
type Component struct {
	Name   string                 `json:"name" yaml:"name"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// TrainSettings holds the training options of a job
type TrainSettings struct {
	Metrics         []string `json:"metrics" yaml:"metrics"`
	BatchSize       int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Epochs          int      `json:"epochs,omitempty" yaml:"epochs,omitempty"`
	ValidateBest    bool     `json:"validate_best" yaml:"validate_best"`
	TestBest        bool     `json:"test_best" yaml:"test_best"`
	ValEveryNEpochs int      `json:"val_every_n_epochs,omitempty" yaml:"val_every_n_epochs,omitempty"`
}

// SampleLimits truncates each split to at most the given number of examples.
// Only set on the copies used by the preflight smoke run.
type SampleLimits struct {
	Train int `json:"train"`
	Valid int `json:"valid"`
	Test  int `json:"test"`
}

// JobConfig is the fully resolved, immutable description of one pipeline instance
type JobConfig struct {
	Version  int           `json:"version"`
	Pipeline string        `json:"pipeline"`
	Dataset  DatasetRef    `json:"dataset"`
	Chain    []Component   `json:"chain"`
	Train    TrainSettings `json:"train"`
	Sample   *SampleLimits `json:"sample,omitempty"`
}

// Validate checks the config once, at generation time
func (c JobConfig) Validate() error {
	if c.Version != ConfigVersion {
		return NewConfigurationError("job_config", fmt.Sprintf("unsupported config version %d (want %d)", c.Version, ConfigVersion), nil)
	}
	if err := ValidateDatasetName(c.Dataset.Name); err != nil {
		return err
	}
	if c.Dataset.DataPath == "" {
		return NewConfigurationError("job_config", fmt.Sprintf("dataset %q has no data_path", c.Dataset.Name), nil)
	}
	if len(c.Chain) == 0 {
		return NewConfigurationError("job_config", "processing chain is empty", nil)
	}
	for i, comp := range c.Chain {
		if comp.Name == "" {
			return NewConfigurationError("job_config", fmt.Sprintf("chain component %d has no name", i), nil)
		}
	}
	if len(c.Train.Metrics) == 0 {
		return NewConfigurationError("job_config", "train.metrics must declare at least one metric", nil)
	}
	return nil
}

// ValidateDatasetName rejects names that would collide with the checkpoint layout
func ValidateDatasetName(name string) error {
	switch {
	case name == "":
		return NewConfigurationError("dataset", "dataset name is empty", nil)
	case name == "tmp":
		return NewConfigurationError("dataset", `dataset name "tmp" is reserved for preflight runs`, nil)
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return NewConfigurationError("dataset", fmt.Sprintf("dataset name %q must be a single path element", name), nil)
	case strings.HasSuffix(name, BestSuffix):
		return NewConfigurationError("dataset", fmt.Sprintf("dataset name %q collides with the %s retention directory", name, BestSuffix), nil)
	}
	return nil
}

// Normalize returns a copy whose params went through a JSON round trip, so a
// persisted and reloaded config compares equal to the original
func (c JobConfig) Normalize() (JobConfig, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return JobConfig{}, fmt.Errorf("failed to encode job config: %w", err)
	}
	var out JobConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return JobConfig{}, fmt.Errorf("failed to decode job config: %w", err)
	}
	return out, nil
}

// Clone returns an independent deep copy
func (c JobConfig) Clone() JobConfig {
	out := c
	out.Chain = make([]Component, len(c.Chain))
	for i, comp := range c.Chain {
		out.Chain[i] = Component{Name: comp.Name, Params: cloneMap(comp.Params)}
	}
	out.Train.Metrics = append([]string(nil), c.Train.Metrics...)
	if c.Sample != nil {
		s := *c.Sample
		out.Sample = &s
	}
	return out
}

// WithSample returns a copy restricted to a truncated data sample
func (c JobConfig) WithSample(limits SampleLimits) JobConfig {
	out := c.Clone()
	out.Sample = &limits
	return out
}

// ComponentNames summarizes the processing chain
func (c JobConfig) ComponentNames() []string {
	names := make([]string, len(c.Chain))
	for i, comp := range c.Chain {
		names[i] = comp.Name
	}
	return names
}

// Fingerprint is a stable digest of the config contents
func (c JobConfig) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Metrics maps split name to metric name to value
type Metrics map[string]map[string]float64

// Score returns the named metric from the test split, falling back to valid
func (m Metrics) Score(metric string) (float64, string, bool) {
	for _, split := range []string{SplitTest, SplitValid} {
		values, ok := m[split]
		if !ok {
			continue
		}
		v, ok := values[metric]
		return v, split, ok
	}
	return 0, "", false
}

// JobResult is produced exactly once per job by a worker
type JobResult struct {
	JobIndex  int           `json:"job_index"`
	Config    JobConfig     `json:"config"`
	Metrics   Metrics       `json:"metrics"`
	Elapsed   time.Duration `json:"elapsed"`
	GPU       int           `json:"gpu"`
	StartedAt time.Time     `json:"started_at"`
}

// JobNumber is the 1-based index used in directory names and logs
func (r JobResult) JobNumber() int {
	return r.JobIndex + 1
}

// DatasetState tracks the best result seen so far for one dataset
type DatasetState struct {
	Dataset      string  `json:"dataset"`
	BestScore    float64 `json:"best_score"`
	BestJobIndex int     `json:"best_job_index"`
	Jobs         int     `json:"jobs"`
}

// HasBest reports whether any result for the dataset was rankable
func (s DatasetState) HasBest() bool {
	return s.BestJobIndex >= 0
}

// ResourcePlan is computed once before scheduling and never changes during the run
type ResourcePlan struct {
	WorkerCount int   `json:"worker_count" yaml:"worker_count"`
	GPUSlots    []int `json:"gpu_slots" yaml:"gpu_slots"`
}

// UsesGPU reports whether jobs are pinned to GPU slots
func (p ResourcePlan) UsesGPU() bool {
	return len(p.GPUSlots) > 0
}

// SlotFor returns the GPU slot for a submission index, or NoGPU
func (p ResourcePlan) SlotFor(jobIndex int) int {
	if len(p.GPUSlots) == 0 {
		return NoGPU
	}
	return p.GPUSlots[jobIndex%len(p.GPUSlots)]
}

// NoGPU marks a job that runs without any visible device
const NoGPU = -1
