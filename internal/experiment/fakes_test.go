package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
)

const testSpace = `
datasets:
  - name: A
    data_path: /data/a
  - name: B
    data_path: /data/b
train:
  metrics: [accuracy]
  validate_best: true
pipelines:
  - name: logreg
    chain:
      - name: tfidf
      - name: logreg
        grid:
          C: [0.1, 1, 10]
`

type evalCall struct {
	Index    int
	Dataset  string
	Train    bool
	Validate bool
	Sample   *models.SampleLimits
	WorkDir  string
	Device   trainer.DeviceConstraint
}

// fakeTrainer scores a job by its C parameter and leaves a checkpoint in its work dir
type fakeTrainer struct {
	mu     sync.Mutex
	sizes  map[string]trainer.SplitSizes
	calls  []evalCall
	failOn int // job index that fails outside preflight, -1 for none
	failPF bool
}

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{
		sizes: map[string]trainer.SplitSizes{
			"A": {"train": 500, "valid": 50, "test": 0},
			"B": {"train": 80, "valid": 10, "test": 0},
		},
		failOn: -1,
	}
}

func (f *fakeTrainer) Evaluate(ctx context.Context, job trainer.Job, train, validate bool) (models.Metrics, error) {
	f.mu.Lock()
	f.calls = append(f.calls, evalCall{
		Index: job.Index, Dataset: job.Config.Dataset.Name, Train: train, Validate: validate,
		Sample: job.Config.Sample, WorkDir: job.WorkDir, Device: job.Device,
	})
	f.mu.Unlock()

	preflight := job.Config.Sample != nil
	if preflight && f.failPF {
		return nil, fmt.Errorf("trainer crashed")
	}
	if !preflight && job.Index == f.failOn {
		return nil, fmt.Errorf("out of memory")
	}

	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(job.WorkDir, "model.bin"), []byte("w"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(job.WorkDir), "vocab.txt"), []byte("v"), 0o644); err != nil {
		return nil, err
	}

	c, _ := job.Config.Chain[len(job.Config.Chain)-1].Params["C"].(float64)
	return models.Metrics{models.SplitValid: {"accuracy": c / 10}}, nil
}

func (f *fakeTrainer) CrossValidate(ctx context.Context, job trainer.Job, folds int) (models.Metrics, error) {
	m, err := f.Evaluate(ctx, job, true, true)
	if err != nil {
		return nil, err
	}
	return models.Metrics{models.SplitTest: m[models.SplitValid]}, nil
}

func (f *fakeTrainer) Splits(ctx context.Context, ds models.DatasetRef) (trainer.SplitSizes, error) {
	sizes, ok := f.sizes[ds.Name]
	if !ok {
		return nil, fmt.Errorf("no such dataset %s", ds.Name)
	}
	return sizes, nil
}

func (f *fakeTrainer) preflightCalls() []evalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []evalCall
	for _, c := range f.calls {
		if c.Sample != nil {
			out = append(out, c)
		}
	}
	return out
}

func writeSpace(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "space.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
