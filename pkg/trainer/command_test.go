package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

func testConfig() models.JobConfig {
	return models.JobConfig{
		Version:  models.ConfigVersion,
		Pipeline: "tfidf-logreg",
		Dataset:  models.DatasetRef{Name: "snips", DataPath: "/data/snips"},
		Chain:    []models.Component{{Name: "tfidf"}, {Name: "logreg", Params: map[string]interface{}{"C": 1.0}}},
		Train:    models.TrainSettings{Metrics: []string{"accuracy"}},
	}
}

func shTrainer(t *testing.T, script string, extra ...string) *CommandTrainer {
	t.Helper()
	args := append([]string{"sh", "-c", script, "sh"}, extra...)
	tr, err := NewCommandTrainer(CommandConfig{Command: args, Env: map[string]string{"PIPESEARCH_TEST": "1"}}, nil)
	require.NoError(t, err)
	return tr
}

func TestEvaluateExportsDeviceToChildOnly(t *testing.T) {
	before, had := os.LookupEnv(VisibleDevicesEnv)

	tr := shTrainer(t,
		`echo '{"valid":{"accuracy":0.75}}' > "$1"; printf '%s|%s|%s' "$CUDA_VISIBLE_DEVICES" "$PIPESEARCH_TEST" "$3" > "$2"`,
		"{output}", "{workdir}/env.txt", "{mode}:{train}:{validate}")

	dir := filepath.Join(t.TempDir(), "job_1")
	metrics, err := tr.Evaluate(context.Background(), Job{Config: testConfig(), WorkDir: dir, Device: OnGPU(3)}, true, false)
	require.NoError(t, err)
	assert.Equal(t, 0.75, metrics[models.SplitValid]["accuracy"])

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3|1|train:true:false", string(env))

	after, hasAfter := os.LookupEnv(VisibleDevicesEnv)
	assert.Equal(t, had, hasAfter)
	assert.Equal(t, before, after)

	assert.FileExists(t, filepath.Join(dir, InputFileName))
}

func TestEvaluateCPUHidesDevices(t *testing.T) {
	tr := shTrainer(t,
		`echo '{"test":{"f1":0.5}}' > "$1"; printf '[%s]' "$CUDA_VISIBLE_DEVICES" > "$2"`,
		"{output}", "{workdir}/env.txt")

	dir := t.TempDir()
	_, err := tr.Evaluate(context.Background(), Job{Config: testConfig(), WorkDir: dir, Device: CPU}, true, true)
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(env))
}

func TestEvaluateFailure(t *testing.T) {
	tr := shTrainer(t, `echo boom >&2; exit 3`)
	dir := t.TempDir()
	_, err := tr.Evaluate(context.Background(), Job{Config: testConfig(), WorkDir: dir, Device: CPU}, true, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")

	log, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "boom")
}

func TestEvaluateNoOutput(t *testing.T) {
	tr := shTrainer(t, `exit 0`)
	_, err := tr.Evaluate(context.Background(), Job{Config: testConfig(), WorkDir: t.TempDir(), Device: CPU}, true, true)
	assert.Error(t, err)
}

func TestCrossValidateAverages(t *testing.T) {
	tr := shTrainer(t,
		`[ "$2" = "cv" ] && [ "$3" = "3" ] && echo '{"folds":[{"acc":0.5},{"acc":0.7},{"acc":0.9}]}' > "$1"`,
		"{output}", "{mode}", "{folds}")

	metrics, err := tr.CrossValidate(context.Background(), Job{Config: testConfig(), WorkDir: t.TempDir(), Device: CPU}, 3)
	require.NoError(t, err)
	require.Contains(t, metrics, models.SplitTest)
	assert.InDelta(t, 0.7, metrics[models.SplitTest]["acc"], 1e-9)

	_, err = tr.CrossValidate(context.Background(), Job{Config: testConfig(), WorkDir: t.TempDir(), Device: CPU}, 1)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestSplits(t *testing.T) {
	tr := shTrainer(t, `echo '{"train":120,"valid":30,"test":0}' > "$1"`, "{output}")
	sizes, err := tr.Splits(context.Background(), models.DatasetRef{Name: "snips", DataPath: "/data"})
	require.NoError(t, err)
	assert.Equal(t, SplitSizes{"train": 120, "valid": 30, "test": 0}, sizes)
}

func TestAverageFoldsMissingMetric(t *testing.T) {
	_, err := AverageFolds([]map[string]float64{{"a": 1}, {"b": 2}})
	assert.Error(t, err)

	_, err = AverageFolds(nil)
	assert.Error(t, err)
}

func TestNewCommandTrainerEmpty(t *testing.T) {
	_, err := NewCommandTrainer(CommandConfig{}, nil)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestDeviceConstraint(t *testing.T) {
	assert.Equal(t, "CUDA_VISIBLE_DEVICES=2", OnGPU(2).Env())
	assert.Equal(t, "CUDA_VISIBLE_DEVICES=", CPU.Env())
	assert.Equal(t, "gpu:2", OnGPU(2).String())
	assert.Equal(t, "cpu", CPU.String())
}
