package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
)

// Modes passed to the training command through {mode}
const (
	ModeTrain   = "train"
	ModeCV      = "cv"
	ModeInspect = "inspect"
)

// File names written into a job directory by the command trainer
const (
	InputFileName  = "pipeline.json"
	OutputFileName = "metrics.json"
	LogFileName    = "train.log"
)

// CommandConfig describes the external training program.
//
// Command is an argv template. The placeholders {config}, {output}, {mode},
// {train}, {validate}, {folds}, {workdir} and {data_path} are substituted in
// every argument.
type CommandConfig struct {
	Command []string          `mapstructure:"command" json:"command" yaml:"command"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
}

// CommandTrainer runs one OS process per job. The device constraint is only
// ever exported into that child's environment.
type CommandTrainer struct {
	cfg    CommandConfig
	logger *logging.Logger
}

// NewCommandTrainer creates a trainer backed by an external command
func NewCommandTrainer(cfg CommandConfig, logger *logging.Logger) (*CommandTrainer, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, models.NewConfigurationError("trainer.command", "training command is empty", nil)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CommandTrainer{cfg: cfg, logger: logger.WithField("component", "trainer")}, nil
}

type invocation struct {
	mode     string
	input    interface{}
	workDir  string
	dataPath string
	train    bool
	validate bool
	folds    int
	device   DeviceConstraint
}

// Evaluate trains (optionally) and evaluates one pipeline
func (t *CommandTrainer) Evaluate(ctx context.Context, job Job, train, validate bool) (models.Metrics, error) {
	var metrics models.Metrics
	err := t.run(ctx, invocation{
		mode:     ModeTrain,
		input:    job.Config,
		workDir:  job.WorkDir,
		dataPath: job.Config.Dataset.DataPath,
		train:    train,
		validate: validate,
		device:   job.Device,
	}, &metrics)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("training command reported no metrics")
	}
	return metrics, nil
}

type foldReport struct {
	Folds []map[string]float64 `json:"folds"`
}

// CrossValidate runs k folds in one child process and averages the per-fold metrics
func (t *CommandTrainer) CrossValidate(ctx context.Context, job Job, folds int) (models.Metrics, error) {
	if folds < 2 {
		return nil, models.NewConfigurationError("cross_validation.folds", fmt.Sprintf("need at least 2 folds, got %d", folds), nil)
	}

	var report foldReport
	err := t.run(ctx, invocation{
		mode:     ModeCV,
		input:    job.Config,
		workDir:  job.WorkDir,
		dataPath: job.Config.Dataset.DataPath,
		train:    true,
		validate: true,
		folds:    folds,
		device:   job.Device,
	}, &report)
	if err != nil {
		return nil, err
	}
	if len(report.Folds) != folds {
		return nil, fmt.Errorf("cross-validation reported %d folds, expected %d", len(report.Folds), folds)
	}

	avg, err := AverageFolds(report.Folds)
	if err != nil {
		return nil, err
	}
	return models.Metrics{models.SplitTest: avg}, nil
}

// Splits asks the command for the number of examples in each split
func (t *CommandTrainer) Splits(ctx context.Context, dataset models.DatasetRef) (SplitSizes, error) {
	dir, err := os.MkdirTemp("", "pipesearch-inspect-")
	if err != nil {
		return nil, fmt.Errorf("failed to create inspect directory: %w", err)
	}
	defer os.RemoveAll(dir)

	var sizes SplitSizes
	err = t.run(ctx, invocation{
		mode:     ModeInspect,
		input:    dataset,
		workDir:  dir,
		dataPath: dataset.DataPath,
		device:   CPU,
	}, &sizes)
	if err != nil {
		return nil, err
	}
	if sizes == nil {
		sizes = SplitSizes{}
	}
	return sizes, nil
}

func (t *CommandTrainer) run(ctx context.Context, inv invocation, out interface{}) error {
	if err := os.MkdirAll(inv.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory %s: %w", inv.workDir, err)
	}

	inputPath := filepath.Join(inv.workDir, InputFileName)
	outputPath := filepath.Join(inv.workDir, OutputFileName)

	data, err := json.MarshalIndent(inv.input, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trainer input: %w", err)
	}
	if err := os.WriteFile(inputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write trainer input: %w", err)
	}
	// a stale result from an earlier attempt must never be read back
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear previous output: %w", err)
	}

	replacer := strings.NewReplacer(
		"{config}", inputPath,
		"{output}", outputPath,
		"{mode}", inv.mode,
		"{train}", strconv.FormatBool(inv.train),
		"{validate}", strconv.FormatBool(inv.validate),
		"{folds}", strconv.Itoa(inv.folds),
		"{workdir}", inv.workDir,
		"{data_path}", inv.dataPath,
	)
	args := make([]string, len(t.cfg.Command))
	for i, a := range t.cfg.Command {
		args[i] = replacer.Replace(a)
	}

	logFile, err := os.OpenFile(filepath.Join(inv.workDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trainer log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = inv.workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = t.environ(inv.device)

	t.logger.Debug("Starting training command", map[string]interface{}{
		"mode":    inv.mode,
		"device":  inv.device.String(),
		"workdir": inv.workDir,
	})

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("training command exited with code %d (see %s)", exitErr.ExitCode(), logFile.Name())
		}
		return fmt.Errorf("failed to run training command: %w", err)
	}

	result, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("training command wrote no output: %w", err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode training output %s: %w", outputPath, err)
	}
	return nil
}

// environ builds the child environment; the device entry comes last so it wins
func (t *CommandTrainer) environ(device DeviceConstraint) []string {
	env := os.Environ()
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}
	return append(env, device.Env())
}
