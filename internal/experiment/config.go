package experiment

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deeppavlov/pipesearch/internal/publish"
	"github.com/deeppavlov/pipesearch/pkg/gpu"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/resources"
	"github.com/deeppavlov/pipesearch/pkg/store"
	"github.com/deeppavlov/pipesearch/pkg/tracing"
	"github.com/deeppavlov/pipesearch/pkg/trainer"
)

// DateLayout formats the experiment date directory
const DateLayout = "2006-01-02"

// CrossValidationConfig enables k-fold evaluation of every pipeline
type CrossValidationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Folds   int  `mapstructure:"folds"`
}

// GPUConfig selects GPU slots; All and Devices are mutually exclusive
type GPUConfig struct {
	All        bool           `mapstructure:"all"`
	Devices    []int          `mapstructure:"devices"`
	Thresholds gpu.Thresholds `mapstructure:"thresholds"`
}

// LoggingConfig controls the run logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig exposes /metrics and /progress while a run is active
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the full description of one experiment run
type Config struct {
	Name         string                 `mapstructure:"name"`
	Root         string                 `mapstructure:"root"`
	Date         string                 `mapstructure:"date"`
	SearchSpace  string                 `mapstructure:"search_space"`
	TargetMetric string                 `mapstructure:"target_metric"`
	Info         map[string]interface{} `mapstructure:"info"`

	CrossValidation CrossValidationConfig `mapstructure:"cross_validation"`
	SaveBest        bool                  `mapstructure:"save_best"`
	Preflight       bool                  `mapstructure:"preflight"`

	Workers      int       `mapstructure:"workers"`
	GPUs         GPUConfig `mapstructure:"gpus"`
	DispatchRate float64   `mapstructure:"dispatch_rate"`

	Trainer trainer.CommandConfig `mapstructure:"trainer"`

	Logging LoggingConfig  `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Store   store.Config   `mapstructure:"store"`
	Publish publish.Config `mapstructure:"publish"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers the default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "experiment")
	v.SetDefault("root", "./experiments")
	v.SetDefault("save_best", true)
	v.SetDefault("preflight", true)
	v.SetDefault("cross_validation.folds", 5)
	v.SetDefault("gpus.thresholds.min_free_memory_fraction", gpu.DefaultThresholds().MinFreeMemoryFraction)
	v.SetDefault("gpus.thresholds.max_utilization", gpu.DefaultThresholds().MaxUtilization)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "pipesearch")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("publish.retry.max_retries", 3)
	v.SetDefault("publish.retry.initial_backoff", time.Second)
	v.SetDefault("publish.retry.max_backoff", 30*time.Second)
	v.SetDefault("publish.retry.multiplier", 2.0)
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, models.NewConfigurationError("config", "failed to decode configuration", err)
	}
	if cfg.Date == "" {
		cfg.Date = time.Now().Format(DateLayout)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start a run
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return models.NewConfigurationError("name", "experiment name is required", nil)
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return models.NewConfigurationError("name", fmt.Sprintf("experiment name %q must be a single path element", c.Name), nil)
	}
	if c.Root == "" {
		return models.NewConfigurationError("root", "root directory is required", nil)
	}
	if _, err := time.Parse(DateLayout, c.Date); err != nil {
		return models.NewConfigurationError("date", fmt.Sprintf("date must look like %s", DateLayout), err)
	}
	if c.SearchSpace == "" {
		return models.NewConfigurationError("search_space", "search space file is required", nil)
	}
	if c.CrossValidation.Enabled && c.CrossValidation.Folds < 2 {
		return models.NewConfigurationError("cross_validation.folds",
			fmt.Sprintf("cross-validation needs at least 2 folds, got %d", c.CrossValidation.Folds), nil)
	}
	if c.GPUs.All && len(c.GPUs.Devices) > 0 {
		return models.NewConfigurationError("gpus", "gpus.all and gpus.devices are mutually exclusive", nil)
	}
	if c.Workers < 0 {
		return models.NewConfigurationError("workers", fmt.Sprintf("workers must not be negative, got %d", c.Workers), nil)
	}
	if c.DispatchRate < 0 {
		return models.NewConfigurationError("dispatch_rate", "dispatch rate must not be negative", nil)
	}
	if len(c.Trainer.Command) == 0 {
		return models.NewConfigurationError("trainer.command", "trainer command is required", nil)
	}
	return c.Publish.Validate()
}

// Folds returns the number of cross-validation folds, or 0 when disabled
func (c Config) Folds() int {
	if !c.CrossValidation.Enabled {
		return 0
	}
	return c.CrossValidation.Folds
}

// ResourceRequest converts the worker and GPU settings into an allocator request
func (c Config) ResourceRequest() resources.Request {
	return resources.Request{
		Workers: c.Workers,
		AllGPUs: c.GPUs.All,
		GPUs:    append([]int(nil), c.GPUs.Devices...),
	}
}
