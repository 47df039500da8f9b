package experiment

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/gpu"
	"github.com/deeppavlov/pipesearch/pkg/models"
)

const configYAML = `
name: intents
root: /tmp/experiments
date: "2026-10-15"
search_space: space.yaml
target_metric: accuracy
workers: 3
gpus:
  devices: [0, 2]
dispatch_rate: 0.5
cross_validation:
  enabled: true
  folds: 4
trainer:
  command: [python, train.py, --config, "{config}"]
  env:
    PYTHONUNBUFFERED: "1"
store:
  driver: sqlite
  dsn: /tmp/results.db
info:
  owner: nlp-team
`

func loadYAML(t *testing.T, content string) (Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(content)))
	return Load(v)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadYAML(t, configYAML)
	require.NoError(t, err)

	assert.Equal(t, "intents", cfg.Name)
	assert.Equal(t, "2026-10-15", cfg.Date)
	assert.Equal(t, 4, cfg.Folds())
	assert.Equal(t, []int{0, 2}, cfg.ResourceRequest().GPUs)
	assert.Equal(t, 3, cfg.ResourceRequest().Workers)
	assert.Equal(t, 0.5, cfg.DispatchRate)
	assert.Equal(t, "{config}", cfg.Trainer.Command[3])
	assert.Equal(t, "1", cfg.Trainer.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "nlp-team", cfg.Info["owner"])

	// defaults
	assert.True(t, cfg.SaveBest)
	assert.True(t, cfg.Preflight)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 3, cfg.Publish.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Publish.Retry.InitialBackoff)
	assert.Equal(t, gpu.DefaultThresholds(), cfg.GPUs.Thresholds)
}

func TestLoadConfigDefaultsDate(t *testing.T) {
	cfg, err := loadYAML(t, strings.Replace(configYAML, "date: \"2026-10-15\"\n", "", 1))
	require.NoError(t, err)
	_, err = time.Parse(DateLayout, cfg.Date)
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	base, err := loadYAML(t, configYAML)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"empty name":        func(c *Config) { c.Name = "" },
		"nested name":       func(c *Config) { c.Name = "a/b" },
		"bad date":          func(c *Config) { c.Date = "15.10.2026" },
		"no search space":   func(c *Config) { c.SearchSpace = "" },
		"one fold":          func(c *Config) { c.CrossValidation.Folds = 1 },
		"both gpu modes":    func(c *Config) { c.GPUs.All = true },
		"negative workers":  func(c *Config) { c.Workers = -1 },
		"negative rate":     func(c *Config) { c.DispatchRate = -1 },
		"no trainer":        func(c *Config) { c.Trainer.Command = nil },
		"publish no bucket": func(c *Config) { c.Publish.Enabled = true; c.Publish.Endpoint = "localhost:9000" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			c.GPUs.Devices = append([]int(nil), base.GPUs.Devices...)
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfiguration))
		})
	}
}
