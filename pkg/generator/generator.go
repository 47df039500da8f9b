package generator

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// maxConfigs bounds the size of one search so that job indices stay small
const maxConfigs = 1 << 24

// ErrConsumed is yielded when Configs is iterated a second time
var ErrConsumed = errors.New("config sequence already consumed")

// Generator is a lazy, finite, non-restartable sequence of job configs of known length
type Generator interface {
	Len() int
	Configs() iter.Seq2[models.JobConfig, error]
}

// SpaceGenerator enumerates a Space. Configs are built one at a time as the
// consumer pulls them.
type SpaceGenerator struct {
	space    *Space
	counts   []int // configs per pipeline for one dataset
	total    int
	consumed atomic.Bool
}

// New creates a generator over a validated space
func New(space *Space) (*SpaceGenerator, error) {
	if space.Search.Mode == "" {
		space.Search.Mode = ModeGrid
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}

	g := &SpaceGenerator{space: space, counts: make([]int, len(space.Pipelines))}
	perDataset := 0
	for i, p := range space.Pipelines {
		n := 1
		if space.Search.Mode == ModeRandom {
			n = space.Search.SampleNum
		} else {
			for _, a := range p.axes() {
				if n > maxConfigs/len(a.values) {
					return nil, models.NewConfigurationError("search_space",
						fmt.Sprintf("pipeline %s expands to more than %d configs", p.Name, maxConfigs), nil)
				}
				n *= len(a.values)
			}
		}
		g.counts[i] = n
		perDataset += n
		if perDataset > maxConfigs {
			return nil, models.NewConfigurationError("search_space",
				fmt.Sprintf("search expands to more than %d configs", maxConfigs), nil)
		}
	}
	if perDataset > maxConfigs/len(space.Datasets) {
		return nil, models.NewConfigurationError("search_space",
			fmt.Sprintf("search expands to more than %d configs", maxConfigs), nil)
	}
	g.total = perDataset * len(space.Datasets)
	return g, nil
}

// Len returns the total number of configs
func (g *SpaceGenerator) Len() int {
	return g.total
}

// Configs yields every config exactly once. Each config is normalized and
// validated before it is yielded; the first invalid one ends the sequence.
func (g *SpaceGenerator) Configs() iter.Seq2[models.JobConfig, error] {
	return func(yield func(models.JobConfig, error) bool) {
		if !g.consumed.CompareAndSwap(false, true) {
			yield(models.JobConfig{}, ErrConsumed)
			return
		}

		index := 0
		for _, ds := range g.space.Datasets {
			for pi, p := range g.space.Pipelines {
				axes := p.axes()
				for k := 0; k < g.counts[pi]; k++ {
					cfg, err := g.build(ds, p, axes, k, index)
					if !yield(cfg, err) || err != nil {
						return
					}
					index++
				}
			}
		}
	}
}

func (g *SpaceGenerator) build(ds models.DatasetRef, p PipelineSpec, axes []axis, k, index int) (models.JobConfig, error) {
	chain := make([]models.Component, len(p.Chain))
	for i, c := range p.Chain {
		params := make(map[string]interface{}, len(c.Params)+len(c.Grid)+len(c.Range))
		for name, v := range c.Params {
			params[name] = v
		}
		chain[i] = models.Component{Name: c.Name, Params: params}
	}

	if g.space.Search.Mode == ModeRandom {
		r := rand.New(rand.NewPCG(g.space.Search.Seed, uint64(index)))
		for _, a := range axes {
			chain[a.component].Params[a.param] = sample(r, a)
		}
	} else {
		// mixed radix decode of k, last axis varies fastest
		rem := k
		for i := len(axes) - 1; i >= 0; i-- {
			a := axes[i]
			chain[a.component].Params[a.param] = a.values[rem%len(a.values)]
			rem /= len(a.values)
		}
	}

	for i := range chain {
		if len(chain[i].Params) == 0 {
			chain[i].Params = nil
		}
	}

	train := g.space.Train
	train.Metrics = append([]string(nil), train.Metrics...)

	cfg, err := models.JobConfig{
		Version:  models.ConfigVersion,
		Pipeline: p.Name,
		Dataset:  ds,
		Chain:    chain,
		Train:    train,
	}.Normalize()
	if err != nil {
		return models.JobConfig{}, fmt.Errorf("config %d: %w", index+1, err)
	}
	if err := cfg.Validate(); err != nil {
		return models.JobConfig{}, fmt.Errorf("config %d (pipeline %s, dataset %s): %w", index+1, p.Name, ds.Name, err)
	}
	return cfg, nil
}

func sample(r *rand.Rand, a axis) interface{} {
	if a.rng == nil {
		return a.values[r.IntN(len(a.values))]
	}

	var v float64
	if a.rng.Scale == "log" {
		lo, hi := math.Log(a.rng.Min), math.Log(a.rng.Max)
		v = math.Exp(lo + r.Float64()*(hi-lo))
	} else {
		v = a.rng.Min + r.Float64()*(a.rng.Max-a.rng.Min)
	}
	if a.rng.Int {
		return int(math.Round(v))
	}
	return v
}

// Slice is a Generator over an in-memory list, used by tests and dry runs
type Slice struct {
	configs  []models.JobConfig
	consumed atomic.Bool
}

// FromSlice wraps already resolved configs
func FromSlice(configs []models.JobConfig) *Slice {
	return &Slice{configs: configs}
}

// Len returns the number of configs
func (s *Slice) Len() int {
	return len(s.configs)
}

// Configs yields the configs once
func (s *Slice) Configs() iter.Seq2[models.JobConfig, error] {
	return func(yield func(models.JobConfig, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(models.JobConfig{}, ErrConsumed)
			return
		}
		for _, c := range s.configs {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect drains a generator into a slice
func Collect(g Generator) ([]models.JobConfig, error) {
	out := make([]models.JobConfig, 0, g.Len())
	for cfg, err := range g.Configs() {
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
