package generator

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// Search modes
const (
	ModeGrid   = "grid"
	ModeRandom = "random"
)

// Space is the search space file: every dataset is crossed with every
// pipeline, and every pipeline with its parameter combinations
type Space struct {
	Datasets  []models.DatasetRef  `yaml:"datasets"`
	Train     models.TrainSettings `yaml:"train"`
	Search    SearchSettings       `yaml:"search"`
	Pipelines []PipelineSpec       `yaml:"pipelines"`
}

// SearchSettings selects grid enumeration or seeded random sampling
type SearchSettings struct {
	Mode      string `yaml:"mode"`       // "grid" or "random"
	SampleNum int    `yaml:"sample_num"` // configs per dataset and pipeline in random mode
	Seed      uint64 `yaml:"seed"`
}

// PipelineSpec is one processing chain with searchable parameters
type PipelineSpec struct {
	Name  string          `yaml:"name"`
	Chain []ComponentSpec `yaml:"chain"`
}

// ComponentSpec is a chain stage. Params are fixed; Grid values are enumerated
// (or drawn from in random mode); Range is only valid in random mode.
type ComponentSpec struct {
	Name   string                   `yaml:"name"`
	Params map[string]interface{}   `yaml:"params,omitempty"`
	Grid   map[string][]interface{} `yaml:"grid,omitempty"`
	Range  map[string]Range         `yaml:"range,omitempty"`
}

// Range is a numeric interval sampled in random mode
type Range struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Scale string  `yaml:"scale,omitempty"` // "linear" (default) or "log"
	Int   bool    `yaml:"int,omitempty"`
}

// LoadSpace loads a search space from a YAML file
func LoadSpace(path string) (*Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read search space file: %w", err)
	}
	return ParseSpace(data)
}

// ParseSpace decodes, defaults and validates a search space
func ParseSpace(data []byte) (*Space, error) {
	var space Space
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, models.NewConfigurationError("search_space", "failed to parse search space", err)
	}

	// Set defaults
	if space.Search.Mode == "" {
		space.Search.Mode = ModeGrid
	}

	if err := space.Validate(); err != nil {
		return nil, err
	}
	return &space, nil
}

// Validate checks the structure of the space; per-config checks happen at generation time
func (s *Space) Validate() error {
	if len(s.Datasets) == 0 {
		return models.NewConfigurationError("search_space.datasets", "at least one dataset is required", nil)
	}
	seen := make(map[string]bool, len(s.Datasets))
	for _, ds := range s.Datasets {
		if err := models.ValidateDatasetName(ds.Name); err != nil {
			return err
		}
		if seen[ds.Name] {
			return models.NewConfigurationError("search_space.datasets", fmt.Sprintf("dataset %q listed twice", ds.Name), nil)
		}
		seen[ds.Name] = true
	}

	if len(s.Pipelines) == 0 {
		return models.NewConfigurationError("search_space.pipelines", "at least one pipeline is required", nil)
	}

	switch s.Search.Mode {
	case ModeGrid:
	case ModeRandom:
		if s.Search.SampleNum < 1 {
			return models.NewConfigurationError("search_space.search.sample_num",
				"random search needs sample_num >= 1", nil)
		}
	default:
		return models.NewConfigurationError("search_space.search.mode",
			fmt.Sprintf("unknown search mode %q", s.Search.Mode), nil)
	}

	for _, p := range s.Pipelines {
		if p.Name == "" {
			return models.NewConfigurationError("search_space.pipelines", "pipeline without a name", nil)
		}
		for _, c := range p.Chain {
			for param, values := range c.Grid {
				if len(values) == 0 {
					return models.NewConfigurationError("search_space.pipelines",
						fmt.Sprintf("pipeline %s: %s.%s has an empty grid", p.Name, c.Name, param), nil)
				}
			}
			for param, r := range c.Range {
				if s.Search.Mode != ModeRandom {
					return models.NewConfigurationError("search_space.pipelines",
						fmt.Sprintf("pipeline %s: %s.%s uses a range, which needs random search", p.Name, c.Name, param), nil)
				}
				if r.Max < r.Min || (r.Scale == "log" && r.Min <= 0) {
					return models.NewConfigurationError("search_space.pipelines",
						fmt.Sprintf("pipeline %s: %s.%s has an invalid range", p.Name, c.Name, param), nil)
				}
			}
		}
	}
	return nil
}

// axis is one searchable parameter of one chain component
type axis struct {
	component int
	param     string
	values    []interface{}
	rng       *Range
}

// axes lists the searchable parameters in a stable order
func (p PipelineSpec) axes() []axis {
	var out []axis
	for i, c := range p.Chain {
		names := make([]string, 0, len(c.Grid)+len(c.Range))
		for name := range c.Grid {
			names = append(names, name)
		}
		for name := range c.Range {
			if _, dup := c.Grid[name]; !dup {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			if values, ok := c.Grid[name]; ok {
				out = append(out, axis{component: i, param: name, values: values})
				continue
			}
			r := c.Range[name]
			out = append(out, axis{component: i, param: name, rng: &r})
		}
	}
	return out
}
