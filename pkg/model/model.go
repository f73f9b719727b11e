package model

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// ParameterConfig bounds one model parameter
type ParameterConfig struct {
	ScalarMin         float64  `yaml:"scalar_min"`
	ScalarMax         float64  `yaml:"scalar_max"`
	DistributionMin   int      `yaml:"distribution_min"`
	DistributionMax   int      `yaml:"distribution_max"`
	DistributionTypes []string `yaml:"distribution_types"`
}

// ModelConfig is the externally supplied description of one runnable
// model: version bounds, allowed outputs and per-parameter limits.
type ModelConfig struct {
	MinVersion float64                    `yaml:"min_version"`
	MaxVersion float64                    `yaml:"max_version"`
	Outputs    []string                   `yaml:"outputs"`
	Parameters map[string]ParameterConfig `yaml:"parameters"`
	MaxCPUs    int                        `yaml:"max_cpus"`
}

// Registry holds the model configurations requests are validated against
type Registry struct {
	models map[string]ModelConfig
}

// Default returns a registry holding the stock NWM configuration
func Default() *Registry {
	return &Registry{models: map[string]ModelConfig{
		"nwm": {
			MinVersion: 1.0,
			MaxVersion: 4.0,
			Outputs:    []string{"streamflow"},
			Parameters: map[string]ParameterConfig{
				"hydraulic_conductivity": {
					ScalarMin:         0,
					ScalarMax:         10,
					DistributionMin:   0,
					DistributionMax:   10,
					DistributionTypes: []string{"normal", "lognormal"},
				},
				"land_cover": {
					ScalarMin:         0,
					ScalarMax:         1,
					DistributionMin:   0,
					DistributionMax:   1,
					DistributionTypes: []string{"normal", "lognormal"},
				},
			},
			MaxCPUs: 960,
		},
	}}
}

// LoadFile reads a registry from a YAML file mapping model names to
// their configurations.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model registry: %w", err)
	}
	var models map[string]ModelConfig
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse model registry: %w", err)
	}
	return &Registry{models: models}, nil
}

// Names lists registered model names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}

// Validate checks a request against the registry and returns every
// violation found. An empty slice means the request is acceptable.
func (r *Registry) Validate(req *types.SchedulerRequest) []string {
	var problems []string

	cfg, ok := r.models[strings.ToLower(req.Model)]
	if !ok {
		return []string{fmt.Sprintf("unknown model %q", req.Model)}
	}

	if req.Version < cfg.MinVersion || req.Version > cfg.MaxVersion {
		problems = append(problems, fmt.Sprintf(
			"version %g out of range [%g, %g]", req.Version, cfg.MinVersion, cfg.MaxVersion))
	}

	if req.Output != "" && !contains(cfg.Outputs, req.Output) {
		problems = append(problems, fmt.Sprintf(
			"output %q not offered by model %s", req.Output, req.Model))
	}

	if req.CPUs <= 0 {
		problems = append(problems, fmt.Sprintf("cpu count %d must be positive", req.CPUs))
	} else if cfg.MaxCPUs > 0 && req.CPUs > cfg.MaxCPUs {
		problems = append(problems, fmt.Sprintf(
			"cpu count %d exceeds model limit %d", req.CPUs, cfg.MaxCPUs))
	}
	if req.Memory <= 0 {
		problems = append(problems, fmt.Sprintf("memory %d must be positive", req.Memory))
	}

	for name, param := range req.Parameters {
		pcfg, ok := cfg.Parameters[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		problems = append(problems, validateParameter(name, param, pcfg)...)
	}

	return problems
}

func validateParameter(name string, p types.Parameter, cfg ParameterConfig) []string {
	var problems []string

	switch {
	case p.Scalar == nil && p.Distribution == nil:
		problems = append(problems, fmt.Sprintf(
			"parameter %q needs either a scalar or a distribution", name))
	case p.Scalar != nil && p.Distribution != nil:
		problems = append(problems, fmt.Sprintf(
			"parameter %q may not set both a scalar and a distribution", name))
	case p.Scalar != nil:
		if *p.Scalar < cfg.ScalarMin || *p.Scalar > cfg.ScalarMax {
			problems = append(problems, fmt.Sprintf(
				"parameter %q scalar %g out of range [%g, %g]",
				name, *p.Scalar, cfg.ScalarMin, cfg.ScalarMax))
		}
	default:
		d := p.Distribution
		if d.Min > d.Max {
			problems = append(problems, fmt.Sprintf(
				"parameter %q distribution min %d exceeds max %d", name, d.Min, d.Max))
		}
		if d.Min < cfg.DistributionMin || d.Max > cfg.DistributionMax {
			problems = append(problems, fmt.Sprintf(
				"parameter %q distribution [%d, %d] out of range [%d, %d]",
				name, d.Min, d.Max, cfg.DistributionMin, cfg.DistributionMax))
		}
		if !contains(cfg.DistributionTypes, d.Type) {
			problems = append(problems, fmt.Sprintf(
				"parameter %q distribution type %q not allowed", name, d.Type))
		}
	}
	return problems
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
