package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DomainRecord maps a model domain onto its container image and the
// bind-mount layout its containers expect. The mapping is externally
// configured data, not code.
type DomainRecord struct {
	Image        string `yaml:"image"`
	SSHImage     string `yaml:"ssh_image"`
	Entrypoint   string `yaml:"entrypoint"`
	RunDir       string `yaml:"run_dir"`
	OutputDir    string `yaml:"output_dir"`
	PerPartition bool   `yaml:"per_partition"`
}

// ImageRegistry resolves domains to their records
type ImageRegistry struct {
	domains map[string]DomainRecord
	def     string
}

// LoadImageRegistry reads the images-and-domains YAML file. The first
// record flagged `default: true` (or the sole record) answers lookups
// for requests that name no domain.
func LoadImageRegistry(path string) (*ImageRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read images-and-domains file: %w", err)
	}

	var raw map[string]struct {
		DomainRecord `yaml:",inline"`
		Default      bool `yaml:"default"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse images-and-domains file: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("images-and-domains file %s defines no domains", path)
	}

	reg := &ImageRegistry{domains: make(map[string]DomainRecord, len(raw))}
	for name, rec := range raw {
		reg.domains[name] = rec.DomainRecord
		if rec.Default || len(raw) == 1 {
			reg.def = name
		}
	}
	if reg.def == "" {
		return nil, fmt.Errorf("images-and-domains file %s marks no default domain", path)
	}
	return reg, nil
}

// NewImageRegistry builds a registry from in-memory records; the first
// name passed becomes the default. Used by tests and embedded setups.
func NewImageRegistry(def string, domains map[string]DomainRecord) *ImageRegistry {
	return &ImageRegistry{domains: domains, def: def}
}

// Lookup resolves a domain name, falling back to the default record
// when the name is empty.
func (r *ImageRegistry) Lookup(domain string) (DomainRecord, error) {
	if domain == "" {
		domain = r.def
	}
	rec, ok := r.domains[domain]
	if !ok {
		return DomainRecord{}, fmt.Errorf("unknown domain %q", domain)
	}
	return rec, nil
}

// RunMount returns the input data path for one partition of a domain
func (rec DomainRecord) RunMount(partitionIndex int) string {
	if rec.PerPartition {
		return filepath.Join(rec.RunDir, strconv.Itoa(partitionIndex))
	}
	return rec.RunDir
}
