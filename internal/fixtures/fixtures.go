// Package fixtures loads YAML-defined seed flows for local development and
// the seed CLI: a YAML asset is compiled once at startup, failing fast on a
// malformed file rather than deferring the error to first use.
package fixtures

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"flowcast/internal/models"
	"flowcast/internal/sanitize"
)

// SeedFlow is one flow entry in a seed YAML file.
type SeedFlow struct {
	Name       string `yaml:"name"`
	Trigger    string `yaml:"trigger"`
	Definition any    `yaml:"definition"`
}

type seedFile struct {
	Flows []SeedFlow `yaml:"flows"`
}

// Load reads and parses path into seed flows, sanitizing each definition
// through the same path a flow-CRUD endpoint would use.
func Load(path string) ([]SeedFlow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixtures: read %s: %w", path, err)
	}

	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("fixtures: parse %s: %w", path, err)
	}

	for i, f := range doc.Flows {
		if f.Name == "" {
			return nil, fmt.Errorf("fixtures: flow at index %d is missing a name", i)
		}
		if _, err := sanitize.Sanitize(f.Definition); err != nil {
			return nil, fmt.Errorf("fixtures: flow %q has an invalid definition: %w", f.Name, err)
		}
	}
	return doc.Flows, nil
}

// MustLoad panics on a malformed seed file: a broken asset should fail the
// process at startup, not at the first request that needs it.
func MustLoad(path string) []SeedFlow {
	flows, err := Load(path)
	if err != nil {
		panic(err)
	}
	return flows
}

// Sanitized returns f's definition as a canonical models.FlowDefinition.
func (f SeedFlow) Sanitized() (models.FlowDefinition, error) {
	return sanitize.Sanitize(f.Definition)
}
