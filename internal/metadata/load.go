package metadata

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"relgraph/internal/naming"
)

// modelFile is the on-disk layout of an entity model.
type modelFile struct {
	Entities []*Entity `yaml:"entities"`
}

// LoadFile reads a YAML entity model and returns a linked registry.
func LoadFile(path string, namer *naming.Namer) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()
	return Load(f, namer)
}

// Load decodes a YAML entity model and returns a linked registry.
func Load(r io.Reader, namer *naming.Namer) (*Registry, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var model modelFile
	if err := decoder.Decode(&model); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: model file is empty", ErrInvalidModel)
		}
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}

	registry := NewRegistry(namer)
	if err := registry.Add(model.Entities...); err != nil {
		return nil, err
	}
	if err := registry.Link(); err != nil {
		return nil, err
	}
	return registry, nil
}
