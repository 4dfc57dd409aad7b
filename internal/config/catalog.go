package config

import (
	"fmt"
	"os"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Services []types.ServiceType `yaml:"services"`
}

// LoadCatalog reads the service catalog from a YAML file
func LoadCatalog(path string) ([]types.ServiceType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid service catalog: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("invalid service catalog: no services in %s", path)
	}

	seen := make(map[string]bool, len(file.Services))
	for i, s := range file.Services {
		if s.Code == "" || s.Tier == "" {
			return nil, fmt.Errorf("invalid service catalog: entry %d needs code and tier", i)
		}
		if seen[s.Code] {
			return nil, fmt.Errorf("invalid service catalog: duplicate code %q", s.Code)
		}
		seen[s.Code] = true
		if s.ExpectedMinutes <= 0 {
			file.Services[i].ExpectedMinutes = 10
		}
	}
	return file.Services, nil
}
