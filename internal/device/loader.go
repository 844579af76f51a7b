package device

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mqtt-device-bridge/internal/logger"
)

// registryFile is the on-disk YAML shape of the device registry
type registryFile struct {
	Devices []Config `yaml:"devices"`
	Groups  []Group  `yaml:"groups"`
}

// LoadRegistry reads the YAML device registry from disk
func LoadRegistry(path string, log *logger.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device registry: %w", err)
	}

	registry, err := NewRegistry(file.Devices, file.Groups)
	if err != nil {
		return nil, fmt.Errorf("invalid device registry: %w", err)
	}

	if log != nil {
		log.Info("loaded device registry",
			"path", path,
			"devices", len(file.Devices),
			"groups", len(file.Groups))
	}
	return registry, nil
}
