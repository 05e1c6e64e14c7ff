package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// overlayFile is the optional YAML configuration overlay.
const overlayFile = "loghive.yaml"

// load builds the configuration: defaults, then the YAML overlay, then
// environment variables.
func load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, overlayFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		overlay := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), overlay); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
		}
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
		slog.Info("Loaded configuration overlay", "path", path)
	case os.IsNotExist(err):
		slog.Debug("No configuration overlay found", "path", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}
