package synth

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed baseimages.yaml
var baseImagesFS embed.FS

type baseImageConfig struct {
	Default string            `yaml:"default"`
	Images  map[string]string `yaml:"images"`
}

// loadBaseImages reads the embedded language-to-image mapping.
func loadBaseImages() (*baseImageConfig, error) {
	data, err := baseImagesFS.ReadFile("baseimages.yaml")
	if err != nil {
		return nil, fmt.Errorf("read base images config: %w", err)
	}
	var cfg baseImageConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse base images config: %w", err)
	}
	if cfg.Default == "" {
		return nil, fmt.Errorf("base images config has no default")
	}
	return &cfg, nil
}

// imageFor returns the base image for a primary language.
func (c *baseImageConfig) imageFor(language string) string {
	if img, ok := c.Images[strings.ToLower(strings.TrimSpace(language))]; ok {
		return img
	}
	return c.Default
}
