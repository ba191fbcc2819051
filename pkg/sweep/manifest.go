package sweep

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the sweep record inside the output directory.
const ManifestFile = "sweep.yaml"

// Manifest records a generated sweep.
type Manifest struct {
	Parameter string            `yaml:"parameter"`
	BaseDeck  string            `yaml:"base_deck"`
	Start     float64           `yaml:"start"`
	End       float64           `yaml:"end"`
	Step      float64           `yaml:"step"`
	Overrides map[string]string `yaml:"overrides,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
	Points    []Point           `yaml:"points"`
}

// Write stores the manifest as outDir/sweep.yaml.
func (m *Manifest) Write(outDir string) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ManifestFile, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, ManifestFile), b, 0644); err != nil {
		return fmt.Errorf("write %s: %w", ManifestFile, err)
	}
	return nil
}

// ReadManifest loads outDir/sweep.yaml.
func ReadManifest(outDir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	return &m, nil
}
