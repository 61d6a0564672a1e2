package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestFile is the package manifest kept at the root of file-backed environments.
const ManifestFile = "packages.json"

// Manifest records the installed packages of an environment on disk.
type Manifest struct {
	EnvID     string    `json:"env_id"`
	Backend   string    `json:"backend"`
	Packages  []string  `json:"packages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteManifest stores the base's package set under dir.
func (b *Base) WriteManifest(dir string) error {
	m := Manifest{
		EnvID:     b.id,
		Backend:   b.backend,
		Packages:  b.PackageSpecs(),
		UpdatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads the manifest under dir. A missing file yields an empty manifest.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest in %s: %w", dir, err)
	}
	return m, nil
}
