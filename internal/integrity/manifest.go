package integrity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML list of expected artifact digests.
//
//	version: 1
//	generated_at: 2024-01-01T00:00:00Z
//	hashes:
//	  mt5setup.exe: <sha256>
type Manifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LoadManifest reads and validates a checksum manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}

// WriteManifest hashes the given files and writes a manifest keyed by base name.
func WriteManifest(path string, files []string) (*Manifest, error) {
	m := &Manifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, f := range files {
		digest, err := FileDigest(f)
		if err != nil {
			return nil, err
		}
		m.Hashes[filepath.Base(f)] = digest
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return m, nil
}
