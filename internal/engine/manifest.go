package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const (
	// ManifestVersion is the current schema version
	ManifestVersion = 1

	// ManifestFilename is the manifest file inside an index directory
	ManifestFilename = "manifest.json"
)

// Manifest records the commit state of every sub-index of a directory.
type Manifest struct {
	Version    int                      `json:"version"`
	LastCommit time.Time                `json:"last_commit"`
	SubIndexes map[string]SubIndexState `json:"sub_indexes"`
	mu         sync.RWMutex             `json:"-"`
}

// SubIndexState is the persisted state of one sub-index.
type SubIndexState struct {
	Generation uint64    `json:"generation"`
	LastCommit time.Time `json:"last_commit"`
	DocCount   uint64    `json:"doc_count"`
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		Version:    ManifestVersion,
		SubIndexes: make(map[string]SubIndexState),
	}
}

// LoadManifest reads a manifest from disk, or returns a new one if it doesn't exist.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Version > ManifestVersion {
		return nil, fmt.Errorf("manifest version %d is newer than supported version %d", manifest.Version, ManifestVersion)
	}
	if manifest.SubIndexes == nil {
		manifest.SubIndexes = make(map[string]SubIndexState)
	}
	return &manifest, nil
}

// Save writes the manifest atomically (temp file + rename).
func (m *Manifest) Save(path string) error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest file: %w", err)
	}
	return nil
}

// State returns the state of a sub-index; the zero state when unknown.
func (m *Manifest) State(sub string) SubIndexState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SubIndexes[sub]
}

// SetState records the state of a sub-index and bumps LastCommit.
func (m *Manifest) SetState(sub string, state SubIndexState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubIndexes[sub] = state
	if state.LastCommit.After(m.LastCommit) {
		m.LastCommit = state.LastCommit
	}
}

// Names returns the recorded sub-index names, sorted.
func (m *Manifest) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.SubIndexes))
	for name := range m.SubIndexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RemoveStale drops the sub-indexes not listed in subs and returns their names.
func (m *Manifest) RemoveStale(subs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for name := range m.SubIndexes {
		if !slices.Contains(subs, name) {
			removed = append(removed, name)
		}
	}
	for _, name := range removed {
		delete(m.SubIndexes, name)
	}
	slices.Sort(removed)
	return removed
}
