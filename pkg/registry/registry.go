// Package registry keeps a local index of plan and contract bundles that were
// pushed to or pulled from OCI registries.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
)

// BundleEntry is a bundle recorded in the local index.
type BundleEntry struct {
	// Reference is the OCI reference (e.g., ghcr.io/org/plans/badges:v1)
	Reference string `json:"reference"`

	// Repository is the repository portion (e.g., ghcr.io/org/plans/badges)
	Repository string `json:"repository"`

	// Tag is the tag portion (e.g., v1); empty for digest references
	Tag string `json:"tag,omitempty"`

	// Digest is the manifest digest (sha256:...)
	Digest string `json:"digest,omitempty"`

	// Type is the bundle type, plan or contracts
	Type string `json:"type"`

	// Name is the bundle name from its config
	Name string `json:"name,omitempty"`

	// Source records whether the bundle was pushed or pulled
	Source Source `json:"source"`

	// Files is the number of files in the bundle
	Files int `json:"files"`

	// Path is the local directory the bundle was pushed from or pulled into
	Path string `json:"path"`

	// CreatedAt is when the entry was recorded
	CreatedAt time.Time `json:"createdAt"`
}

// Source indicates how a bundle reached the index.
type Source string

const (
	SourcePushed Source = "pushed"
	SourcePulled Source = "pulled"
)

// Registry is the local bundle index.
type Registry interface {
	// Add adds or replaces the entry with the same reference
	Add(entry BundleEntry) error

	// Remove drops an entry; removing an unknown reference is not an error
	Remove(reference string) error

	// Get retrieves an entry by reference
	Get(reference string) (*BundleEntry, error)

	// List returns all entries, most recent first
	List() ([]BundleEntry, error)

	// Clear removes all entries
	Clear() error
}

// registry implements the Registry interface using a JSON file.
type registry struct {
	mu       sync.RWMutex
	filePath string
}

// registryData is the structure stored in the registry file.
type registryData struct {
	Version string        `json:"version"`
	Bundles []BundleEntry `json:"bundles"`
}

// DefaultRegistryPath returns the default path for the local index.
func DefaultRegistryPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".chainctl", "registry", "bundles.json"), nil
}

// NewRegistry creates a registry at the default path.
func NewRegistry() (Registry, error) {
	path, err := DefaultRegistryPath()
	if err != nil {
		return nil, err
	}
	return NewRegistryWithPath(path)
}

// NewRegistryWithPath creates a registry backed by the file at path.
func NewRegistryWithPath(path string) (Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &registry{filePath: path}, nil
}

// NewEntry fills the repository and tag of an entry from reference.
func NewEntry(reference string, source Source) (BundleEntry, error) {
	repo, tag, err := ParseReference(reference)
	if err != nil {
		return BundleEntry{}, err
	}
	return BundleEntry{
		Reference:  reference,
		Repository: repo,
		Tag:        tag,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (r *registry) load() (*registryData, error) {
	data, err := os.ReadFile(r.filePath)
	if os.IsNotExist(err) {
		return &registryData{Version: "v1", Bundles: []BundleEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var reg registryData
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	return &reg, nil
}

func (r *registry) save(data *registryData) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry data: %w", err)
	}

	// Write to temp file first for atomic write
	tempFile := r.filePath + ".tmp"
	if err := os.WriteFile(tempFile, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tempFile, r.filePath); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to update registry file: %w", err)
	}
	return nil
}

func (r *registry) Add(entry BundleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return err
	}

	for i, existing := range data.Bundles {
		if existing.Reference == entry.Reference {
			data.Bundles[i] = entry
			return r.save(data)
		}
	}
	data.Bundles = append(data.Bundles, entry)
	return r.save(data)
}

func (r *registry) Remove(reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return err
	}

	filtered := make([]BundleEntry, 0, len(data.Bundles))
	for _, entry := range data.Bundles {
		if entry.Reference != reference {
			filtered = append(filtered, entry)
		}
	}
	data.Bundles = filtered
	return r.save(data)
}

func (r *registry) Get(reference string) (*BundleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	for _, entry := range data.Bundles {
		if entry.Reference == reference {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("bundle %q not found in local registry", reference)
}

func (r *registry) List() ([]BundleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}

	// Most recent first
	sort.SliceStable(data.Bundles, func(i, j int) bool {
		return data.Bundles[i].CreatedAt.After(data.Bundles[j].CreatedAt)
	})
	return data.Bundles, nil
}

func (r *registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(&registryData{Version: "v1", Bundles: []BundleEntry{}})
}

// ParseReference splits an OCI reference into repository and tag. Digest
// references have an empty tag; references without either get "latest".
func ParseReference(ref string) (repository, tag string, err error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid OCI reference %q: %w", ref, err)
	}
	repository = parsed.Context().RegistryStr() + "/" + parsed.Context().RepositoryStr()
	if t, ok := parsed.(name.Tag); ok {
		tag = t.TagStr()
	}
	return repository, tag, nil
}
