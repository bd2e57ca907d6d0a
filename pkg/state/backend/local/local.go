// Package local stores deployment ledgers on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

func init() {
	backend.Register("local", NewBackend)
}

// Backend keeps each state object in its own file under a base directory.
type Backend struct {
	basePath string
	mu       sync.Mutex
	held     map[string]*fileLock
}

// NewBackend creates a local backend rooted at config["path"], or
// ~/.chainctl/state when no path is given.
func NewBackend(config map[string]string) (backend.Backend, error) {
	root := config["path"]
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		root = filepath.Join(home, ".chainctl", "state")
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Backend{
		basePath: root,
		held:     make(map[string]*fileLock),
	}, nil
}

func (b *Backend) Type() string {
	return "local"
}

// Root returns the base directory.
func (b *Backend) Root() string {
	return b.basePath
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(statePath))
	if os.IsNotExist(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", statePath, err)
	}
	return f, nil
}

// Write replaces the object atomically so a crash never leaves a torn ledger.
func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	target := b.fullPath(statePath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".chainctl-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = io.Copy(tmp, data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), target)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", statePath, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	err := os.Remove(b.fullPath(statePath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", statePath, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(b.fullPath(prefix), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	_, err := os.Stat(b.fullPath(statePath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", statePath, err)
	}
	return true, nil
}

// Lock writes a lock file next to the state path. Locks held by this process
// are tracked in memory; lock files left by other processes are honoured
// until they go stale.
func (b *Backend) Lock(ctx context.Context, statePath string, info backend.LockInfo) (backend.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lockPath := backend.LockPath(statePath)
	if existing, ok := b.held[lockPath]; ok {
		return nil, backend.Conflict(existing.info)
	}

	file := b.fullPath(lockPath)
	if raw, err := os.ReadFile(file); err == nil {
		var current backend.LockInfo
		if json.Unmarshal(raw, &current) == nil && !current.Stale() {
			return nil, backend.Conflict(current)
		}
	}

	info = backend.NewLockInfo(statePath, info)
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(file, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	l := &fileLock{owner: b, key: lockPath, file: file, info: info}
	b.held[lockPath] = l
	return l, nil
}

func (b *Backend) fullPath(statePath string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(statePath))
}

type fileLock struct {
	owner *Backend
	key   string
	file  string
	info  backend.LockInfo
}

func (l *fileLock) ID() string {
	return l.info.ID
}

func (l *fileLock) Info() backend.LockInfo {
	return l.info
}

func (l *fileLock) Unlock(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	delete(l.owner.held, l.key)
	if err := os.Remove(l.file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
