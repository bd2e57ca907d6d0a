// Package backend defines the storage interface for persisted deployment
// state and the registry state backends add themselves to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a state object does not exist.
	ErrNotFound = errors.New("state not found")

	// ErrLocked is returned when a lock is held by someone else.
	ErrLocked = errors.New("state is locked")
)

// Backend stores opaque state objects under slash-separated paths.
type Backend interface {
	// Type returns the backend identifier (e.g., "local", "s3").
	Type() string

	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns every path under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)

	// Lock acquires an advisory lock on path.
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)
}

// Lock is a held advisory lock.
type Lock interface {
	ID() string
	Unlock(ctx context.Context) error
	Info() LockInfo
}

// LockInfo describes a lock holder.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	Created   time.Time `json:"created"`
}

// LockError reports a lock conflict together with the current holder.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v: held by %s for %s since %s (lock %s)",
		e.Err, e.Info.Who, e.Info.Operation, e.Info.Created.Format(time.RFC3339), e.Info.ID)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// StaleLockAge is the age after which a lock is considered abandoned.
const StaleLockAge = time.Hour

// LockPath returns the object path that holds the lock for statePath.
func LockPath(statePath string) string {
	return statePath + ".lock"
}

// NewLockInfo stamps info with a fresh id, the locked path and the current time.
func NewLockInfo(statePath string, info LockInfo) LockInfo {
	info.ID = uuid.New().String()
	info.Path = statePath
	info.Created = time.Now().UTC()
	return info
}

// Stale reports whether the lock is old enough to be taken over.
func (i LockInfo) Stale() bool {
	return time.Since(i.Created) >= StaleLockAge
}

// Conflict returns the error reported when info is held by someone else.
func Conflict(info LockInfo) error {
	return &LockError{Info: info, Err: ErrLocked}
}

// Config selects and configures a backend.
type Config struct {
	Type   string
	Config map[string]string
}

// Factory creates a backend from key/value configuration.
type Factory func(config map[string]string) (Backend, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend type available to Create.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Create instantiates the backend described by config.
func Create(config Config) (Backend, error) {
	mu.RLock()
	factory, ok := factories[config.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s (available: %v)", config.Type, Types())
	}

	cfg := config.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	return factory(cfg)
}

// Types returns the registered backend types, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
