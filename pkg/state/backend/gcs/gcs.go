// Package gcs stores deployment ledgers in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

func init() {
	backend.Register("gcs", NewBackend)
}

// Backend stores each state object as one GCS object under an optional prefix.
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewBackend creates a GCS backend. Recognised keys: bucket (required),
// prefix, credentials (file path), credentials_json, endpoint.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	bucket := cfg["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("gcs backend requires 'bucket' configuration")
	}

	var opts []option.ClientOption
	if file := cfg["credentials"]; file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	if raw := cfg["credentials_json"]; raw != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(raw)))
	}
	// A custom endpoint points at an emulator, which takes no credentials.
	if endpoint := cfg["endpoint"]; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg["prefix"], "/"),
	}, nil
}

func (b *Backend) Type() string {
	return "gcs"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	name := b.fullPath(statePath)

	r, err := b.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", b.bucket, name, err)
	}
	return r, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	name := b.fullPath(statePath)
	if err := b.put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to write gs://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	name := b.fullPath(statePath)

	err := b.object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.fullPath(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}

	var paths []string
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: full})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", b.bucket, full, err)
		}
		paths = append(paths, b.relativePath(attrs.Name))
	}
	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	name := b.fullPath(statePath)

	_, err := b.object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check gs://%s/%s: %w", b.bucket, name, err)
	}
	return true, nil
}

// Lock writes a JSON lock object next to the state path.
func (b *Backend) Lock(ctx context.Context, statePath string, info backend.LockInfo) (backend.Lock, error) {
	name := b.fullPath(backend.LockPath(statePath))

	if current, err := b.readLock(ctx, name); err == nil && !current.Stale() {
		return nil, backend.Conflict(current)
	}

	info = backend.NewLockInfo(statePath, info)
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if err := b.put(ctx, name, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	return &objectLock{owner: b, name: name, info: info}, nil
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) object(name string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(name)
}

func (b *Backend) put(ctx context.Context, name string, data io.Reader) error {
	w := b.object(name).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *Backend) readLock(ctx context.Context, name string) (backend.LockInfo, error) {
	var info backend.LockInfo
	r, err := b.object(name).NewReader(ctx)
	if err != nil {
		return info, err
	}
	defer r.Close()

	err = json.NewDecoder(r).Decode(&info)
	return info, err
}

func (b *Backend) fullPath(statePath string) string {
	if b.prefix == "" {
		return statePath
	}
	return path.Join(b.prefix, statePath)
}

func (b *Backend) relativePath(name string) string {
	if b.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, b.prefix+"/")
}

type objectLock struct {
	owner *Backend
	name  string
	info  backend.LockInfo
}

func (l *objectLock) ID() string {
	return l.info.ID
}

func (l *objectLock) Info() backend.LockInfo {
	return l.info
}

func (l *objectLock) Unlock(ctx context.Context) error {
	err := l.owner.object(l.name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
