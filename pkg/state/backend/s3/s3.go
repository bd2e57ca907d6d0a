// Package s3 stores deployment ledgers in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

func init() {
	backend.Register("s3", NewBackend)
}

// Backend stores each state object as one S3 object under an optional key prefix.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	region string
}

// NewBackend creates an S3 backend. Recognised keys: bucket (required),
// region, prefix, endpoint, force_path_style, access_key, secret_key.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	bucket := cfg["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	region := cfg["region"]
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey := cfg["access_key"]; accessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, cfg["secret_key"], ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg["endpoint"]
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg["force_path_style"] == "true"
		if endpoint != "" {
			// MinIO, R2 and similar stores reject the default integrity checksums.
			o.BaseEndpoint = aws.String(endpoint)
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	prefix := cfg["prefix"]
	if prefix == "" {
		prefix = cfg["key"]
	}

	return &Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		region: region,
	}, nil
}

func (b *Backend) Type() string {
	return "s3"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	key := b.fullPath(statePath)

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if isMissing(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", b.bucket, key, err)
	}
	return out.Body, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	key := b.fullPath(statePath)

	// PutObject needs a seekable body of known length.
	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	if err := b.put(ctx, key, content); err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	key := b.fullPath(statePath)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.fullPath(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}

	var paths []string
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &full,
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, full, err)
		}
		for _, obj := range page.Contents {
			paths = append(paths, b.relativePath(aws.ToString(obj.Key)))
		}
	}
	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	key := b.fullPath(statePath)

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	if isMissing(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check s3://%s/%s: %w", b.bucket, key, err)
	}
	return true, nil
}

// Lock stores a JSON lock object beside the state path. The check and the
// write are not atomic; the lock guards against operators, not races.
func (b *Backend) Lock(ctx context.Context, statePath string, info backend.LockInfo) (backend.Lock, error) {
	key := b.fullPath(backend.LockPath(statePath))

	if current, err := b.readLock(ctx, key); err == nil && !current.Stale() {
		return nil, backend.Conflict(current)
	}

	info = backend.NewLockInfo(statePath, info)
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if err := b.put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	return &objectLock{owner: b, key: key, info: info}, nil
}

func (b *Backend) put(ctx context.Context, key string, content []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (b *Backend) readLock(ctx context.Context, key string) (backend.LockInfo, error) {
	var info backend.LockInfo
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return info, err
	}
	defer out.Body.Close()

	err = json.NewDecoder(out.Body).Decode(&info)
	return info, err
}

func (b *Backend) fullPath(statePath string) string {
	if b.prefix == "" {
		return statePath
	}
	return path.Join(b.prefix, statePath)
}

func (b *Backend) relativePath(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.prefix+"/")
}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

type objectLock struct {
	owner *Backend
	key   string
	info  backend.LockInfo
}

func (l *objectLock) ID() string {
	return l.info.ID
}

func (l *objectLock) Info() backend.LockInfo {
	return l.info
}

func (l *objectLock) Unlock(ctx context.Context) error {
	_, err := l.owner.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &l.owner.bucket,
		Key:    &l.key,
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
