// Package azurerm stores deployment ledgers in Azure Blob Storage.
package azurerm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

func init() {
	backend.Register("azurerm", NewBackend)
}

// Backend stores each state object as a block blob in one container.
type Backend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewBackend creates an Azure backend. Requires storage_account_name and
// container_name; authenticates with access_key, sas_token,
// connection_string or the default Azure credential chain, in that order.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	account := cfg["storage_account_name"]
	if account == "" {
		return nil, fmt.Errorf("azurerm backend requires 'storage_account_name' configuration")
	}
	containerName := cfg["container_name"]
	if containerName == "" {
		return nil, fmt.Errorf("azurerm backend requires 'container_name' configuration")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	if endpoint := cfg["endpoint"]; endpoint != "" {
		serviceURL = endpoint
	}

	client, err := newClient(cfg, account, serviceURL)
	if err != nil {
		return nil, err
	}

	prefix := cfg["prefix"]
	if prefix == "" {
		prefix = cfg["key"]
	}

	return &Backend{
		client:    client,
		container: containerName,
		prefix:    strings.Trim(prefix, "/"),
	}, nil
}

func newClient(cfg map[string]string, account, serviceURL string) (*azblob.Client, error) {
	switch {
	case cfg["access_key"] != "":
		cred, err := azblob.NewSharedKeyCredential(account, cfg["access_key"])
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return client, nil

	case cfg["sas_token"] != "":
		sep := "?"
		if strings.Contains(serviceURL, "?") {
			sep = "&"
		}
		client, err := azblob.NewClientWithNoCredential(serviceURL+sep+strings.TrimPrefix(cfg["sas_token"], "?"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return client, nil

	case cfg["connection_string"] != "":
		client, err := azblob.NewClientFromConnectionString(cfg["connection_string"], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return client, nil

	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default Azure credential: %w", err)
		}
		client, err := azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		return client, nil
	}
}

func (b *Backend) Type() string {
	return "azurerm"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	name := b.fullPath(statePath)

	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if isMissing(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read azure://%s/%s: %w", b.container, name, err)
	}
	return resp.Body, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	name := b.fullPath(statePath)

	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	if err := b.put(ctx, name, content); err != nil {
		return fmt.Errorf("failed to write azure://%s/%s: %w", b.container, name, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	name := b.fullPath(statePath)

	_, err := b.client.DeleteBlob(ctx, b.container, name, nil)
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete azure://%s/%s: %w", b.container, name, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.fullPath(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}

	var paths []string
	pager := b.client.NewListBlobsFlatPager(b.container, &container.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list azure://%s/%s: %w", b.container, full, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				paths = append(paths, b.relativePath(*item.Name))
			}
		}
	}
	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	name := b.fullPath(statePath)

	_, err := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(name).GetProperties(ctx, nil)
	if isMissing(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check azure://%s/%s: %w", b.container, name, err)
	}
	return true, nil
}

// Lock uploads a JSON lock blob next to the state path.
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
	if err := b.put(ctx, name, raw); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	return &blobLock{owner: b, name: name, info: info}, nil
}

func (b *Backend) put(ctx context.Context, name string, content []byte) error {
	contentType := "application/json"
	_, err := b.client.UploadBuffer(ctx, b.container, name, content, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (b *Backend) readLock(ctx context.Context, name string) (backend.LockInfo, error) {
	var info backend.LockInfo
	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(&info)
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

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

type blobLock struct {
	owner *Backend
	name  string
	info  backend.LockInfo
}

func (l *blobLock) ID() string {
	return l.info.ID
}

func (l *blobLock) Info() backend.LockInfo {
	return l.info
}

func (l *blobLock) Unlock(ctx context.Context) error {
	_, err := l.owner.client.DeleteBlob(ctx, l.owner.container, l.name, nil)
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
