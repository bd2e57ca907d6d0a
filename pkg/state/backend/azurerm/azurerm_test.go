package azurerm

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

// Well-known Azurite development account key.
const azuriteKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func newAzuriteBackend(t *testing.T, extra map[string]string) *Backend {
	t.Helper()

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	cfg := map[string]string{
		"storage_account_name": "devstoreaccount1",
		"container_name":       "chain-state",
		"endpoint":             server.URL + "/",
		"connection_string": "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" +
			azuriteKey + ";BlobEndpoint=" + server.URL + "/;",
	}
	for k, v := range extra {
		cfg[k] = v
	}

	b, err := NewBackend(cfg)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b.(*Backend)
}

func TestNewBackend_RequiredKeys(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]string
		want   string
	}{
		{"empty", map[string]string{}, "storage_account_name"},
		{"no container", map[string]string{"storage_account_name": "acct"}, "container_name"},
		{"empty container", map[string]string{"storage_account_name": "acct", "container_name": ""}, "container_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBackend(tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewBackend_ConnectionString(t *testing.T) {
	b := newAzuriteBackend(t, map[string]string{"prefix": "chainctl/"})

	if b.Type() != "azurerm" {
		t.Errorf("expected type 'azurerm', got %q", b.Type())
	}
	if b.container != "chain-state" {
		t.Errorf("container = %q", b.container)
	}
	if b.prefix != "chainctl" {
		t.Errorf("prefix = %q", b.prefix)
	}
}

func TestNewBackend_SharedKey(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	b, err := NewBackend(map[string]string{
		"storage_account_name": "devstoreaccount1",
		"container_name":       "chain-state",
		"endpoint":             server.URL + "/",
		"access_key":           azuriteKey,
		"key":                  "legacy",
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.(*Backend).prefix != "legacy" {
		t.Errorf("expected 'key' to be accepted as prefix, got %q", b.(*Backend).prefix)
	}
}

func TestBackend_Paths(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		full   string
	}{
		{"", "networks/mumbai/deployments/badges/ledger.state.json", "networks/mumbai/deployments/badges/ledger.state.json"},
		{"chainctl", "networks/mumbai/deployments/badges.lock", "chainctl/networks/mumbai/deployments/badges.lock"},
	}

	for _, tt := range tests {
		b := &Backend{prefix: tt.prefix}
		if got := b.fullPath(tt.path); got != tt.full {
			t.Errorf("fullPath(%q) = %q, want %q", tt.path, got, tt.full)
		}
		if got := b.relativePath(tt.full); got != tt.path {
			t.Errorf("relativePath(%q) = %q, want %q", tt.full, got, tt.path)
		}
	}
}

func TestIsMissing(t *testing.T) {
	if isMissing(nil) {
		t.Error("nil is not a missing-blob error")
	}
	if !isMissing(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Error("404 should count as missing")
	}
	if isMissing(&azcore.ResponseError{StatusCode: http.StatusForbidden}) {
		t.Error("403 should not count as missing")
	}
	if isMissing(errors.New("boom")) {
		t.Error("plain errors should not count as missing")
	}
}

func TestBlobLock(t *testing.T) {
	lock := &blobLock{info: backend.LockInfo{ID: "lock-1", Who: "ci", Operation: "apply"}}
	if lock.ID() != "lock-1" || lock.Info().Who != "ci" {
		t.Errorf("unexpected lock %+v", lock.Info())
	}
}

func TestBackend_InterfaceCompliance(t *testing.T) {
	var _ backend.Backend = (*Backend)(nil)
	var _ backend.Lock = (*blobLock)(nil)
}
