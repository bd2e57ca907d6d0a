package gcs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

func newEmulatorBackend(t *testing.T, extra map[string]string) *Backend {
	t.Helper()

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	cfg := map[string]string{
		"bucket":   "chain-state",
		"endpoint": server.URL + "/storage/v1/",
	}
	for k, v := range extra {
		cfg[k] = v
	}

	b, err := NewBackend(cfg)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.(*Backend).Close() })
	return b.(*Backend)
}

func TestNewBackend_RequiresBucket(t *testing.T) {
	for _, cfg := range []map[string]string{{}, {"bucket": ""}, {"prefix": "state"}} {
		_, err := NewBackend(cfg)
		if err == nil || !strings.Contains(err.Error(), "bucket") {
			t.Errorf("expected bucket error for %v, got %v", cfg, err)
		}
	}
}

func TestNewBackend_Emulator(t *testing.T) {
	b := newEmulatorBackend(t, map[string]string{"prefix": "/chainctl/"})

	if b.Type() != "gcs" {
		t.Errorf("expected type 'gcs', got %q", b.Type())
	}
	if b.bucket != "chain-state" {
		t.Errorf("expected bucket 'chain-state', got %q", b.bucket)
	}
	if b.prefix != "chainctl" {
		t.Errorf("expected trimmed prefix 'chainctl', got %q", b.prefix)
	}
}

func TestNewBackend_ViaRegistry(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	b, err := backend.Create(backend.Config{
		Type:   "gcs",
		Config: map[string]string{"bucket": "chain-state", "endpoint": server.URL},
	})
	if err != nil {
		t.Fatalf("backend.Create: %v", err)
	}
	if b.Type() != "gcs" {
		t.Errorf("got type %q", b.Type())
	}
}

func TestBackend_Paths(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		path   string
		full   string
	}{
		{"no prefix", "", "networks/mumbai/deployments/badges/ledger.state.json", "networks/mumbai/deployments/badges/ledger.state.json"},
		{"with prefix", "teams/chain", "networks/mumbai/deployments/badges/ledger.state.json", "teams/chain/networks/mumbai/deployments/badges/ledger.state.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Backend{prefix: tt.prefix}
			if got := b.fullPath(tt.path); got != tt.full {
				t.Errorf("fullPath = %q, want %q", got, tt.full)
			}
			if got := b.relativePath(tt.full); got != tt.path {
				t.Errorf("relativePath = %q, want %q", got, tt.path)
			}
		})
	}
}

func TestObjectLock(t *testing.T) {
	info := backend.LockInfo{
		ID:        "lock-1",
		Path:      "networks/mumbai/deployments/badges",
		Who:       "ci",
		Operation: "apply",
		Created:   time.Now(),
	}
	lock := &objectLock{info: info}

	if lock.ID() != "lock-1" {
		t.Errorf("ID() = %q", lock.ID())
	}
	if lock.Info().Who != "ci" || lock.Info().Operation != "apply" {
		t.Errorf("Info() = %+v", lock.Info())
	}
}

func TestBackend_InterfaceCompliance(t *testing.T) {
	var _ backend.Backend = (*Backend)(nil)
	var _ backend.Lock = (*objectLock)(nil)
}
