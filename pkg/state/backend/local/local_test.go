package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/davidthor/chainctl/pkg/state/backend"
)

const ledgerPath = "networks/mumbai/deployments/badges/ledger.state.json"

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewBackend(map[string]string{"path": dir})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b.(*Backend), dir
}

func TestNewBackend(t *testing.T) {
	b, dir := newTestBackend(t)

	if b.Type() != "local" {
		t.Errorf("expected type 'local', got %q", b.Type())
	}
	if b.Root() != dir {
		t.Errorf("Root() = %q, want %q", b.Root(), dir)
	}
}

func TestNewBackend_ViaRegistry(t *testing.T) {
	b, err := backend.Create(backend.Config{Type: "local", Config: map[string]string{"path": t.TempDir()}})
	if err != nil {
		t.Fatalf("backend.Create: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("got type %q", b.Type())
	}
}

func TestBackend_WriteThenRead(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	payload := []byte(`{"deployment": "badges"}`)

	if err := b.Write(ctx, ledgerPath, bytes.NewReader(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r, err := b.Read(ctx, ledgerPath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	defer r.Close()

	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}
}

func TestBackend_OverwriteLeavesNoTempFiles(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()

	_ = b.Write(ctx, ledgerPath, bytes.NewReader([]byte(`{"outcomes": 1}`)))
	if err := b.Write(ctx, ledgerPath, bytes.NewReader([]byte(`{"outcomes": 2}`))); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	r, _ := b.Read(ctx, ledgerPath)
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != `{"outcomes": 2}` {
		t.Errorf("got %s", got)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, filepath.Dir(ledgerPath)))
	if len(entries) != 1 {
		t.Errorf("expected only the ledger file, found %d entries", len(entries))
	}
}

func TestBackend_ReadMissing(t *testing.T) {
	b, _ := newTestBackend(t)

	_, err := b.Read(context.Background(), "networks/none/ledger.state.json")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_ = b.Write(ctx, ledgerPath, bytes.NewReader([]byte("{}")))
	if err := b.Delete(ctx, ledgerPath); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := b.Exists(ctx, ledgerPath); ok {
		t.Error("expected file to be gone")
	}
	if err := b.Delete(ctx, ledgerPath); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestBackend_List(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_ = b.Write(ctx, "networks/mumbai/deployments/a/ledger.state.json", bytes.NewReader([]byte("{}")))
	_ = b.Write(ctx, "networks/mumbai/deployments/b/ledger.state.json", bytes.NewReader([]byte("{}")))
	_ = b.Write(ctx, "networks/polygon/deployments/a/ledger.state.json", bytes.NewReader([]byte("{}")))

	all, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 paths, got %v", all)
	}

	mumbai, err := b.List(ctx, "networks/mumbai/")
	if err != nil {
		t.Fatalf("list with prefix failed: %v", err)
	}
	sort.Strings(mumbai)
	want := []string{
		"networks/mumbai/deployments/a/ledger.state.json",
		"networks/mumbai/deployments/b/ledger.state.json",
	}
	if len(mumbai) != 2 || mumbai[0] != want[0] || mumbai[1] != want[1] {
		t.Errorf("got %v, want %v", mumbai, want)
	}

	none, err := b.List(ctx, "networks/goerli/")
	if err != nil || len(none) != 0 {
		t.Errorf("expected empty listing, got %v, %v", none, err)
	}
}

func TestBackend_Exists(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.Exists(ctx, ledgerPath)
	if err != nil || ok {
		t.Fatalf("Exists before write = %v, %v", ok, err)
	}

	_ = b.Write(ctx, ledgerPath, bytes.NewReader([]byte("{}")))

	ok, err = b.Exists(ctx, ledgerPath)
	if err != nil || !ok {
		t.Errorf("Exists after write = %v, %v", ok, err)
	}
}

func TestBackend_LockLifecycle(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	target := "networks/mumbai/deployments/badges"

	lock, err := b.Lock(ctx, target, backend.LockInfo{Who: "alice", Operation: "apply"})
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if lock.ID() == "" || lock.Info().Path != target || lock.Info().Who != "alice" {
		t.Errorf("unexpected lock info: %+v", lock.Info())
	}

	file := filepath.Join(dir, target+".lock")
	if _, err := os.Stat(file); err != nil {
		t.Errorf("expected lock file: %v", err)
	}

	_, err = b.Lock(ctx, target, backend.LockInfo{Who: "bob"})
	var lockErr *backend.LockError
	if !errors.As(err, &lockErr) || lockErr.Info.Who != "alice" {
		t.Fatalf("expected conflict held by alice, got %v", err)
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("expected lock file to be removed")
	}
}

func TestBackend_LockFileFromAnotherProcess(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	target := "networks/mumbai/deployments/badges"
	file := filepath.Join(dir, target+".lock")

	writeLockFile := func(created time.Time) {
		raw, _ := json.Marshal(backend.LockInfo{ID: "other", Who: "ci", Operation: "apply", Created: created})
		_ = os.MkdirAll(filepath.Dir(file), 0755)
		if err := os.WriteFile(file, raw, 0644); err != nil {
			t.Fatal(err)
		}
	}

	writeLockFile(time.Now())
	if _, err := b.Lock(ctx, target, backend.LockInfo{Who: "me"}); !errors.Is(err, backend.ErrLocked) {
		t.Fatalf("expected fresh foreign lock to block, got %v", err)
	}

	writeLockFile(time.Now().Add(-2 * backend.StaleLockAge))
	lock, err := b.Lock(ctx, target, backend.LockInfo{Who: "me"})
	if err != nil {
		t.Fatalf("expected stale lock to be taken over, got %v", err)
	}
	_ = lock.Unlock(ctx)
}
