// Package state persists deployment ledgers through a pluggable backend.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/davidthor/chainctl/pkg/state/backend"
	"github.com/davidthor/chainctl/pkg/state/types"
)

const ledgerFile = "ledger.state.json"

// Manager provides high-level state operations.
type Manager interface {
	// Ledger operations (network-scoped)
	GetLedger(ctx context.Context, network, deployment string) (*types.LedgerState, error)
	SaveLedger(ctx context.Context, state *types.LedgerState) error
	DeleteDeployment(ctx context.Context, network, deployment string) error

	// Listing
	ListNetworks(ctx context.Context) ([]string, error)
	ListDeployments(ctx context.Context, network string) ([]types.DeploymentRef, error)

	// Locking
	Lock(ctx context.Context, scope LockScope) (backend.Lock, error)

	// Backend info
	Backend() backend.Backend
}

// LockScope defines what to lock.
type LockScope struct {
	Network    string
	Deployment string
	Operation  string
	Who        string
}

// manager implements the Manager interface.
type manager struct {
	backend backend.Backend
}

// NewManager creates a new state manager with the given backend.
func NewManager(b backend.Backend) Manager {
	return &manager{backend: b}
}

// NewManagerFromConfig creates a new state manager from backend configuration.
func NewManagerFromConfig(config backend.Config) (Manager, error) {
	b, err := backend.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return NewManager(b), nil
}

func (m *manager) Backend() backend.Backend {
	return m.backend
}

func (m *manager) GetLedger(ctx context.Context, network, deployment string) (*types.LedgerState, error) {
	return readJSON[types.LedgerState](ctx, m.backend, ledgerPath(network, deployment))
}

func (m *manager) SaveLedger(ctx context.Context, state *types.LedgerState) error {
	if state.Network == "" || state.Deployment == "" {
		return fmt.Errorf("ledger state needs a network and a deployment name")
	}
	return writeJSON(ctx, m.backend, ledgerPath(state.Network, state.Deployment), state)
}

func (m *manager) DeleteDeployment(ctx context.Context, network, deployment string) error {
	// Delete all state under the deployment
	paths, err := m.backend.List(ctx, deploymentDir(network, deployment)+"/")
	if err != nil {
		return err
	}

	for _, p := range paths {
		if err := m.backend.Delete(ctx, p); err != nil {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}

	return nil
}

func (m *manager) ListNetworks(ctx context.Context) ([]string, error) {
	paths, err := m.backend.List(ctx, "networks/")
	if err != nil {
		return nil, err
	}

	// Path format: networks/<network>/deployments/<name>/ledger.state.json
	names := make(map[string]bool)
	for _, p := range paths {
		parts := splitPath(p)
		if len(parts) == 5 && parts[4] == ledgerFile {
			names[parts[1]] = true
		}
	}

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (m *manager) ListDeployments(ctx context.Context, network string) ([]types.DeploymentRef, error) {
	prefix := path.Join("networks", network, "deployments") + "/"
	paths, err := m.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, p := range paths {
		parts := splitPath(p)
		if len(parts) == 5 && parts[4] == ledgerFile {
			names = append(names, parts[3])
		}
	}
	sort.Strings(names)

	refs := make([]types.DeploymentRef, 0, len(names))
	for _, name := range names {
		state, err := m.GetLedger(ctx, network, name)
		if err != nil {
			continue // Skip ledgers that can't be read
		}
		refs = append(refs, types.DeploymentRef{
			Name:      state.Deployment,
			Network:   state.Network,
			Status:    state.Status,
			Outcomes:  len(state.Outcomes),
			CreatedAt: state.CreatedAt,
			UpdatedAt: state.UpdatedAt,
		})
	}

	return refs, nil
}

// Locking

func (m *manager) Lock(ctx context.Context, scope LockScope) (backend.Lock, error) {
	info := backend.LockInfo{
		Who:       scope.Who,
		Operation: scope.Operation,
	}
	return m.backend.Lock(ctx, deploymentDir(scope.Network, scope.Deployment), info)
}

// Path helpers

func deploymentDir(network, deployment string) string {
	return path.Join("networks", network, "deployments", deployment)
}

func ledgerPath(network, deployment string) string {
	return path.Join(deploymentDir(network, deployment), ledgerFile)
}

func splitPath(p string) []string {
	var parts []string
	for p != "" && p != "." && p != "/" {
		dir, file := path.Split(p)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		p = path.Clean(dir)
	}
	return parts
}

// JSON helpers

func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}

	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return b.Write(ctx, p, bytes.NewReader(content))
}
