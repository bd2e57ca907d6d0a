// Package memory implements an in-process gateway that simulates a chain.
// It is used for rehearsing plans (chainctl apply --gateway memory) and in tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/davidthor/chainctl/pkg/artifacts"
	"github.com/davidthor/chainctl/pkg/gateway"
)

func init() {
	gateway.Register("memory", func(cfg gateway.Config) (gateway.Gateway, error) {
		deployer := cfg.Setting("deployer", "0x00000000000000000000000000000000000000d0")
		if !common.IsHexAddress(deployer) {
			return nil, fmt.Errorf("memory gateway: invalid deployer address %q", deployer)
		}
		return New(common.HexToAddress(deployer), cfg.Artifacts), nil
	})
}

// Call is a recorded gateway operation.
type Call struct {
	Op        string
	Component string
	Address   string
	Method    string
	Args      []interface{}
}

// Gateway is a simulated chain. Addresses are derived from the deployer and
// a nonce the same way an EVM chain derives contract addresses.
type Gateway struct {
	mu        sync.Mutex
	deployer  common.Address
	nonce     uint64
	block     uint64
	artifacts *artifacts.Store
	instances map[common.Address]string
	calls     []Call
	failures  map[string]error
}

// New creates a memory gateway. When store is non-nil, creating a component
// without an artifact fails.
func New(deployer common.Address, store *artifacts.Store) *Gateway {
	return &Gateway{
		deployer:  deployer,
		artifacts: store,
		instances: make(map[common.Address]string),
		failures:  make(map[string]error),
	}
}

func (g *Gateway) Name() string {
	return "memory"
}

// FailCreate makes every CreateInstance of component fail with err.
func (g *Gateway) FailCreate(component string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures["create:"+component] = err
}

// FailInvoke makes every Invoke of method fail with err.
func (g *Gateway) FailInvoke(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures["invoke:"+method] = err
}

func (g *Gateway) CreateInstance(ctx context.Context, component string, args []interface{}) (gateway.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Receipt{}, gateway.Transient(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{Op: "create", Component: component, Args: args})

	if g.artifacts != nil {
		a, err := g.artifacts.Get(component)
		if err != nil {
			return gateway.Receipt{}, err
		}
		if !a.Deployable() {
			return gateway.Receipt{}, fmt.Errorf("component %q has no bytecode", component)
		}
	}
	if err, ok := g.failures["create:"+component]; ok {
		return gateway.Receipt{}, err
	}

	addr := crypto.CreateAddress(g.deployer, g.nonce)
	receipt := g.confirm(fmt.Sprintf("create:%s", component))
	receipt.Address = addr.Hex()
	g.instances[addr] = component
	return receipt, nil
}

func (g *Gateway) Invoke(ctx context.Context, target gateway.Target, method string, args []interface{}) (gateway.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Receipt{}, gateway.Transient(err)
	}
	if err := g.ValidateAddress(target.Address); err != nil {
		return gateway.Receipt{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{Op: "invoke", Component: target.Component, Address: target.Address, Method: method, Args: args})

	if err, ok := g.failures["invoke:"+method]; ok {
		return gateway.Receipt{}, err
	}
	return g.confirm(fmt.Sprintf("invoke:%s:%s", target.Address, method)), nil
}

func (g *Gateway) confirm(op string) gateway.Receipt {
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", g.deployer.Hex(), op, g.nonce)))
	g.nonce++
	g.block++
	return gateway.Receipt{TxHash: hash.Hex(), Block: g.block}
}

func (g *Gateway) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%q is not a hex address", address)
	}
	return nil
}

// Calls returns the recorded operations in order.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Instance returns the component kind created at address.
func (g *Gateway) Instance(address string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !common.IsHexAddress(address) {
		return "", false
	}
	c, ok := g.instances[common.HexToAddress(address)]
	return c, ok
}

// AddressAt returns the address the n-th successful operation (0-based)
// would create.
func (g *Gateway) AddressAt(n uint64) string {
	return crypto.CreateAddress(g.deployer, n).Hex()
}

// Summary returns a one-line description of the recorded calls.
func (g *Gateway) Summary() string {
	calls := g.Calls()
	parts := make([]string, len(calls))
	for i, c := range calls {
		if c.Op == "create" {
			parts[i] = "create " + c.Component
		} else {
			parts[i] = "invoke " + c.Method
		}
	}
	return strings.Join(parts, ", ")
}
