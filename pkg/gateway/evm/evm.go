// Package evm implements a gateway that deploys and configures contracts on
// an EVM chain over JSON-RPC, using EIP-1559 transactions signed locally.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"

	"github.com/davidthor/chainctl/pkg/artifacts"
	"github.com/davidthor/chainctl/pkg/gateway"
)

func init() {
	gateway.Register("evm", NewFromConfig)
}

// Defaults for the gateway options.
const (
	DefaultCreateGasLimit uint64 = 3_000_000
	DefaultInvokeGasLimit uint64 = 300_000
	DefaultPollInterval          = 2 * time.Second
)

var (
	defaultGasFeeCap = big.NewInt(2_000_000_000)
	defaultGasTipCap = big.NewInt(1_000_000_000)

	pendingBlock = big.NewInt(int64(rpc.PendingBlockNumber))

	// errNotConfirmed marks a signed transaction whose fate is unknown.
	errNotConfirmed = errors.New("not confirmed")
)

// Options tunes transaction construction and confirmation.
type Options struct {
	GasFeeCap      *big.Int
	GasTipCap      *big.Int
	CreateGasLimit uint64
	InvokeGasLimit uint64
	PollInterval   time.Duration
	// ConfirmTimeout bounds the wait for a receipt. Zero waits until the
	// transaction is mined.
	ConfirmTimeout time.Duration
}

// Gateway sends one transaction per operation and waits for its receipt.
type Gateway struct {
	client    *w3.Client
	chainID   uint64
	signer    types.Signer
	key       *ecdsa.PrivateKey
	from      common.Address
	artifacts *artifacts.Store
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	verified bool
}

// NewFromConfig builds a gateway from settings: rpc_url and chain_id are
// required; gas_fee_cap, gas_tip_cap, create_gas_limit, invoke_gas_limit,
// poll_interval and confirm_timeout are optional.
func NewFromConfig(cfg gateway.Config) (gateway.Gateway, error) {
	rpcURL := cfg.Setting("rpc_url", "")
	if rpcURL == "" {
		return nil, fmt.Errorf("evm gateway requires 'rpc_url'")
	}
	chainID, err := strconv.ParseUint(cfg.Setting("chain_id", ""), 0, 64)
	if err != nil || chainID == 0 {
		return nil, fmt.Errorf("evm gateway requires a numeric 'chain_id'")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("evm gateway requires a signing key")
	}
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("evm gateway requires contract artifacts")
	}

	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	return New(client, chainID, key, cfg.Artifacts, opts, cfg.LoggerOrDefault()), nil
}

// New creates a gateway over an established client. Zero options take defaults.
func New(client *w3.Client, chainID uint64, key *ecdsa.PrivateKey, store *artifacts.Store, opts Options, logger *slog.Logger) *Gateway {
	if opts.GasFeeCap == nil {
		opts.GasFeeCap = defaultGasFeeCap
	}
	if opts.GasTipCap == nil {
		opts.GasTipCap = defaultGasTipCap
	}
	if opts.CreateGasLimit == 0 {
		opts.CreateGasLimit = DefaultCreateGasLimit
	}
	if opts.InvokeGasLimit == 0 {
		opts.InvokeGasLimit = DefaultInvokeGasLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConfirmTimeout < 0 {
		opts.ConfirmTimeout = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		client:    client,
		chainID:   chainID,
		signer:    types.NewLondonSigner(new(big.Int).SetUint64(chainID)),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		artifacts: store,
		opts:      opts,
		logger:    logger.With("gateway", "evm", "chain_id", chainID),
	}
}

func parseOptions(cfg gateway.Config) (Options, error) {
	var opts Options
	var err error

	if opts.GasFeeCap, err = parseBig(cfg.Setting("gas_fee_cap", "")); err != nil {
		return opts, fmt.Errorf("gas_fee_cap: %w", err)
	}
	if opts.GasTipCap, err = parseBig(cfg.Setting("gas_tip_cap", "")); err != nil {
		return opts, fmt.Errorf("gas_tip_cap: %w", err)
	}
	if opts.CreateGasLimit, err = parseUint(cfg.Setting("create_gas_limit", "")); err != nil {
		return opts, fmt.Errorf("create_gas_limit: %w", err)
	}
	if opts.InvokeGasLimit, err = parseUint(cfg.Setting("invoke_gas_limit", "")); err != nil {
		return opts, fmt.Errorf("invoke_gas_limit: %w", err)
	}
	if opts.PollInterval, err = parseDuration(cfg.Setting("poll_interval", "")); err != nil {
		return opts, fmt.Errorf("poll_interval: %w", err)
	}
	if opts.ConfirmTimeout, err = parseDuration(cfg.Setting("confirm_timeout", "")); err != nil {
		return opts, fmt.Errorf("confirm_timeout: %w", err)
	}
	return opts, nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return toBig(s)
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ParsePrivateKey parses a hex private key with or without the 0x prefix.
func ParsePrivateKey(v string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(v), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (g *Gateway) Name() string {
	return "evm"
}

// From returns the address transactions are sent from.
func (g *Gateway) From() common.Address {
	return g.from
}

// Close releases the RPC connection.
func (g *Gateway) Close() error {
	return g.client.Close()
}

func (g *Gateway) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

// CreateInstance deploys the artifact named component with constructor args.
func (g *Gateway) CreateInstance(ctx context.Context, component string, args []interface{}) (gateway.Receipt, error) {
	art, err := g.artifacts.Get(component)
	if err != nil {
		return gateway.Receipt{}, err
	}
	if !art.Deployable() {
		return gateway.Receipt{}, fmt.Errorf("artifact %s has no bytecode", art.QualifiedName())
	}

	converted, err := convertArgs(art.ABI.Constructor.Inputs, args)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode %s constructor: %w", component, err)
	}
	packed, err := art.ABI.Pack("", converted...)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode %s constructor: %w", component, err)
	}

	data := make([]byte, 0, len(art.Bytecode)+len(packed))
	data = append(data, art.Bytecode...)
	data = append(data, packed...)

	receipt, nonce, err := g.transact(ctx, nil, data, g.opts.CreateGasLimit)
	if err != nil {
		if errors.Is(err, errNotConfirmed) {
			return gateway.Receipt{}, fmt.Errorf("%w; once it is mined, seed the step with %s", err, crypto.CreateAddress(g.from, nonce).Hex())
		}
		return gateway.Receipt{}, err
	}

	address := receipt.ContractAddress
	if address == (common.Address{}) {
		address = crypto.CreateAddress(g.from, nonce)
	}
	return toReceipt(receipt, address.Hex()), nil
}

// Invoke calls method on target. A method containing "(" is treated as a
// full signature such as "setRegistry(address)"; otherwise it is looked up
// in the target component's ABI.
func (g *Gateway) Invoke(ctx context.Context, target gateway.Target, method string, args []interface{}) (gateway.Receipt, error) {
	if err := g.ValidateAddress(target.Address); err != nil {
		return gateway.Receipt{}, err
	}

	data, err := g.encodeCall(target.Component, method, args)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode %s: %w", method, err)
	}

	to := common.HexToAddress(target.Address)
	receipt, _, err := g.transact(ctx, &to, data, g.opts.InvokeGasLimit)
	if err != nil {
		return gateway.Receipt{}, err
	}
	return toReceipt(receipt, ""), nil
}

func (g *Gateway) encodeCall(component, method string, args []interface{}) ([]byte, error) {
	if strings.Contains(method, "(") {
		fn, err := w3.NewFunc(method, "")
		if err != nil {
			return nil, err
		}
		converted, err := convertArgs(fn.Args, args)
		if err != nil {
			return nil, err
		}
		return fn.EncodeArgs(converted...)
	}

	art, err := g.artifacts.Get(component)
	if err != nil {
		return nil, err
	}
	m, ok := art.ABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%s has no method %q", art.QualifiedName(), method)
	}
	converted, err := convertArgs(m.Inputs, args)
	if err != nil {
		return nil, err
	}
	return art.ABI.Pack(method, converted...)
}

// transact signs and sends one transaction and waits for a successful
// receipt. Failures before the transaction is sent are transient. Once
// signed, sending and waiting ignore cancellation of ctx so an outcome that
// reaches the chain is always reported back.
func (g *Gateway) transact(ctx context.Context, to *common.Address, data []byte, gasLimit uint64) (*types.Receipt, uint64, error) {
	if err := g.verifyChain(ctx); err != nil {
		return nil, 0, gateway.Transient(err)
	}

	var nonce uint64
	if err := g.client.CallCtx(ctx, eth.Nonce(g.from, pendingBlock).Returns(&nonce)); err != nil {
		return nil, 0, gateway.Transient(fmt.Errorf("get nonce: %w", err))
	}

	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(g.chainID),
		Nonce:     nonce,
		To:        to,
		GasFeeCap: g.opts.GasFeeCap,
		GasTipCap: g.opts.GasTipCap,
		Gas:       gasLimit,
		Data:      data,
	}), g.signer, g.key)
	if err != nil {
		return nil, 0, gateway.Transient(fmt.Errorf("sign tx: %w", err))
	}

	sendCtx := context.WithoutCancel(ctx)

	var hash common.Hash
	if err := g.client.CallCtx(sendCtx, eth.SendTx(tx).Returns(&hash)); err != nil {
		return nil, nonce, fmt.Errorf("transaction %s %w: send: %w", tx.Hash().Hex(), errNotConfirmed, err)
	}
	g.logger.Debug("transaction sent", "tx", tx.Hash().Hex(), "nonce", nonce, "create", to == nil)

	stop := context.AfterFunc(ctx, func() {
		g.logger.Warn("interrupted, waiting for the sent transaction to settle", "tx", tx.Hash().Hex())
	})
	defer stop()

	receipt, err := g.waitForReceipt(sendCtx, tx.Hash())
	if err != nil {
		return nil, nonce, fmt.Errorf("transaction %s %w: %w", tx.Hash().Hex(), errNotConfirmed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nonce, fmt.Errorf("transaction %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber)
	}
	return receipt, nonce, nil
}

func (g *Gateway) verifyChain(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verified {
		return nil
	}

	var remote uint64
	if err := g.client.CallCtx(ctx, eth.ChainID().Returns(&remote)); err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if remote != g.chainID {
		return fmt.Errorf("rpc endpoint serves chain %d, expected %d", remote, g.chainID)
	}
	g.verified = true
	return nil
}

func (g *Gateway) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if g.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.ConfirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := g.client.CallCtx(ctx, eth.TxReceipt(hash).Returns(&receipt))
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt, address string) gateway.Receipt {
	out := gateway.Receipt{
		Address: address,
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	return out
}
