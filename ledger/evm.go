package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/TammyLattimore/bloom-focus-chain/core"
	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
)

// focusLedgerABI describes the FocusLedger contract surface: one bytes32
// handle getter per counter plus the owner-scoped mutation entry points.
const focusLedgerABI = `[
	{"name":"getSessionCount","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"getTotalMinutes","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"getWeeklyGoal","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"logSession","type":"function","stateMutability":"nonpayable","inputs":[{"name":"encryptedMinutes","type":"bytes32"},{"name":"inputProof","type":"bytes"}],"outputs":[]},
	{"name":"addMinutes","type":"function","stateMutability":"nonpayable","inputs":[{"name":"encryptedMinutes","type":"bytes32"},{"name":"inputProof","type":"bytes"}],"outputs":[]},
	{"name":"setWeeklyGoal","type":"function","stateMutability":"nonpayable","inputs":[{"name":"encryptedMinutes","type":"bytes32"},{"name":"inputProof","type":"bytes"}],"outputs":[]},
	{"name":"reset","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// Backend is the subset of the Ethereum RPC surface the client depends on.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMClient implements core.Ledger against a FocusLedger contract. Reads are
// scoped to the owner fixed at construction; mutations are signed with the
// owner's key when one is attached.
type EVMClient struct {
	backend  Backend
	abi      abi.ABI
	chainID  *big.Int
	contract common.Address
	owner    common.Address
	key      *ecdsa.PrivateKey
	poll     time.Duration
	logger   *slog.Logger
}

// EVMOption mutates the client during construction.
type EVMOption func(*EVMClient)

// WithSigningKey attaches the key used to sign mutation transactions.
// Without one the client is read-only.
func WithSigningKey(key *ecdsa.PrivateKey) EVMOption {
	return func(c *EVMClient) { c.key = key }
}

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(interval time.Duration) EVMOption {
	return func(c *EVMClient) {
		if interval > 0 {
			c.poll = interval
		}
	}
}

// WithEVMLogger attaches a structured logger.
func WithEVMLogger(logger *slog.Logger) EVMOption {
	return func(c *EVMClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewEVMClient binds a ledger client to one deployment and owner.
func NewEVMClient(backend Backend, chainID uint64, contract, owner common.Address, opts ...EVMOption) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: nil backend")
	}
	parsed, err := abi.JSON(strings.NewReader(focusLedgerABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse ABI: %w", err)
	}
	client := &EVMClient{
		backend:  backend,
		abi:      parsed,
		chainID:  new(big.Int).SetUint64(chainID),
		contract: contract,
		owner:    owner,
		poll:     2 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// getterFor maps a counter to its contract view method.
func getterFor(kind core.Kind) (string, error) {
	switch kind {
	case core.SessionCount:
		return "getSessionCount", nil
	case core.TotalMinutes:
		return "getTotalMinutes", nil
	case core.WeeklyGoal:
		return "getWeeklyGoal", nil
	default:
		return "", fmt.Errorf("ledger: unknown counter %s", kind)
	}
}

// methodFor maps a mutation to its contract entry point.
func methodFor(op core.OpKind) (string, error) {
	switch op {
	case core.OpLogSession:
		return "logSession", nil
	case core.OpAddMinutes:
		return "addMinutes", nil
	case core.OpSetWeeklyGoal:
		return "setWeeklyGoal", nil
	case core.OpReset:
		return "reset", nil
	default:
		return "", fmt.Errorf("ledger: unknown operation %s", op)
	}
}

// Handle fetches the current handle for kind. An uninitialized counter (the
// contract returning no data) reports the null handle rather than an error.
func (c *EVMClient) Handle(ctx context.Context, kind core.Kind) (core.Handle, error) {
	method, err := getterFor(kind)
	if err != nil {
		return core.NullHandle, err
	}
	data, err := c.abi.Pack(method, c.owner)
	if err != nil {
		return core.NullHandle, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From: c.owner,
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return core.NullHandle, classify("ledger.Handle", err)
	}
	if len(raw) == 0 {
		return core.NullHandle, nil
	}
	unpacked, err := c.abi.Unpack(method, raw)
	if err != nil || len(unpacked) == 0 {
		return core.NullHandle, cerrors.Newf(cerrors.KindInternal, "ledger.Handle", "unpack %s: %v", method, err)
	}
	word, ok := unpacked[0].([32]byte)
	if !ok {
		return core.NullHandle, cerrors.Newf(cerrors.KindInternal, "ledger.Handle", "unexpected return type for %s", method)
	}
	return core.Handle(word), nil
}

// Submit signs and broadcasts the mutation, returning the transaction hash.
func (c *EVMClient) Submit(ctx context.Context, op core.OpKind, input *core.CiphertextInput) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, cerrors.Newf(cerrors.KindPermission, "ledger.Submit", "client is read-only: no signing key")
	}
	method, err := methodFor(op)
	if err != nil {
		return common.Hash{}, err
	}
	var data []byte
	if op == core.OpReset {
		data, err = c.abi.Pack(method)
	} else {
		if input == nil {
			return common.Hash{}, fmt.Errorf("ledger: %s requires an encrypted input", op)
		}
		data, err = c.abi.Pack(method, [32]byte(input.Handle), input.Proof)
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}

	from := ethcrypto.PubkeyToAddress(c.key.PublicKey)
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, classify("ledger.Submit", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classify("ledger.Submit", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, classify("ledger.Submit", err)
	}

	tx := types.NewTransaction(nonce, c.contract, new(big.Int), gas+gas/5, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify("ledger.Submit", err)
	}
	c.logger.Info("submitted ledger mutation", "op", op.String(), "tx", signed.Hash().Hex())
	return signed.Hash(), nil
}

// AwaitConfirmation polls for the transaction receipt until it is mined. A
// mined-but-failed execution surfaces as KindReverted.
func (c *EVMClient) AwaitConfirmation(ctx context.Context, tx common.Hash) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return cerrors.Newf(cerrors.KindReverted, "ledger.AwaitConfirmation",
					"transaction %s reverted", tx.Hex())
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet.
		default:
			return classify("ledger.AwaitConfirmation", err)
		}

		select {
		case <-ctx.Done():
			return cerrors.New(cerrors.KindNetwork, "ledger.AwaitConfirmation", ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify translates untyped provider errors into the engine's typed
// taxonomy at this boundary; the engine itself never inspects message text.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return cerrors.New(cerrors.KindInsufficientFunds, op, err)
	case strings.Contains(msg, "execution reverted"):
		return cerrors.New(cerrors.KindReverted, op, err)
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected"):
		return cerrors.New(cerrors.KindRejected, op, err)
	default:
		return cerrors.New(cerrors.KindNetwork, op, err)
	}
}
