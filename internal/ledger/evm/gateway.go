// Package evm implements the LedgerGateway over ERC-20 tokens on an EVM
// chain. Stakes arrive as token transfers into the reserve wallet; payouts
// and refunds are transfers signed by the reserve key.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/crypto"
	"github.com/alanyoungcy/updownbet/internal/domain"
)

const (
	defaultGasLimit        = uint64(100_000)
	defaultReceiptPoll     = 2 * time.Second
	defaultReceiptAttempts = 30
)

var (
	erc20ABI      abi.ABI
	transferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{"name":"transfer","type":"function","inputs":[
			{"name":"to","type":"address"},
			{"name":"amount","type":"uint256"}
		],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[
			{"name":"account","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}]}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Token maps a token symbol onto its ERC-20 contract.
type Token struct {
	Symbol   string
	Contract string
	Decimals int32
}

// Config configures the gateway.
type Config struct {
	RPCURL          string
	Tokens          []Token
	GasLimit        uint64
	ReceiptPoll     time.Duration
	ReceiptAttempts int
}

type token struct {
	symbol   string
	contract common.Address
	decimals int32
}

// Gateway implements domain.LedgerGateway.
type Gateway struct {
	backend Backend
	wallet  *crypto.Wallet
	tokens  map[string]token
	byAddr  map[common.Address]token
	cfg     Config
	logger  *slog.Logger

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error

	// sendMu serializes nonce assignment for the single reserve wallet.
	sendMu sync.Mutex
}

var _ domain.LedgerGateway = (*Gateway)(nil)

// Dial connects to cfg.RPCURL and returns a gateway plus a close func.
func Dial(ctx context.Context, cfg Config, wallet *crypto.Wallet, logger *slog.Logger) (*Gateway, func(), error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	g, err := New(client, cfg, wallet, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return g, client.Close, nil
}

// New builds a gateway over backend.
func New(backend Backend, cfg Config, wallet *crypto.Wallet, logger *slog.Logger) (*Gateway, error) {
	if wallet == nil {
		return nil, errors.New("evm: reserve wallet required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	if cfg.ReceiptAttempts <= 0 {
		cfg.ReceiptAttempts = defaultReceiptAttempts
	}

	g := &Gateway{
		backend: backend,
		wallet:  wallet,
		tokens:  make(map[string]token, len(cfg.Tokens)),
		byAddr:  make(map[common.Address]token, len(cfg.Tokens)),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "evm_ledger")),
	}
	for _, t := range cfg.Tokens {
		if !common.IsHexAddress(t.Contract) {
			return nil, fmt.Errorf("evm: token %s: invalid contract address %q", t.Symbol, t.Contract)
		}
		tk := token{symbol: t.Symbol, contract: common.HexToAddress(t.Contract), decimals: t.Decimals}
		g.tokens[t.Symbol] = tk
		g.byAddr[tk.contract] = tk
	}
	return g, nil
}

// ReserveAddress returns the hex address of the reserve wallet.
func (g *Gateway) ReserveAddress() string {
	return g.wallet.Address().Hex()
}

// ValidAddress reports whether address is a hex account the gateway can pay.
func (g *Gateway) ValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (g *Gateway) token(symbol string) (token, error) {
	t, ok := g.tokens[symbol]
	if !ok {
		return token{}, fmt.Errorf("evm: unknown token %q", symbol)
	}
	return t, nil
}

func (g *Gateway) chain(ctx context.Context) (*big.Int, error) {
	g.chainOnce.Do(func() {
		g.chainID, g.chainErr = g.backend.ChainID(ctx)
	})
	if g.chainErr != nil {
		return nil, fmt.Errorf("evm: chain id: %w", g.chainErr)
	}
	return g.chainID, nil
}

// GetBalance returns the ERC-20 balance of address in token units.
func (g *Gateway) GetBalance(ctx context.Context, address, symbol string) (decimal.Decimal, error) {
	t, err := g.token(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("evm: balance: invalid address %q", address)
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: balanceOf %s: %w", symbol, err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return decimal.Zero, fmt.Errorf("evm: unpack balanceOf %s: %w", symbol, err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("evm: balanceOf %s: unexpected type %T", symbol, vals[0])
	}
	return decimal.NewFromBigInt(raw, -t.decimals), nil
}

// TransferOut sends amount of token from the reserve to destination and
// waits for a successful receipt. The reference is the transaction hash.
func (g *Gateway) TransferOut(ctx context.Context, destination string, amount decimal.Decimal, symbol string) (domain.TransferResult, error) {
	t, err := g.token(symbol)
	if err != nil {
		return domain.TransferResult{}, err
	}
	if !common.IsHexAddress(destination) {
		return domain.TransferResult{}, fmt.Errorf("evm: transfer: invalid destination %q", destination)
	}
	units, err := toUnits(amount, t.decimals)
	if err != nil {
		return domain.TransferResult{}, fmt.Errorf("evm: transfer %s: %w", symbol, err)
	}
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(destination), units)
	if err != nil {
		return domain.TransferResult{}, fmt.Errorf("evm: pack transfer: %w", err)
	}

	signed, err := g.send(ctx, t.contract, data)
	if err != nil {
		return domain.TransferResult{}, err
	}
	ref := signed.Hash().Hex()
	g.logger.InfoContext(ctx, "transfer submitted",
		slog.String("tx", ref),
		slog.String("to", destination),
		slog.String("amount", amount.String()),
		slog.String("token", symbol),
	)

	if err := g.waitReceipt(ctx, signed.Hash()); err != nil {
		return domain.TransferResult{}, fmt.Errorf("evm: transfer %s: %w", ref, err)
	}
	return domain.TransferResult{
		Reference:   ref,
		Destination: destination,
		Amount:      amount,
		Token:       symbol,
	}, nil
}

func (g *Gateway) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	chainID, err := g.chain(ctx)
	if err != nil {
		return nil, err
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: gas price: %w", err)
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, g.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("evm: pending nonce: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      g.cfg.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := g.wallet.SignTx(tx, chainID)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("evm: send tx: %w", err)
	}
	return signed, nil
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) error {
	for i := 0; i < g.cfg.ReceiptAttempts; i++ {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return errors.New("transaction reverted")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for receipt: %w", ctx.Err())
		case <-time.After(g.cfg.ReceiptPoll):
		}
	}
	return errors.New("receipt not available after polling")
}

// VerifyInbound reports whether reference is a successful transaction that
// moved a configured token into the reserve. Unknown or pending transactions
// verify as false without error.
func (g *Gateway) VerifyInbound(ctx context.Context, reference string) (bool, error) {
	hashHex := strings.TrimSpace(reference)
	if len(strings.TrimPrefix(hashHex, "0x")) != 64 {
		return false, fmt.Errorf("evm: verify: malformed tx hash %q", reference)
	}
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(hashHex))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("evm: verify %s: %w", reference, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	reserve := common.BytesToHash(g.wallet.Address().Bytes())
	for _, lg := range receipt.Logs {
		if _, ok := g.byAddr[lg.Address]; !ok {
			continue
		}
		if len(lg.Topics) == 3 && lg.Topics[0] == transferTopic && lg.Topics[2] == reserve {
			return true, nil
		}
	}
	return false, nil
}

// toUnits converts amount to the token's integer base units. Amounts finer
// than the token's precision are rejected.
func toUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}
