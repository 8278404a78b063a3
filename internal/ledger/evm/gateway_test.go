package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/crypto"
)

const (
	usdcContract = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	alice        = "0x00000000000000000000000000000000000A11CE"
)

type fakeBackend struct {
	mu       sync.Mutex
	balance  *big.Int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	revert   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{balance: big.NewInt(0), receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)        { return big.NewInt(137), nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(30e9), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if call.To == nil || *call.To != common.HexToAddress(usdcContract) {
		return nil, errors.New("unexpected contract")
	}
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(f.balance)
}

func newGateway(t *testing.T) (*Gateway, *fakeBackend) {
	t.Helper()
	wallet, err := crypto.NewWallet("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	backend := newFakeBackend()
	g, err := New(backend, Config{
		Tokens:          []Token{{Symbol: "USDC", Contract: usdcContract, Decimals: 6}},
		ReceiptPoll:     time.Millisecond,
		ReceiptAttempts: 3,
	}, wallet, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g, backend
}

func TestGateway_GetBalanceScalesDecimals(t *testing.T) {
	g, backend := newGateway(t)
	backend.balance = big.NewInt(12_345_678)

	bal, err := g.GetBalance(context.Background(), g.ReserveAddress(), "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("12.345678")), bal.String())

	_, err = g.GetBalance(context.Background(), g.ReserveAddress(), "DOGE")
	assert.Error(t, err)
}

func TestGateway_ValidAddress(t *testing.T) {
	g, _ := newGateway(t)

	assert.True(t, g.ValidAddress(alice))
	assert.False(t, g.ValidAddress("alice"))
	assert.False(t, g.ValidAddress("0x1234"))
}

func TestGateway_TransferOutSendsERC20Transfer(t *testing.T) {
	g, backend := newGateway(t)

	res, err := g.TransferOut(context.Background(), alice, decimal.RequireFromString("1.5"), "USDC")
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), res.Reference)
	assert.Equal(t, common.HexToAddress(usdcContract), *tx.To())

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(alice), args[0].(common.Address))
	assert.Equal(t, big.NewInt(1_500_000), args[1].(*big.Int))

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(137)), tx)
	require.NoError(t, err)
	assert.Equal(t, g.ReserveAddress(), from.Hex())
}

func TestGateway_TransferOutReverted(t *testing.T) {
	g, backend := newGateway(t)
	backend.revert = true

	_, err := g.TransferOut(context.Background(), alice, decimal.NewFromInt(1), "USDC")
	assert.ErrorContains(t, err, "reverted")
}

func TestGateway_TransferOutRejectsBadInput(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	_, err := g.TransferOut(ctx, "not-an-address", decimal.NewFromInt(1), "USDC")
	assert.Error(t, err)
	_, err = g.TransferOut(ctx, alice, decimal.RequireFromString("0.0000001"), "USDC")
	assert.Error(t, err)
	_, err = g.TransferOut(ctx, alice, decimal.Zero, "USDC")
	assert.Error(t, err)
}

func TestGateway_VerifyInbound(t *testing.T) {
	g, backend := newGateway(t)
	ctx := context.Background()
	reserve := common.HexToAddress(g.ReserveAddress())

	good := common.HexToHash("0x01")
	backend.receipts[good] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: common.HexToAddress(usdcContract),
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(common.HexToAddress(alice).Bytes()),
				common.BytesToHash(reserve.Bytes()),
			},
		}},
	}
	elsewhere := common.HexToHash("0x02")
	backend.receipts[elsewhere] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: common.HexToAddress(usdcContract),
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(reserve.Bytes()),
				common.BytesToHash(common.HexToAddress(alice).Bytes()),
			},
		}},
	}

	ok, err := g.VerifyInbound(ctx, good.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.VerifyInbound(ctx, elsewhere.Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.VerifyInbound(ctx, common.HexToHash("0x03").Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = g.VerifyInbound(ctx, "0x1234")
	assert.Error(t, err)
}
