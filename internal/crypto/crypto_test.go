package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyOne = "0000000000000000000000000000000000000000000000000000000000000001"

func TestSealKey_RoundTripThroughFile(t *testing.T) {
	blob, err := SealKey("0x"+keyOne, "hunter2", "0xabc")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reserve.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeySource{KeyFile: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, keyOne, got)

	_, err = LoadKey(KeySource{KeyFile: path, Password: "wrong"})
	assert.Error(t, err)
}

func TestLoadKey_RawKeyWins(t *testing.T) {
	got, err := LoadKey(KeySource{RawKey: "0x" + keyOne, KeyFile: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, keyOne, got)

	_, err = LoadKey(KeySource{RawKey: "zz"})
	assert.Error(t, err)

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
}

func TestWallet_AddressAndSign(t *testing.T) {
	w, err := NewWallet(keyOne)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"), w.Address())

	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})
	chainID := big.NewInt(137)
	signed, err := w.SignTx(tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from)
}

func TestEnvelopeSigner(t *testing.T) {
	s := NewEnvelopeSigner("secret")
	sig := s.Sign(1700000000, "party:alice", []byte(`{"a":1}`))
	assert.NotEmpty(t, sig)
	assert.True(t, s.Verify(1700000000, "party:alice", []byte(`{"a":1}`), sig))
	assert.False(t, s.Verify(1700000001, "party:alice", []byte(`{"a":1}`), sig))

	var none *EnvelopeSigner
	assert.Nil(t, NewEnvelopeSigner(""))
	assert.Empty(t, none.Sign(1, "t", nil))
}
