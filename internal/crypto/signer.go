package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs reserve transactions with a secp256k1 key.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet builds a Wallet from a hex private key.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	raw, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: wallet: %w", err)
	}
	return &Wallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// LoadWallet resolves the key from src and builds a Wallet.
func LoadWallet(src KeySource) (*Wallet, error) {
	k, err := LoadKey(src)
	if err != nil {
		return nil, err
	}
	return NewWallet(k)
}

// Address returns the reserve address controlled by the wallet.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignTx signs tx for chainID with EIP-155 replay protection.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w", err)
	}
	return signed, nil
}
