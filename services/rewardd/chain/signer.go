package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the distributor operator key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an ECDSA key.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("chain: nil signer key")
	}
	return &Signer{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// ParseSignerKey decodes a hex-encoded secp256k1 private key.
func ParseSignerKey(hexKey string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("chain: signer key empty")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signer key: %w", err)
	}
	return NewSigner(key)
}

// LoadKeystoreSigner decrypts an Ethereum v3 keystore file.
func LoadKeystoreSigner(path, passphrase string) (*Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chain: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore: %w", err)
	}
	return NewSigner(decrypted.PrivateKey)
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address { return s.address }

// SignTx signs tx for chainID with the latest signer rules.
func (s *Signer) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id required")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}
