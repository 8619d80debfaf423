package onchain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSigner is returned when no key is held for the acting identity.
var ErrNoSigner = errors.New("onchain: no signing key for identity")

// Signer signs transactions on behalf of ledger identities.
type Signer interface {
	Has(from common.Address) bool
	SignTx(from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyringSigner holds raw private keys in memory, indexed by address.
type KeyringSigner struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyringSigner parses hex private keys (with or without 0x prefix).
func NewKeyringSigner(hexKeys ...string) (*KeyringSigner, error) {
	s := &KeyringSigner{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, h := range hexKeys {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("onchain.NewKeyringSigner: key %d: decode: %w", i, err)
		}
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("onchain.NewKeyringSigner: key %d: %w", i, err)
		}
		s.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return s, nil
}

// Addresses lists the identities this signer can act for, in address order.
func (s *KeyringSigner) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.keys))
	for a := range s.keys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (s *KeyringSigner) Has(from common.Address) bool {
	_, ok := s.keys[from]
	return ok
}

func (s *KeyringSigner) SignTx(from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, ok := s.keys[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, from.Hex())
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), key)
}
