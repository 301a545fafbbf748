package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the executor's single signing identity and produces
// EIP-1559 transactions for it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSigner parses a hex private key (with or without 0x prefix) and binds
// it to the given chain.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("signer private key not configured")
	}
	if chainID <= 0 {
		return nil, errors.New("chain id must be positive")
	}

	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the signing account.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign produces a signed dynamic-fee transaction from the payload.
func (s *Signer) Sign(payload TxPayload) (*types.Transaction, error) {
	if payload.GasFeeCap == nil || payload.GasTipCap == nil {
		return nil, errors.New("payload missing fee caps")
	}
	if payload.Gas == 0 {
		return nil, errors.New("payload missing gas limit")
	}

	value := payload.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := payload.To

	tx := &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     payload.Nonce,
		GasTipCap: payload.GasTipCap,
		GasFeeCap: payload.GasFeeCap,
		Gas:       payload.Gas,
		To:        &to,
		Value:     value,
		Data:      payload.Data,
	}

	signed, err := types.SignNewTx(s.key, types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

var _ TxSigner = (*Signer)(nil)
