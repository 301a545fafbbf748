// Package chain provides on-chain access for the executor: an RPC client,
// an EIP-1559 transaction signer, and the calldata builder for the trading
// router contract.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Order actions and sides accepted by the executor.
const (
	ActionOpen  = "open"
	ActionClose = "close"
	SideLong    = "long"
	SideShort   = "short"
)

// Order describes a trade the builder turns into router calldata.
type Order struct {
	Action         string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
}

// TxPayload carries everything the signer needs to produce a signed
// dynamic-fee transaction.
type TxPayload struct {
	Nonce     uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// RPC is the read/broadcast surface the executor needs from a node.
type RPC interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte, value *big.Int) (uint64, error)
	Send(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// TxSigner signs payloads for a single account.
type TxSigner interface {
	Address() common.Address
	Sign(payload TxPayload) (*types.Transaction, error)
}

// CalldataBuilder maps an order onto a router call.
type CalldataBuilder interface {
	Build(order Order) (to common.Address, data []byte, value *big.Int, err error)
}
