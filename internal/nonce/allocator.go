// Package nonce hands out account nonces for the signing address. The
// counter lives in the coordination store so concurrent executors never
// double-spend a nonce, and it reseeds itself from chain state on first
// use or after a disagreement with the node.
package nonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/metrics"
)

// Counter is the shared nonce counter surface of the coordination store.
type Counter interface {
	ReserveNonce(ctx context.Context, signer string) (uint64, bool, error)
	SeedNonce(ctx context.Context, signer string, next uint64) (uint64, error)
	ResetNonce(ctx context.Context, signer string, next uint64) error
}

// Allocator reserves nonces for a single signing account.
type Allocator struct {
	signer  common.Address
	counter Counter
	rpc     chain.RPC
	logger  zerolog.Logger
}

// NewAllocator builds an allocator for the signer address.
func NewAllocator(signer common.Address, counter Counter, rpc chain.RPC, logger zerolog.Logger) *Allocator {
	return &Allocator{
		signer:  signer,
		counter: counter,
		rpc:     rpc,
		logger:  logger.With().Str("component", "nonce_allocator").Logger(),
	}
}

// Next reserves the next nonce. An unseeded counter is initialised from
// the node's pending nonce first; the seed is claim-once so racing
// executors converge on one sequence.
func (a *Allocator) Next(ctx context.Context) (uint64, error) {
	n, ok, err := a.counter.ReserveNonce(ctx, a.signer.Hex())
	if err != nil {
		return 0, err
	}
	if ok {
		return n, nil
	}

	pending, err := a.rpc.PendingNonce(ctx, a.signer)
	if err != nil {
		return 0, fmt.Errorf("read pending nonce: %w", err)
	}
	if _, err := a.counter.SeedNonce(ctx, a.signer.Hex(), pending); err != nil {
		return 0, err
	}

	a.logger.Info().
		Str("signer", a.signer.Hex()).
		Uint64("next", pending).
		Msg("nonce counter seeded from chain")

	n, ok, err = a.counter.ReserveNonce(ctx, a.signer.Hex())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("nonce counter unavailable after seeding")
	}
	return n, nil
}

// Reconcile overwrites the counter with the node's pending nonce. Called
// when a broadcast is rejected for a nonce the chain no longer accepts.
func (a *Allocator) Reconcile(ctx context.Context) (uint64, error) {
	pending, err := a.rpc.PendingNonce(ctx, a.signer)
	if err != nil {
		return 0, fmt.Errorf("read pending nonce: %w", err)
	}
	if err := a.counter.ResetNonce(ctx, a.signer.Hex(), pending); err != nil {
		return 0, err
	}

	metrics.IncNonceReconcile()
	a.logger.Warn().
		Str("signer", a.signer.Hex()).
		Uint64("next", pending).
		Msg("nonce counter reconciled with chain")

	return pending, nil
}
