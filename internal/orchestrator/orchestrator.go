// Package orchestrator drives the idempotent submission lifecycle:
// build, sign, send, confirm, and replace-by-fee. Every request collapses
// onto exactly one durable intent, at most one effective transaction per
// intent reaches the chain, and callers always receive a closed outcome
// instead of raw infrastructure errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/execmode"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/gas"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

// ModeSource yields the effective execution mode. Implementations must
// never error and never block on shared infrastructure.
type ModeSource interface {
	CurrentMode() string
}

// NonceSource reserves and repairs account nonces.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
	Reconcile(ctx context.Context) (uint64, error)
}

// FeeSource prices first sends and replacements.
type FeeSource interface {
	Quote(baseFee *big.Int) gas.Quote
	Bump(prev gas.Quote) (gas.Quote, error)
}

// Options tune the submission pipeline.
type Options struct {
	InclusionTimeout    time.Duration
	ReceiptPollInterval time.Duration
	MaxReplacements     int
	IdempotencyBucket   time.Duration
	DefaultGasLimit     uint64
}

// Deps collects the engine's collaborators.
type Deps struct {
	Modes    ModeSource
	Nonces   NonceSource
	Fees     FeeSource
	RPC      chain.RPC
	Signer   chain.TxSigner
	Builder  chain.CalldataBuilder
	Intents  storage.IntentStore
	Attempts storage.AttemptStore
	Receipts storage.ReceiptStore
}

// Request is one order submission.
type Request struct {
	UserID         string
	Action         string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
}

// Validate rejects malformed requests before any intent row exists.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	switch r.Action {
	case chain.ActionOpen, chain.ActionClose:
	default:
		return fmt.Errorf("action must be %q or %q", chain.ActionOpen, chain.ActionClose)
	}
	switch r.Side {
	case chain.SideLong, chain.SideShort:
	default:
		return fmt.Errorf("side must be %q or %q", chain.SideLong, chain.SideShort)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if r.Quantity.Sign() <= 0 {
		return errors.New("quantity must be positive")
	}
	if r.ReferencePrice.Sign() <= 0 {
		return errors.New("reference price must be positive")
	}
	return nil
}

// Result is the caller-visible answer for a request.
type Result struct {
	Intent    storage.Intent
	Outcome   string
	TxHash    string
	Final     bool
	Deduped   bool
	Retryable bool
}

// Engine is the transaction orchestrator.
type Engine struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// NewEngine constructs an Engine with defaults applied to unset options.
func NewEngine(opts Options, deps Deps, logger zerolog.Logger) *Engine {
	if opts.InclusionTimeout <= 0 {
		opts.InclusionTimeout = 60 * time.Second
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = 5 * time.Second
	}
	if opts.MaxReplacements < 0 {
		opts.MaxReplacements = 0
	}
	if opts.IdempotencyBucket <= 0 {
		opts.IdempotencyBucket = time.Second
	}
	if opts.DefaultGasLimit == 0 {
		opts.DefaultGasLimit = 500000
	}
	return &Engine{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Execute submits one order. Validation failures and ledger unavailability
// during intent creation return an error; every later failure is absorbed
// into the intent's terminal outcome.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	mode := e.deps.Modes.CurrentMode()
	key := IdempotencyKey(req.UserID, req.Action, req.Symbol, req.Side, req.Quantity, req.ReferencePrice, time.Now().UTC(), e.opts.IdempotencyBucket)

	intent, created, err := e.deps.Intents.GetOrCreateIntent(ctx, storage.Intent{
		IdempotencyKey: key,
		UserID:         req.UserID,
		Action:         req.Action,
		Symbol:         strings.ToUpper(req.Symbol),
		Side:           req.Side,
		Quantity:       req.Quantity,
		ReferencePrice: req.ReferencePrice,
		Mode:           mode,
	})
	if err != nil {
		return Result{}, err
	}

	logger := e.logger.With().
		Str("run_id", uuid.NewString()).
		Int64("intent_id", intent.ID).
		Str("mode", mode).
		Logger()

	if !created {
		metrics.IncDedup()
		logger.Info().Str("state", intent.State).Msg("request deduplicated onto existing intent")
		return e.existingResult(ctx, intent), nil
	}

	logger.Info().
		Str("action", intent.Action).
		Str("symbol", intent.Symbol).
		Str("side", intent.Side).
		Str("quantity", intent.Quantity.String()).
		Msg("intent created")

	return e.run(ctx, logger, intent, mode), nil
}

// existingResult answers a deduplicated request from ledger state alone.
func (e *Engine) existingResult(ctx context.Context, intent storage.Intent) Result {
	outcome := OutcomeForIntent(intent)
	res := Result{
		Intent:  intent,
		Outcome: outcome,
		Final:   intent.Terminal(),
		Deduped: true,
	}
	if reason, ok := failureReason(outcome); ok {
		res.Retryable = RetryableReason(reason)
	}
	if attempts, err := e.deps.Attempts.ListAttempts(ctx, intent.ID); err == nil && len(attempts) > 0 {
		res.TxHash = attempts[len(attempts)-1].TxHash
	}
	return res
}

// run drives a freshly created intent to a result.
func (e *Engine) run(ctx context.Context, logger zerolog.Logger, intent storage.Intent, mode string) Result {
	if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateBuilding); err != nil {
		return e.fail(ctx, logger, intent, ReasonInternal, err)
	}

	to, data, value, err := e.deps.Builder.Build(chain.Order{
		Action:         intent.Action,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		ReferencePrice: intent.ReferencePrice,
	})
	if err != nil {
		return e.fail(ctx, logger, intent, ReasonBuild, err)
	}

	if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateBuilt); err != nil {
		return e.fail(ctx, logger, intent, ReasonInternal, err)
	}

	if mode != execmode.ModeLive {
		logger.Info().Msg("dry mode, recording simulated submission")
		return e.finish(ctx, logger, intent, storage.StateFinal, OutcomeSimulated, "")
	}

	nonceVal, err := e.deps.Nonces.Next(ctx)
	if err != nil {
		return e.fail(ctx, logger, intent, ReasonNonce, err)
	}
	if err := e.deps.Intents.SetIntentNonce(ctx, intent.ID, int64(nonceVal)); err != nil {
		return e.fail(ctx, logger, intent, ReasonInternal, err)
	}
	logger = logger.With().Uint64("nonce", nonceVal).Logger()

	baseFee, err := e.deps.RPC.BaseFee(ctx)
	if err != nil {
		return e.fail(ctx, logger, intent, ReasonQuote, err)
	}
	quote := e.deps.Fees.Quote(baseFee)
	if quote.GasFeeCap.Cmp(baseFee) < 0 {
		return e.fail(ctx, logger, intent, ReasonFeeCeiling,
			fmt.Errorf("clamped fee cap %s below base fee %s", quote.GasFeeCap, baseFee))
	}

	gasLimit, err := e.deps.RPC.EstimateGas(ctx, e.deps.Signer.Address(), to, data, value)
	if err != nil {
		logger.Warn().Err(err).Uint64("fallback", e.opts.DefaultGasLimit).Msg("gas estimate failed, using fallback limit")
		gasLimit = e.opts.DefaultGasLimit
	}

	payload := chain.TxPayload{
		Nonce: nonceVal,
		To:    to,
		Value: value,
		Data:  data,
		Gas:   gasLimit,
	}

	if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateSending); err != nil {
		return e.fail(ctx, logger, intent, ReasonInternal, err)
	}

	first, sendErr := e.sendAttempt(ctx, logger, intent.ID, payload, quote, 1, storage.AttemptKindInitial)
	if sendErr != nil {
		first, payload, sendErr = e.retryInitialSend(ctx, logger, intent, payload, quote, sendErr)
		if sendErr != nil {
			switch {
			case errors.Is(sendErr, errSign):
				return e.fail(ctx, logger, intent, ReasonSign, sendErr)
			case errors.Is(sendErr, errPersist):
				return e.fail(ctx, logger, intent, ReasonInternal, sendErr)
			case errors.Is(sendErr, gas.ErrFeeCeilingExceeded):
				return e.fail(ctx, logger, intent, ReasonFeeCeiling, sendErr)
			default:
				return e.fail(ctx, logger, intent, ReasonSend, sendErr)
			}
		}
	}

	if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateSent); err != nil {
		logger.Error().Err(err).Msg("failed to record sent state")
	}

	return e.confirmLoop(ctx, logger, intent, payload, []liveAttempt{first}, 0)
}

// retryInitialSend applies the single-retry policy for first broadcasts:
// an underpriced rejection is re-priced once, a stale nonce is reconciled
// once. Anything else is handed back to the caller unchanged.
func (e *Engine) retryInitialSend(ctx context.Context, logger zerolog.Logger, intent storage.Intent, payload chain.TxPayload, quote gas.Quote, sendErr error) (liveAttempt, chain.TxPayload, error) {
	if errors.Is(sendErr, errSign) || errors.Is(sendErr, errPersist) {
		return liveAttempt{}, payload, sendErr
	}

	switch {
	case chain.IsUnderpriced(sendErr):
		logger.Warn().Err(sendErr).Msg("initial broadcast underpriced, re-quoting once")
		baseFee, err := e.deps.RPC.BaseFee(ctx)
		if err != nil {
			return liveAttempt{}, payload, sendErr
		}
		fresh := e.deps.Fees.Quote(baseFee)
		if fresh.GasFeeCap.Cmp(quote.GasFeeCap) <= 0 {
			fresh, err = e.deps.Fees.Bump(quote)
			if err != nil {
				return liveAttempt{}, payload, err
			}
		}
		att, err := e.sendAttempt(ctx, logger, intent.ID, payload, fresh, 2, storage.AttemptKindInitial)
		return att, payload, err

	case chain.IsNonceTooLow(sendErr):
		logger.Warn().Err(sendErr).Msg("nonce rejected, reconciling once")
		freshNonce, err := e.deps.Nonces.Reconcile(ctx)
		if err != nil {
			return liveAttempt{}, payload, sendErr
		}
		payload.Nonce = freshNonce
		if err := e.deps.Intents.SetIntentNonce(ctx, intent.ID, int64(freshNonce)); err != nil {
			logger.Error().Err(err).Msg("failed to record reconciled nonce")
		}
		att, err := e.sendAttempt(ctx, logger, intent.ID, payload, quote, 2, storage.AttemptKindInitial)
		return att, payload, err
	}

	return liveAttempt{}, payload, sendErr
}

// liveAttempt tracks one broadcast transaction while it races for a
// receipt.
type liveAttempt struct {
	id    int64
	num   int
	hash  common.Hash
	quote gas.Quote
}

var (
	errSign    = errors.New("signing failed")
	errPersist = errors.New("attempt persistence failed")
)

// sendAttempt signs the payload at the quoted fees, persists the attempt
// row, and broadcasts. The row is written before the send so a crash in
// between still leaves the hash recoverable.
func (e *Engine) sendAttempt(ctx context.Context, logger zerolog.Logger, intentID int64, payload chain.TxPayload, quote gas.Quote, num int, kind string) (liveAttempt, error) {
	payload.GasTipCap = quote.GasTipCap
	payload.GasFeeCap = quote.GasFeeCap

	tx, err := e.deps.Signer.Sign(payload)
	if err != nil {
		return liveAttempt{}, errors.Join(errSign, err)
	}

	stored, err := e.deps.Attempts.InsertSendAttempt(ctx, storage.SendAttempt{
		IntentID:   intentID,
		AttemptNum: num,
		Kind:       kind,
		TxHash:     tx.Hash().Hex(),
		Nonce:      int64(payload.Nonce),
		GasTipCap:  decimal.NewFromBigInt(quote.GasTipCap, 0),
		GasFeeCap:  decimal.NewFromBigInt(quote.GasFeeCap, 0),
		GasLimit:   int64(payload.Gas),
	})
	if err != nil {
		return liveAttempt{}, errors.Join(errPersist, err)
	}

	live := liveAttempt{id: stored.ID, num: num, hash: tx.Hash(), quote: quote}

	if err := e.deps.RPC.Send(ctx, tx); err != nil {
		if !chain.IsAlreadyKnown(err) {
			if markErr := e.deps.Attempts.MarkAttemptStatus(ctx, stored.ID, storage.AttemptStatusFailed); markErr != nil {
				logger.Error().Err(markErr).Msg("failed to mark attempt failed")
			}
			return liveAttempt{}, err
		}
		logger.Debug().Str("tx", live.hash.Hex()).Msg("node already held transaction")
	}

	metrics.IncSend(kind)
	logger.Info().
		Str("tx", live.hash.Hex()).
		Int("attempt", num).
		Str("kind", kind).
		Str("fee_cap", quote.GasFeeCap.String()).
		Msg("transaction broadcast")
	return live, nil
}

// sendReplacement prices and broadcasts one replacement at the same
// nonce, retrying a single time with a further bump when the node still
// judges it underpriced.
func (e *Engine) sendReplacement(ctx context.Context, logger zerolog.Logger, intentID int64, payload chain.TxPayload, prev gas.Quote, num int) (liveAttempt, error) {
	quote, err := e.deps.Fees.Bump(prev)
	if err != nil {
		return liveAttempt{}, err
	}

	att, sendErr := e.sendAttempt(ctx, logger, intentID, payload, quote, num, storage.AttemptKindReplacement)
	if sendErr != nil && chain.IsUnderpriced(sendErr) {
		logger.Warn().Err(sendErr).Msg("replacement underpriced, bumping once more")
		quote, err = e.deps.Fees.Bump(quote)
		if err != nil {
			return liveAttempt{}, err
		}
		att, sendErr = e.sendAttempt(ctx, logger, intentID, payload, quote, num+1, storage.AttemptKindReplacement)
	}
	if sendErr != nil {
		return liveAttempt{}, sendErr
	}
	return att, nil
}

// confirmLoop watches every broadcast hash for a receipt, issuing fee-bump
// replacements on each inclusion timeout until the replacement budget is
// spent. Replacements share the intent's nonce, so the chain guarantees at
// most one attempt wins.
func (e *Engine) confirmLoop(ctx context.Context, logger zerolog.Logger, intent storage.Intent, payload chain.TxPayload, attempts []liveAttempt, replacements int) Result {
	firstSent := time.Now()

	deadline := time.NewTimer(e.opts.InclusionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			last := attempts[len(attempts)-1]
			logger.Warn().Str("tx", last.hash.Hex()).Msg("confirmation wait interrupted, intent stays in flight")
			intent.State = storage.StateSent
			return Result{Intent: intent, Outcome: OutcomeSubmitted, TxHash: last.hash.Hex()}

		case <-ticker.C:
			if res, settled := e.sweepReceipts(ctx, logger, intent, attempts, firstSent); settled {
				return res
			}

		case <-deadline.C:
			last := attempts[len(attempts)-1]
			if replacements >= e.opts.MaxReplacements {
				logger.Warn().Int("broadcasts", len(attempts)).Msg("replacement budget exhausted, transaction stuck")
				return e.finish(ctx, logger, intent, storage.StateFailed, FailureOutcome(ReasonStuck), last.hash.Hex())
			}
			if e.deps.Modes.CurrentMode() != execmode.ModeLive {
				// Mode gates new sends only. Keep watching what is already
				// in the mempool.
				logger.Warn().Str("tx", last.hash.Hex()).Msg("execution mode is not live, holding replacement")
				deadline.Reset(e.opts.InclusionTimeout)
				continue
			}

			if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateRBFPending); err != nil {
				return e.fail(ctx, logger, intent, ReasonInternal, err)
			}
			replacements++

			att, err := e.sendReplacement(ctx, logger, intent.ID, payload, last.quote, last.num+1)
			switch {
			case err == nil:
				attempts = append(attempts, att)
				metrics.IncReplacement()
			case errors.Is(err, gas.ErrFeeCeilingExceeded):
				logger.Warn().Err(err).Msg("replacement cannot clear fee ceiling, transaction stuck")
				return e.finish(ctx, logger, intent, storage.StateFailed, FailureOutcome(ReasonStuck), last.hash.Hex())
			case errors.Is(err, errSign):
				return e.fail(ctx, logger, intent, ReasonSign, err)
			case errors.Is(err, errPersist):
				return e.fail(ctx, logger, intent, ReasonInternal, err)
			case chain.IsNonceTooLow(err):
				// The nonce was consumed, almost certainly by one of our
				// earlier attempts. Keep watching their hashes.
				logger.Info().Err(err).Msg("nonce consumed during replacement, awaiting receipt on prior attempts")
			default:
				logger.Warn().Err(err).Msg("replacement broadcast failed, continuing to watch prior attempts")
			}

			if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateSent); err != nil {
				logger.Error().Err(err).Msg("failed to record sent state")
			}
			deadline.Reset(e.opts.InclusionTimeout)
		}
	}
}

// sweepReceipts checks all broadcast hashes for a mined receipt.
func (e *Engine) sweepReceipts(ctx context.Context, logger zerolog.Logger, intent storage.Intent, attempts []liveAttempt, firstSent time.Time) (Result, bool) {
	for _, att := range attempts {
		receipt, err := e.deps.RPC.Receipt(ctx, att.hash)
		if errors.Is(err, chain.ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Str("tx", att.hash.Hex()).Msg("receipt poll failed")
			continue
		}
		return e.settle(ctx, logger, intent, att, receipt, firstSent), true
	}
	return Result{}, false
}

// settle persists the receipt for the winning attempt and finishes the
// intent. Only the included hash gets the receipt; sibling attempts are
// marked replaced.
func (e *Engine) settle(ctx context.Context, logger zerolog.Logger, intent storage.Intent, att liveAttempt, receipt *types.Receipt, firstSent time.Time) Result {
	effectivePrice := receipt.EffectiveGasPrice
	if effectivePrice == nil {
		effectivePrice = big.NewInt(0)
	}
	minedAt := time.Now().UTC()

	if _, err := e.deps.Receipts.RecordReceipt(ctx, storage.Receipt{
		IntentID:          intent.ID,
		TxHash:            att.hash.Hex(),
		BlockNumber:       receipt.BlockNumber.Int64(),
		GasUsed:           int64(receipt.GasUsed),
		EffectiveGasPrice: decimal.NewFromBigInt(effectivePrice, 0),
		Success:           receipt.Status == types.ReceiptStatusSuccessful,
		MinedAt:           minedAt,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist receipt")
	}
	if err := e.deps.Attempts.MarkAttemptStatus(ctx, att.id, storage.AttemptStatusMined); err != nil {
		logger.Error().Err(err).Msg("failed to mark attempt mined")
	}
	if err := e.deps.Attempts.MarkSupersededAttempts(ctx, intent.ID, att.id); err != nil {
		logger.Error().Err(err).Msg("failed to mark superseded attempts")
	}
	metrics.ObserveInclusion(minedAt.Sub(firstSent).Seconds())

	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Warn().Str("tx", att.hash.Hex()).Msg("transaction reverted on chain")
		return e.finish(ctx, logger, intent, storage.StateFailed, FailureOutcome(ReasonReverted), att.hash.Hex())
	}

	if err := e.deps.Intents.UpdateIntentState(ctx, intent.ID, storage.StateMined); err != nil {
		logger.Error().Err(err).Msg("failed to record mined state")
	}
	logger.Info().
		Str("tx", att.hash.Hex()).
		Int64("block", receipt.BlockNumber.Int64()).
		Int("attempt", att.num).
		Msg("transaction mined")
	return e.finish(ctx, logger, intent, storage.StateFinal, OutcomeMined, att.hash.Hex())
}

// finish records the terminal state and outcome and builds the result.
func (e *Engine) finish(ctx context.Context, logger zerolog.Logger, intent storage.Intent, state, outcome, txHash string) Result {
	if err := e.deps.Intents.FinishIntent(ctx, intent.ID, state, outcome); err != nil {
		logger.Error().Err(err).Str("outcome", outcome).Msg("failed to persist terminal state")
	}
	metrics.IncIntent(outcome)

	intent.State = state
	intent.Outcome = &outcome

	res := Result{Intent: intent, Outcome: outcome, TxHash: txHash, Final: true}
	if reason, ok := failureReason(outcome); ok {
		res.Retryable = RetryableReason(reason)
	}
	logger.Info().Str("outcome", outcome).Bool("retryable", res.Retryable).Msg("intent finished")
	return res
}

// fail finishes the intent with a failure reason.
func (e *Engine) fail(ctx context.Context, logger zerolog.Logger, intent storage.Intent, reason string, cause error) Result {
	logger.Error().Err(cause).Str("reason", reason).Msg("intent failed")
	return e.finish(ctx, logger, intent, storage.StateFailed, FailureOutcome(reason), "")
}

func failureReason(outcome string) (string, bool) {
	if strings.HasPrefix(outcome, failedPrefix) {
		return strings.TrimPrefix(outcome, failedPrefix), true
	}
	return "", false
}
