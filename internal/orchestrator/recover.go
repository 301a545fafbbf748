package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/gas"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

// RecoverInFlight resumes every intent a previous process left in a
// non-terminal submission state. Intents with no broadcast attempt are
// failed as interrupted; the rest rejoin the confirmation watch using the
// hashes and fee quotes persisted in their attempt rows. The caller is
// expected to hold the single-writer advisory lock. Returns the number of
// intents picked up.
func (e *Engine) RecoverInFlight(ctx context.Context) (int, error) {
	intents, err := e.deps.Intents.ListRecoverableIntents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing recoverable intents: %w", err)
	}
	if len(intents) == 0 {
		return 0, nil
	}
	e.logger.Info().Int("count", len(intents)).Msg("resuming in-flight intents")

	var wg sync.WaitGroup
	for _, intent := range intents {
		wg.Add(1)
		go func(intent storage.Intent) {
			defer wg.Done()
			logger := e.logger.With().
				Str("run_id", uuid.NewString()).
				Int64("intent_id", intent.ID).
				Bool("recovered", true).
				Logger()
			e.resumeIntent(ctx, logger, intent)
		}(intent)
	}
	wg.Wait()
	return len(intents), nil
}

// resumeIntent reconstructs the in-flight picture for one intent from its
// attempt rows and re-enters the confirmation loop.
func (e *Engine) resumeIntent(ctx context.Context, logger zerolog.Logger, intent storage.Intent) {
	rows, err := e.deps.Attempts.ListAttempts(ctx, intent.ID)
	if err != nil {
		logger.Error().Err(err).Msg("cannot list attempts, leaving intent for next restart")
		return
	}

	live := make([]liveAttempt, 0, len(rows))
	replacements := 0
	var gasLimit uint64
	for _, row := range rows {
		if row.Status == storage.AttemptStatusFailed {
			continue
		}
		live = append(live, liveAttempt{
			id:   row.ID,
			num:  row.AttemptNum,
			hash: common.HexToHash(row.TxHash),
			quote: gas.Quote{
				GasTipCap: row.GasTipCap.BigInt(),
				GasFeeCap: row.GasFeeCap.BigInt(),
			},
		})
		if row.Kind == storage.AttemptKindReplacement {
			replacements++
		}
		gasLimit = uint64(row.GasLimit)
	}

	if len(live) == 0 {
		logger.Warn().Msg("no broadcast attempt on record, failing interrupted intent")
		e.finish(ctx, logger, intent, storage.StateFailed, FailureOutcome(ReasonInterrupted), "")
		return
	}

	payload := chain.TxPayload{Gas: gasLimit}
	if intent.Nonce != nil {
		payload.Nonce = uint64(*intent.Nonce)
	}
	to, data, value, err := e.deps.Builder.Build(chain.Order{
		Action:         intent.Action,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		ReferencePrice: intent.ReferencePrice,
	})
	if err != nil {
		// Without calldata no further replacement can be signed, so spend
		// the whole budget and only watch the existing hashes.
		logger.Warn().Err(err).Msg("cannot rebuild calldata, watching without replacements")
		replacements = e.opts.MaxReplacements
	} else {
		payload.To = to
		payload.Data = data
		payload.Value = value
	}

	logger.Info().Int("attempts", len(live)).Msg("resuming confirmation watch")
	e.confirmLoop(ctx, logger, intent, payload, live, replacements)
}
