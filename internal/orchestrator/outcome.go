package orchestrator

import "github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"

// Callers see a closed outcome vocabulary, never a raw infrastructure
// error: simulated, submitted, mined, or failed:<reason>.
const (
	OutcomeSimulated = "simulated"
	OutcomeSubmitted = "submitted"
	OutcomeMined     = "mined"

	failedPrefix = "failed:"
)

// Failure reasons.
const (
	ReasonBuild       = "build"
	ReasonNonce       = "nonce"
	ReasonQuote       = "quote"
	ReasonFeeCeiling  = "fee_ceiling"
	ReasonSign        = "sign"
	ReasonSend        = "send"
	ReasonStuck       = "stuck"
	ReasonReverted    = "reverted"
	ReasonInterrupted = "interrupted"
	ReasonInternal    = "internal"
)

// FailureOutcome renders a failure reason as an outcome string.
func FailureOutcome(reason string) string {
	return failedPrefix + reason
}

// RetryableReason reports whether a fresh request for the same order (in a
// later idempotency bucket) has a chance of succeeding without operator
// intervention.
func RetryableReason(reason string) bool {
	switch reason {
	case ReasonNonce, ReasonQuote, ReasonSend, ReasonStuck, ReasonInterrupted, ReasonInternal:
		return true
	}
	return false
}

// OutcomeForIntent derives the caller-visible outcome for an intent loaded
// from the ledger. Terminal intents report their stored outcome; anything
// still moving reports submitted.
func OutcomeForIntent(intent storage.Intent) string {
	if intent.Outcome != nil && *intent.Outcome != "" {
		return *intent.Outcome
	}
	switch intent.State {
	case storage.StateMined, storage.StateFinal:
		return OutcomeMined
	case storage.StateFailed:
		return FailureOutcome(ReasonInternal)
	}
	return OutcomeSubmitted
}
