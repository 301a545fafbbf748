package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent lifecycle states.
const (
	StateCreated    = "CREATED"
	StateBuilding   = "BUILDING"
	StateBuilt      = "BUILT"
	StateSending    = "SENDING"
	StateSent       = "SENT"
	StateRBFPending = "RBF_PENDING"
	StateMined      = "MINED"
	StateFinal      = "FINAL"
	StateFailed     = "FAILED"
)

// Send attempt kinds and statuses.
const (
	AttemptKindInitial     = "initial"
	AttemptKindReplacement = "replacement"

	AttemptStatusSent     = "sent"
	AttemptStatusMined    = "mined"
	AttemptStatusReplaced = "replaced"
	AttemptStatusFailed   = "failed"
)

// Intent is the durable record of one requested execution. The idempotency
// key makes retried requests converge on the same row.
type Intent struct {
	ID             int64
	IdempotencyKey string
	UserID         string
	Action         string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	Mode           string
	State          string
	Outcome        *string
	Nonce          *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the intent reached a final state.
func (i Intent) Terminal() bool {
	switch i.State {
	case StateMined, StateFinal, StateFailed:
		return true
	}
	return false
}

// SendAttempt records one broadcast of a signed transaction. Replacements
// share the intent and nonce but carry bumped fee caps. Fee caps are wei
// amounts persisted as NUMERIC.
type SendAttempt struct {
	ID         int64
	IntentID   int64
	AttemptNum int
	Kind       string
	TxHash     string
	Nonce      int64
	GasTipCap  decimal.Decimal
	GasFeeCap  decimal.Decimal
	GasLimit   int64
	Status     string
	SentAt     time.Time
}

// Receipt captures the mined result of an intent.
type Receipt struct {
	ID                int64
	IntentID          int64
	TxHash            string
	BlockNumber       int64
	GasUsed           int64
	EffectiveGasPrice decimal.Decimal
	Success           bool
	MinedAt           time.Time
	CreatedAt         time.Time
}

// PendingIntent is an unterminated intent surfaced by the pending report.
type PendingIntent struct {
	Intent
	Attempts int64
}
