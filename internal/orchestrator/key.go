package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// keyScale normalises decimal inputs so "1.5" and "1.50" hash identically.
// It matches the ledger's NUMERIC scale.
const keyScale = 18

// IdempotencyKey derives the deterministic key that collapses retries of
// the same order into one intent. Requests inside the same time bucket
// share a key; a request one bucket later is deliberately a new intent.
func IdempotencyKey(userID, action, symbol, side string, quantity, referencePrice decimal.Decimal, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	bucketIndex := at.UnixNano() / int64(bucket)

	payload := strings.Join([]string{
		userID,
		action,
		strings.ToUpper(symbol),
		side,
		quantity.StringFixed(keyScale),
		referencePrice.StringFixed(keyScale),
		strconv.FormatInt(bucketIndex, 10),
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
