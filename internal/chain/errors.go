package chain

import (
	"errors"
	"strings"
)

// ErrReceiptNotFound marks a transaction the node has not mined yet.
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Node error strings are not typed by go-ethereum, so broadcast failures
// are classified by message substring. The strings below match the txpool
// rejections of geth and the RPC providers fronting it.

// IsNonceTooLow reports whether the node rejected the nonce as already used.
func IsNonceTooLow(err error) bool {
	return containsAny(err, "nonce too low")
}

// IsUnderpriced reports whether the node rejected the fee as too low,
// either outright or against a pending transaction at the same nonce.
func IsUnderpriced(err error) bool {
	return containsAny(err, "replacement transaction underpriced", "transaction underpriced")
}

// IsAlreadyKnown reports whether the node already holds this exact
// transaction. Harmless on rebroadcast.
func IsAlreadyKnown(err error) bool {
	return containsAny(err, "already known", "alreadyknown")
}

// IsInsufficientFunds reports whether the account cannot cover gas and value.
func IsInsufficientFunds(err error) bool {
	return containsAny(err, "insufficient funds")
}

func containsAny(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range fragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
