// Package gas prices transactions under an EIP-1559 fee market: a surge
// headroom over the observed base fee for first sends, fixed percentage
// bumps for replacements, and a hard ceiling over both.
package gas

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrFeeCeilingExceeded marks a replacement quote that cannot stay under
// the configured ceiling. The caller treats the transaction as stuck.
var ErrFeeCeilingExceeded = errors.New("gas: replacement fee exceeds ceiling")

// Quote is a priced fee pair for one transaction attempt, in wei.
type Quote struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Options parameterise the policy.
type Options struct {
	SurgeMultiplier    float64
	PriorityFeeGwei    float64
	CeilingGwei        float64
	ReplacementBumpPct int
}

// Policy produces fee quotes. First sends read the network once; every
// replacement is derived from the previous quote without another read.
type Policy struct {
	surge   decimal.Decimal
	tip     *big.Int
	ceiling *big.Int
	bumpNum *big.Int
}

const minReplacementBumpPct = 12

var bumpDenom = big.NewInt(100)

// NewPolicy validates the options and builds a policy.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.SurgeMultiplier < 1 {
		return nil, errors.New("gas: surge multiplier must be at least 1")
	}
	if opts.PriorityFeeGwei <= 0 {
		return nil, errors.New("gas: priority fee must be positive")
	}
	if opts.CeilingGwei <= 0 {
		return nil, errors.New("gas: ceiling must be positive")
	}
	if opts.ReplacementBumpPct < minReplacementBumpPct {
		return nil, fmt.Errorf("gas: replacement bump must be at least %d%%", minReplacementBumpPct)
	}

	tip := gweiToWei(opts.PriorityFeeGwei)
	ceiling := gweiToWei(opts.CeilingGwei)
	if ceiling.Cmp(tip) < 0 {
		return nil, errors.New("gas: ceiling below priority fee")
	}

	return &Policy{
		surge:   decimal.NewFromFloat(opts.SurgeMultiplier),
		tip:     tip,
		ceiling: ceiling,
		bumpNum: big.NewInt(int64(100 + opts.ReplacementBumpPct)),
	}, nil
}

// Quote prices a first send against the given base fee. The fee cap is
// base fee times the surge multiplier plus the tip, clamped to the ceiling.
// The same base fee always yields the same quote.
func (p *Policy) Quote(baseFee *big.Int) Quote {
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	surged := decimal.NewFromBigInt(baseFee, 0).Mul(p.surge).Ceil().BigInt()
	feeCap := new(big.Int).Add(surged, p.tip)
	if feeCap.Cmp(p.ceiling) > 0 {
		feeCap = new(big.Int).Set(p.ceiling)
	}

	tip := new(big.Int).Set(p.tip)
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}

	return Quote{GasTipCap: tip, GasFeeCap: feeCap}
}

// Bump prices a replacement from the previous quote alone. Both caps are
// raised by the configured percentage, rounded up so the result clears the
// relay's minimum-increase rule even for tiny values. A bump that cannot
// fit under the ceiling returns ErrFeeCeilingExceeded.
func (p *Policy) Bump(prev Quote) (Quote, error) {
	if prev.GasTipCap == nil || prev.GasFeeCap == nil {
		return Quote{}, errors.New("gas: previous quote missing fee caps")
	}

	tip := bumpValue(prev.GasTipCap, p.bumpNum)
	feeCap := bumpValue(prev.GasFeeCap, p.bumpNum)

	if feeCap.Cmp(p.ceiling) > 0 {
		return Quote{}, ErrFeeCeilingExceeded
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}

	return Quote{GasTipCap: tip, GasFeeCap: feeCap}, nil
}

// Ceiling returns the configured fee cap ceiling in wei.
func (p *Policy) Ceiling() *big.Int {
	return new(big.Int).Set(p.ceiling)
}

func bumpValue(prev, num *big.Int) *big.Int {
	scaled := new(big.Int).Mul(prev, num)
	scaled.Add(scaled, big.NewInt(99))
	return scaled.Div(scaled, bumpDenom)
}

func gweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Ceil().BigInt()
}
