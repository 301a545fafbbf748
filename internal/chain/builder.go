package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	routerABIJSON = `[{"inputs":[{"internalType":"uint256","name":"pairIndex","type":"uint256"},{"internalType":"bool","name":"isLong","type":"bool"},{"internalType":"uint256","name":"collateral","type":"uint256"},{"internalType":"uint256","name":"referencePrice","type":"uint256"}],"name":"openPosition","outputs":[],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"uint256","name":"pairIndex","type":"uint256"},{"internalType":"uint256","name":"collateral","type":"uint256"},{"internalType":"uint256","name":"referencePrice","type":"uint256"}],"name":"closePosition","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

	// Router amounts are USDC-scaled, prices carry 8 decimals.
	collateralDecimals = 6
	priceDecimals      = 8
)

var routerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}
	routerABI = parsed
}

// defaultPairs maps trading symbols onto router pair indexes.
var defaultPairs = map[string]int64{
	"BTC/USD":  0,
	"ETH/USD":  1,
	"SOL/USD":  2,
	"AVAX/USD": 3,
}

// RouterOptions parameterise the calldata builder.
type RouterOptions struct {
	RouterAddress string
	// Pairs extends or overrides the built-in symbol table.
	Pairs map[string]int64
}

// RouterBuilder packs orders into calls against the perp router contract.
type RouterBuilder struct {
	router common.Address
	pairs  map[string]int64
	ready  bool
}

// NewRouterBuilder constructs the builder. The router address is validated
// at build time so a dry-run deployment can start without one.
func NewRouterBuilder(opts RouterOptions) *RouterBuilder {
	pairs := make(map[string]int64, len(defaultPairs)+len(opts.Pairs))
	for sym, idx := range defaultPairs {
		pairs[sym] = idx
	}
	for sym, idx := range opts.Pairs {
		pairs[strings.ToUpper(sym)] = idx
	}

	b := &RouterBuilder{pairs: pairs}
	if opts.RouterAddress != "" {
		b.router = common.HexToAddress(opts.RouterAddress)
		b.ready = true
	}
	return b
}

// Build produces the router call for the order. The mapping is pure: the
// same order always yields the same calldata.
func (b *RouterBuilder) Build(order Order) (common.Address, []byte, *big.Int, error) {
	if !b.ready {
		return common.Address{}, nil, nil, errors.New("router address not configured")
	}

	pairIndex, ok := b.pairs[strings.ToUpper(order.Symbol)]
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("unknown trading pair %q", order.Symbol)
	}
	if order.Quantity.Sign() <= 0 {
		return common.Address{}, nil, nil, errors.New("order quantity must be positive")
	}
	if order.ReferencePrice.Sign() <= 0 {
		return common.Address{}, nil, nil, errors.New("order reference price must be positive")
	}

	collateral := order.Quantity.Shift(collateralDecimals).BigInt()
	price := order.ReferencePrice.Shift(priceDecimals).BigInt()
	pair := big.NewInt(pairIndex)

	var (
		data []byte
		err  error
	)
	switch order.Action {
	case ActionOpen:
		isLong := order.Side == SideLong
		data, err = routerABI.Pack("openPosition", pair, isLong, collateral, price)
	case ActionClose:
		data, err = routerABI.Pack("closePosition", pair, collateral, price)
	default:
		return common.Address{}, nil, nil, fmt.Errorf("unknown order action %q", order.Action)
	}
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("pack %s calldata: %w", order.Action, err)
	}

	return b.router, data, big.NewInt(0), nil
}

var _ CalldataBuilder = (*RouterBuilder)(nil)
