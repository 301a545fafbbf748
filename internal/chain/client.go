package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ClientOptions parameterise the RPC client.
type ClientOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Client talks to an Ethereum node over JSON-RPC. The connection is dialed
// lazily on first use so construction never blocks.
type Client struct {
	opts      ClientOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient builds an RPC client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	return &Client{opts: opts, logger: logger.With().Str("component", "chain_client").Logger()}
}

// BaseFee returns the latest head's base fee. Pre-London heads report zero.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(head.BaseFee), nil
}

// PendingNonce returns the next nonce for the account including mempool
// transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

// EstimateGas estimates the gas needed for the call.
func (c *Client) EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte, value *big.Int) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	})
}

// Send broadcasts a signed transaction.
func (c *Client) Send(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// Receipt fetches a transaction receipt. A transaction the node has not
// mined yet yields ErrReceiptNotFound.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ RPC = (*Client)(nil)
