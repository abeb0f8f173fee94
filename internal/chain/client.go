// Package chain wraps the RPC surface the dispenser needs: nonce and fee
// lookups, gas estimation, broadcast, and balance queries.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Client abstracts the chain RPC provider.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Ping(ctx context.Context) error
}

// EthClient is the production client. Every call is rate limited and runs
// under a bounded timeout so a slow provider cannot hang a claim forever.
type EthClient struct {
	cli     *ethclient.Client
	limiter *rate.Limiter
	timeout time.Duration
}

type EthClientConfig struct {
	RPCURL    string
	Timeout   time.Duration
	RateLimit float64
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	return &EthClient{
		cli:     cli,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		timeout: cfg.Timeout,
	}, nil
}

// Raw exposes the underlying client for read-only contract binding.
func (c *EthClient) Raw() *ethclient.Client {
	return c.cli
}

func (c *EthClient) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		nonce, err = c.cli.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		price, err = c.cli.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		gas, err = c.cli.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.cli.SendTransaction(ctx, tx)
	})
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		bal, err = c.cli.BalanceAt(ctx, account, nil)
		return err
	})
	return bal, err
}

func (c *EthClient) Ping(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.cli.BlockNumber(ctx)
		return err
	})
}
