package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/netflow-tower/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockClient captures the subset of ethclient used by the chain client.
type BlockClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// RetryPolicy bounds how a failed call is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the config defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

// Delay returns the wait after the given failed attempt (1-based): base doubled per attempt, capped at max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return Backoff(p.BaseDelay, p.MaxDelay, attempt)
}

// Backoff returns base * 2^(n-1), capped at ceiling when ceiling is positive.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if base <= 0 || n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Client is the chain client: every call is rate limited, bounded by a timeout and retried with backoff.
type Client struct {
	rpc     BlockClient
	retry   RetryPolicy
	timeout time.Duration
	limiter *TokenBucket
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithRequestTimeout bounds each individual RPC attempt.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps outgoing requests per second; zero disables limiting.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) { c.limiter = NewTokenBucket(rps, rps) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient wraps a BlockClient with retry, timeout and rate limiting.
func NewClient(rpc BlockClient, opts ...ClientOption) *Client {
	c := &Client{
		rpc:     rpc,
		retry:   DefaultRetryPolicy,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chain")
	return c
}

// LatestHeight returns the chain head height.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "latest_height", func(ctx context.Context) error {
		h, err := c.rpc.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

// FetchLogs returns the logs emitted by contract with the given topic0 in [from, to], inclusive.
// Removed logs are dropped. Logs outside the requested range or from another contract are an invalid response.
func (c *Client) FetchLogs(ctx context.Context, from, to uint64, contract common.Address, topic common.Hash) ([]types.Log, error) {
	if from > to {
		return nil, fmt.Errorf("fetch logs: invalid range [%d, %d]", from, to)
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
	}
	var out []types.Log
	err := c.call(ctx, "fetch_logs", func(ctx context.Context) error {
		logs, err := c.rpc.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		kept := make([]types.Log, 0, len(logs))
		for _, lg := range logs {
			if lg.BlockNumber < from || lg.BlockNumber > to {
				return invalidf("log %s#%d at block %d outside [%d, %d]", lg.TxHash.Hex(), lg.Index, lg.BlockNumber, from, to)
			}
			if lg.Address != contract {
				return invalidf("log %s#%d from unexpected contract %s", lg.TxHash.Hex(), lg.Index, lg.Address.Hex())
			}
			if lg.Removed {
				continue
			}
			kept = append(kept, lg)
		}
		out = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BlockTime returns the timestamp of the block at height.
func (c *Client) BlockTime(ctx context.Context, height uint64) (time.Time, error) {
	var ts time.Time
	err := c.call(ctx, "block_time", func(ctx context.Context) error {
		h, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return err
		}
		if h == nil {
			return invalidf("header %d missing", height)
		}
		ts = time.Unix(int64(h.Time), 0).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "chain_id", func(ctx context.Context) error {
		v, err := c.rpc.ChainID(ctx)
		if err != nil {
			return err
		}
		if v == nil {
			return invalidf("empty chain id")
		}
		id = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// call runs fn until it succeeds or the retry policy is exhausted.
// Cancellation of ctx itself is returned unwrapped and never retried.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		lastErr  error
		lastKind ErrorKind
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr, lastKind = err, classifyError(err)
		c.metrics.RPCError(string(lastKind))
		if attempt == attempts {
			break
		}
		delay := c.retry.Delay(attempt)
		c.logger.Warn("rpc call failed, retrying", "op", op, "attempt", attempt, "kind", lastKind, "delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &RPCError{Kind: lastKind, Op: op, Attempts: attempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
