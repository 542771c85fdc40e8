package health

import (
	"context"
	"errors"
	"fmt"
)

// HeadSource reports the chain head height.
type HeadSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
}

// WatermarkSource reports the last fully processed height.
type WatermarkSource interface {
	Watermark(ctx context.Context) (uint64, bool, error)
}

// RPCChecker checks node reachability and how far the ledger trails the chain head.
type RPCChecker struct {
	chain  HeadSource
	ledger WatermarkSource
}

// NewRPCChecker creates a checker over a chain client and the ledger.
func NewRPCChecker(chain HeadSource, ledger WatermarkSource) *RPCChecker {
	return &RPCChecker{chain: chain, ledger: ledger}
}

// Ping checks that the node answers.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if c.chain == nil {
		return errors.New("no chain client configured")
	}
	if _, err := c.chain.LatestHeight(ctx); err != nil {
		return fmt.Errorf("latest height: %w", err)
	}
	return nil
}

// Lag returns head minus watermark. A ledger that has not been seeded yet reports zero.
func (c *RPCChecker) Lag(ctx context.Context) (uint64, error) {
	if c.chain == nil || c.ledger == nil {
		return 0, errors.New("lag check not configured")
	}
	head, err := c.chain.LatestHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}
	wm, ok, err := c.ledger.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if !ok || head <= wm {
		return 0, nil
	}
	return head - wm, nil
}
