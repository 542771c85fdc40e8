package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type fakeRPC struct {
	height    uint64
	heightErr []error
	logs      []types.Log
	logsErr   []error
	headers   map[uint64]*types.Header
	chainID   *big.Int
	queries   []ethereum.FilterQuery
	calls     int
	block     bool
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if len(f.heightErr) > 0 {
		err := f.heightErr[0]
		f.heightErr = f.heightErr[1:]
		return 0, err
	}
	return f.height, nil
}

func (f *fakeRPC) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.calls++
	if h, ok := f.headers[number.Uint64()]; ok {
		return h, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeRPC) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.calls++
	f.queries = append(f.queries, q)
	if len(f.logsErr) > 0 {
		err := f.logsErr[0]
		f.logsErr = f.logsErr[1:]
		return nil, err
	}
	return f.logs, nil
}

func (f *fakeRPC) ChainID(context.Context) (*big.Int, error) {
	f.calls++
	return f.chainID, nil
}

func newTestClient(rpc BlockClient, opts ...ClientOption) (*Client, *[]time.Duration) {
	var slept []time.Duration
	base := []ClientOption{
		WithRetry(RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c := NewClient(rpc, append(base, opts...)...)
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestLatestHeightRetriesThenSucceeds(t *testing.T) {
	fake := &fakeRPC{
		height:    1234,
		heightErr: []error{context.DeadlineExceeded, errors.New("connection refused")},
	}
	c, slept := newTestClient(fake)

	h, err := c.LatestHeight(context.Background())
	if err != nil {
		t.Fatalf("latest height: %v", err)
	}
	if h != 1234 {
		t.Fatalf("expected 1234, got %d", h)
	}
	if fake.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if fmt.Sprint(*slept) != fmt.Sprint(want) {
		t.Fatalf("unexpected backoff delays %v, want %v", *slept, want)
	}
}

func TestRetryExhaustionReturnsTypedError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"timeout", context.DeadlineExceeded, KindTimeout},
		{"unreachable", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), KindUnreachable},
		{"rate limited http", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, KindRateLimited},
		{"rate limited message", errors.New("daily request count exceeded, request rate limited"), KindRateLimited},
		{"invalid json", &jsonSyntaxErr, KindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRPC{heightErr: []error{tt.err, tt.err, tt.err, tt.err}}
			c, slept := newTestClient(fake)

			_, err := c.LatestHeight(context.Background())
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected RPCError, got %v", err)
			}
			if rpcErr.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, rpcErr.Kind)
			}
			if rpcErr.Attempts != 4 || fake.calls != 4 {
				t.Fatalf("expected 4 attempts, got %d (calls %d)", rpcErr.Attempts, fake.calls)
			}
			want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
			if fmt.Sprint(*slept) != fmt.Sprint(want) {
				t.Fatalf("unexpected delays %v", *slept)
			}
			if !IsKind(err, tt.kind) {
				t.Fatalf("IsKind(%s) false", tt.kind)
			}
		})
	}
}

func TestRequestTimeoutBecomesTimeoutKind(t *testing.T) {
	fake := &fakeRPC{block: true}
	c, _ := newTestClient(fake,
		WithRetry(RetryPolicy{MaxAttempts: 2}),
		WithRequestTimeout(10*time.Millisecond),
	)
	_, err := c.LatestHeight(context.Background())
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout RPCError, got %v", err)
	}
}

func TestParentCancellationIsNotRetried(t *testing.T) {
	fake := &fakeRPC{heightErr: []error{errors.New("boom")}}
	c, _ := newTestClient(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LatestHeight(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		t.Fatalf("cancellation must not be wrapped as RPCError")
	}
}

func TestFetchLogsBuildsQueryAndDropsRemoved(t *testing.T) {
	contract := common.HexToAddress("0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	fake := &fakeRPC{logs: []types.Log{
		{Address: contract, BlockNumber: 10, Index: 0},
		{Address: contract, BlockNumber: 11, Index: 1, Removed: true},
		{Address: contract, BlockNumber: 12, Index: 2},
	}}
	c, _ := newTestClient(fake)

	logs, err := c.FetchLogs(context.Background(), 10, 12, contract, TransferTopic)
	if err != nil {
		t.Fatalf("fetch logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected removed log to be dropped, got %d logs", len(logs))
	}
	q := fake.queries[0]
	if q.FromBlock.Uint64() != 10 || q.ToBlock.Uint64() != 12 {
		t.Fatalf("unexpected range %v-%v", q.FromBlock, q.ToBlock)
	}
	if len(q.Addresses) != 1 || q.Addresses[0] != contract {
		t.Fatalf("unexpected addresses %v", q.Addresses)
	}
	if len(q.Topics) != 1 || q.Topics[0][0] != TransferTopic {
		t.Fatalf("unexpected topics %v", q.Topics)
	}
}

func TestFetchLogsRejectsOutOfRangeLogs(t *testing.T) {
	contract := common.HexToAddress("0x01")
	fake := &fakeRPC{logs: []types.Log{{Address: contract, BlockNumber: 99}}}
	c, _ := newTestClient(fake, WithRetry(RetryPolicy{MaxAttempts: 1}))

	_, err := c.FetchLogs(context.Background(), 10, 12, contract, TransferTopic)
	if !IsKind(err, KindInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}

	fake.logs = []types.Log{{Address: common.HexToAddress("0x02"), BlockNumber: 10}}
	_, err = c.FetchLogs(context.Background(), 10, 12, contract, TransferTopic)
	if !IsKind(err, KindInvalidResponse) {
		t.Fatalf("expected invalid response for foreign contract, got %v", err)
	}

	if _, err := c.FetchLogs(context.Background(), 12, 10, contract, TransferTopic); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
}

func TestBlockTimeAndChainID(t *testing.T) {
	fake := &fakeRPC{
		headers: map[uint64]*types.Header{7: {Number: big.NewInt(7), Time: 1_700_000_000}},
		chainID: big.NewInt(1),
	}
	c, _ := newTestClient(fake, WithRetry(RetryPolicy{MaxAttempts: 1}))

	ts, err := c.BlockTime(context.Background(), 7)
	if err != nil {
		t.Fatalf("block time: %v", err)
	}
	if ts.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected block time %v", ts)
	}
	if _, err := c.BlockTime(context.Background(), 8); !IsKind(err, KindInvalidResponse) {
		t.Fatalf("expected missing header to be invalid response, got %v", err)
	}
	id, err := c.ChainID(context.Background())
	if err != nil || id.Int64() != 1 {
		t.Fatalf("chain id: %v %v", id, err)
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, 10*time.Second
	cases := map[int]time.Duration{0: 0, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 40: 10 * time.Second}
	for n, want := range cases {
		if got := Backoff(base, ceiling, n); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", n, got, want)
		}
	}
}
