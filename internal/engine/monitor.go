package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/devblac/netflow-tower/internal/metrics"
	"github.com/devblac/netflow-tower/internal/source/evm"
	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// State is a step of the poll cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateFetching
	StateClassifying
	StatePersisting
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StatePersisting:
		return "persisting"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ChainClient is the chain access the monitor needs.
type ChainClient interface {
	LatestHeight(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, from, to uint64, contract common.Address, topic common.Hash) ([]types.Log, error)
	BlockTime(ctx context.Context, height uint64) (time.Time, error)
}

// Ledger is the persistence the monitor writes through.
type Ledger interface {
	Watermark(ctx context.Context) (uint64, bool, error)
	SeedWatermark(ctx context.Context, height uint64) (bool, error)
	Commit(ctx context.Context, recs []storage.TransferRecord, height uint64) (storage.CommitResult, error)
}

// Notifier receives transfers after they are durably recorded.
type Notifier interface {
	Notify(ctx context.Context, recs []storage.TransferRecord)
}

// Options tunes the poll loop.
type Options struct {
	PollInterval     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BatchSize        uint64
	FetchChunk       uint64
	FetchConcurrency int
	PersistTimeout   time.Duration

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 12 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.FetchChunk == 0 || o.FetchChunk > o.BatchSize {
		o.FetchChunk = o.BatchSize
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 1
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Latest       uint64
	From         uint64
	To           uint64
	Seeded       bool
	Batches      int
	Recorded     int
	Duplicates   int
	Irrelevant   int
	DecodeErrors int
}

// Monitor drives the poll cycle: find unprocessed heights, fetch and classify their logs,
// then commit the relevant transfers together with the watermark.
type Monitor struct {
	chain    ChainClient
	ledger   Ledger
	detector *evm.Detector
	opts     Options
	logger   *slog.Logger

	state    atomic.Int32
	failures int
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewMonitor wires a monitor. The ledger must be the only writer of the store.
func NewMonitor(chain ChainClient, ledger Ledger, detector *evm.Detector, opts Options) (*Monitor, error) {
	if chain == nil || ledger == nil || detector == nil {
		return nil, errors.New("monitor: chain, ledger and detector are required")
	}
	opts.setDefaults()
	return &Monitor{
		chain:    chain,
		ledger:   ledger,
		detector: detector,
		opts:     opts,
		logger:   opts.Logger.With("component", "monitor"),
		sleep:    sleepCtx,
	}, nil
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	m.opts.Metrics.SetMonitorState(int(s))
}

// Run polls until ctx is cancelled. Failed cycles back off exponentially; the unprocessed range
// is retried from the same watermark. Cancellation is observed between batches only.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started",
		"contract", strings.ToLower(m.detector.Contract().Hex()),
		"classifier", m.detector.Classifier().Name(),
		"poll_interval", m.opts.PollInterval,
		"batch_size", m.opts.BatchSize,
	)
	for {
		res, err := m.RunOnce(ctx)
		if ctx.Err() != nil {
			m.setState(StateIdle)
			m.logger.Info("monitor stopped")
			return nil
		}
		delay := m.opts.PollInterval
		if err != nil {
			m.failures++
			m.opts.Metrics.CycleFailed()
			delay = m.backoffDelay()
			m.setState(StateBackoff)
			m.logger.Warn("cycle failed, backing off", "err", err, "failures", m.failures, "delay", delay)
		} else {
			if m.failures > 0 {
				m.logger.Info("cycle recovered", "after_failures", m.failures)
			}
			m.failures = 0
			if res.Batches > 0 {
				m.logger.Info("cycle complete",
					"from", res.From, "to", res.To, "recorded", res.Recorded,
					"duplicates", res.Duplicates, "decode_errors", res.DecodeErrors)
			}
		}
		if err := m.sleep(ctx, delay); err != nil {
			m.setState(StateIdle)
			m.logger.Info("monitor stopped")
			return nil
		}
		m.setState(StateIdle)
	}
}

// backoffDelay is BackoffBase * 2^(failures-1), capped at BackoffMax.
func (m *Monitor) backoffDelay() time.Duration {
	return evm.Backoff(m.opts.BackoffBase, m.opts.BackoffMax, m.failures)
}

// RunOnce processes [watermark+1, latest] in batches. On the very first run the watermark is
// seeded at the chain head and nothing is processed. Any error aborts the current batch without
// moving the watermark. A cancelled ctx stops before the next batch and returns ctx.Err().
func (m *Monitor) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	m.setState(StatePolling)
	defer m.setState(StateIdle)

	latest, err := m.chain.LatestHeight(ctx)
	if err != nil {
		return res, fmt.Errorf("latest height: %w", err)
	}
	res.Latest = latest
	m.opts.Metrics.SetChainHead(latest)

	watermark, ok, err := m.ledger.Watermark(ctx)
	if err != nil {
		return res, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		seeded, err := m.ledger.SeedWatermark(ctx, latest)
		if err != nil {
			return res, fmt.Errorf("seed watermark: %w", err)
		}
		res.Seeded = seeded
		m.opts.Metrics.SetWatermark(latest)
		m.logger.Info("watermark seeded at chain head", "height", latest)
		return res, nil
	}
	m.opts.Metrics.SetWatermark(watermark)
	if latest <= watermark {
		return res, nil
	}

	res.From = watermark + 1
	for from := watermark + 1; from <= latest; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		to := from + m.opts.BatchSize - 1
		if to > latest || to < from {
			to = latest
		}
		br, err := m.processBatch(ctx, from, to)
		res.Irrelevant += br.irrelevant
		res.DecodeErrors += br.decodeErrors
		if err != nil {
			return res, fmt.Errorf("batch [%d, %d]: %w", from, to, err)
		}
		res.Batches++
		res.To = to
		res.Recorded += br.recorded
		res.Duplicates += br.duplicates
		if to == latest {
			break
		}
		from = to + 1
	}
	return res, nil
}

type batchResult struct {
	recorded     int
	duplicates   int
	irrelevant   int
	decodeErrors int
}

func (m *Monitor) processBatch(ctx context.Context, from, to uint64) (batchResult, error) {
	var br batchResult

	m.setState(StateFetching)
	logs, err := m.fetchLogs(ctx, from, to)
	if err != nil {
		return br, err
	}

	m.setState(StateClassifying)
	det := m.detector.Detect(logs)
	br.irrelevant = det.Irrelevant
	br.decodeErrors = len(det.Errors)
	for _, de := range det.Errors {
		m.logger.Warn("skipping undecodable log", "err", de)
	}
	m.opts.Metrics.DecodeErrors(len(det.Errors))

	recs, err := m.toRecords(ctx, det.Transfers)
	if err != nil {
		return br, err
	}

	m.setState(StatePersisting)
	// The commit runs to completion even when shutdown is requested mid-batch.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
	cr, err := m.ledger.Commit(pctx, recs, to)
	cancel()
	if err != nil {
		return br, fmt.Errorf("commit: %w", err)
	}
	br.recorded = len(cr.Inserted)
	br.duplicates = cr.Duplicates

	m.opts.Metrics.BlocksProcessed(to - from + 1)
	m.opts.Metrics.SetWatermark(to)
	m.opts.Metrics.TransfersDuplicate(cr.Duplicates)
	for _, r := range cr.Inserted {
		m.opts.Metrics.TransferRecorded(string(r.Direction))
		m.logger.Info("transfer recorded",
			"direction", r.Direction, "block", r.BlockNumber, "tx", r.TxHash,
			"log_index", r.LogIndex, "amount", r.Amount.String())
	}
	if m.opts.Notifier != nil && len(cr.Inserted) > 0 {
		m.opts.Notifier.Notify(ctx, cr.Inserted)
	}
	return br, nil
}

// fetchLogs splits [from, to] into FetchChunk sub-ranges fetched with bounded concurrency,
// then returns the merged logs ordered by (block, log index).
func (m *Monitor) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var ranges [][2]uint64
	for lo := from; lo <= to; {
		hi := lo + m.opts.FetchChunk - 1
		if hi > to || hi < lo {
			hi = to
		}
		ranges = append(ranges, [2]uint64{lo, hi})
		if hi == to {
			break
		}
		lo = hi + 1
	}

	parts := make([][]types.Log, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.FetchConcurrency)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			logs, err := m.chain.FetchLogs(gctx, r[0], r[1], m.detector.Contract(), m.detector.Topic())
			if err != nil {
				return err
			}
			parts[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.Log
	for _, p := range parts {
		merged = append(merged, p...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

// toRecords attaches block timestamps, fetching each block's header at most once.
func (m *Monitor) toRecords(ctx context.Context, transfers []evm.Transfer) ([]storage.TransferRecord, error) {
	if len(transfers) == 0 {
		return nil, nil
	}
	times := map[uint64]time.Time{}
	recs := make([]storage.TransferRecord, 0, len(transfers))
	for _, tr := range transfers {
		ts, ok := times[tr.BlockNumber]
		if !ok {
			var err error
			ts, err = m.chain.BlockTime(ctx, tr.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("block time %d: %w", tr.BlockNumber, err)
			}
			times[tr.BlockNumber] = ts
		}
		recs = append(recs, storage.TransferRecord{
			BlockNumber: tr.BlockNumber,
			TxHash:      tr.TxHash.Hex(),
			LogIndex:    tr.LogIndex,
			From:        strings.ToLower(tr.From.Hex()),
			To:          strings.ToLower(tr.To.Hex()),
			Amount:      tr.Amount,
			BlockTime:   ts,
			Direction:   tr.Direction,
		})
	}
	return recs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
