package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/devblac/netflow-tower/internal/classify"
	_ "modernc.org/sqlite"
)

// DefaultMaxPageSize bounds ListTransfers when no explicit maximum is configured.
const DefaultMaxPageSize = 1000

var (
	ErrInvalidLimit  = errors.New("limit must be greater than zero")
	ErrInvalidRecord = errors.New("invalid transfer record")
)

// Store wraps SQLite-backed persistence for the transfer log, the ledger aggregate and the watermark.
// All writes are serialized through the store; reads use short transactions and never wait on the writer lock.
type Store struct {
	db          *sql.DB
	writeMu     sync.Mutex
	maxPageSize int
	nowFunc     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxPageSize sets the upper bound applied to ListTransfers limits.
func WithMaxPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPageSize = n
		}
	}
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// Open initializes a SQLite database and runs schema setup.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, maxPageSize: DefaultMaxPageSize, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// MaxPageSize reports the configured ListTransfers bound.
func (s *Store) MaxPageSize() int { return s.maxPageSize }

// busy_timeout is per connection, so it goes into the DSN where every pooled connection picks it up.
func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS transfers (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  block_number  INTEGER NOT NULL,
  tx_hash       TEXT NOT NULL,
  log_index     INTEGER NOT NULL,
  from_address  TEXT NOT NULL,
  to_address    TEXT NOT NULL,
  amount        TEXT NOT NULL,
  block_time    INTEGER NOT NULL,
  direction     TEXT NOT NULL CHECK (direction IN ('inflow', 'outflow')),
  created_at    INTEGER NOT NULL,
  UNIQUE(tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_transfers_order ON transfers(block_number, log_index);

CREATE TABLE IF NOT EXISTS ledger (
  id             INTEGER PRIMARY KEY CHECK (id = 1),
  total_inflow   TEXT NOT NULL DEFAULT '0',
  total_outflow  TEXT NOT NULL DEFAULT '0',
  net_flow       TEXT NOT NULL DEFAULT '0',
  watermark      INTEGER NOT NULL DEFAULT 0,
  initialized    INTEGER NOT NULL DEFAULT 0,
  updated_at     INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO ledger (id) VALUES (1);

CREATE TABLE IF NOT EXISTS deliveries (
  tx_hash       TEXT NOT NULL,
  log_index     INTEGER NOT NULL,
  sink_id       TEXT NOT NULL,
  status        TEXT NOT NULL,
  response_code INTEGER,
  created_at    INTEGER NOT NULL,
  PRIMARY KEY(tx_hash, log_index, sink_id)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TransferRecord is one relevant token transfer. Immutable once written.
type TransferRecord struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Amount      *big.Int
	BlockTime   time.Time
	Direction   classify.Direction
	CreatedAt   time.Time
}

// Aggregate is the singleton ledger row.
type Aggregate struct {
	TotalInflow  *big.Int
	TotalOutflow *big.Int
	NetFlow      *big.Int
	Watermark    uint64
	Initialized  bool
	UpdatedAt    time.Time
}

// CommitResult reports what a batch commit changed.
type CommitResult struct {
	Inserted          []TransferRecord
	Duplicates        int
	WatermarkAdvanced bool
}

func (r TransferRecord) validate() error {
	if r.TxHash == "" {
		return fmt.Errorf("%w: tx hash required", ErrInvalidRecord)
	}
	if r.From == "" || r.To == "" {
		return fmt.Errorf("%w: from and to required", ErrInvalidRecord)
	}
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidRecord)
	}
	if r.Direction != classify.Inflow && r.Direction != classify.Outflow {
		return fmt.Errorf("%w: direction %q", ErrInvalidRecord, r.Direction)
	}
	return nil
}

// Record inserts the transfer and applies it to the aggregate in one transaction.
// A transfer whose (tx hash, log index) is already stored is a no-op; inserted is false in that case.
func (s *Store) Record(ctx context.Context, rec TransferRecord) (inserted bool, err error) {
	if err := rec.validate(); err != nil {
		return false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err = s.recordTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// AdvanceWatermark moves the watermark forward. Heights at or below the current watermark are ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, height uint64) (advanced bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		advanced, err = s.advanceTx(ctx, tx, height)
		return err
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// Commit records every transfer of a processed batch and advances the watermark to height,
// all in one transaction. Readers see either none or all of the batch.
func (s *Store) Commit(ctx context.Context, recs []TransferRecord, height uint64) (CommitResult, error) {
	for _, r := range recs {
		if err := r.validate(); err != nil {
			return CommitResult{}, err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res CommitResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res = CommitResult{}
		for _, r := range recs {
			ok, err := s.recordTx(ctx, tx, r)
			if err != nil {
				return err
			}
			if ok {
				res.Inserted = append(res.Inserted, r)
			} else {
				res.Duplicates++
			}
		}
		advanced, err := s.advanceTx(ctx, tx, height)
		if err != nil {
			return err
		}
		res.WatermarkAdvanced = advanced
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

// SeedWatermark sets the initial watermark on a ledger that has never been seeded.
// It returns false if the ledger was already initialized.
func (s *Store) SeedWatermark(ctx context.Context, height uint64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
UPDATE ledger SET watermark = ?, initialized = 1, updated_at = ?
WHERE id = 1 AND initialized = 0;
`, height, s.nowFunc().Unix())
	if err != nil {
		return false, fmt.Errorf("seed watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed watermark: %w", err)
	}
	return n == 1, nil
}

// Watermark returns the last fully processed height; ok is false before the ledger is seeded.
func (s *Store) Watermark(ctx context.Context) (height uint64, ok bool, err error) {
	var initialized int
	row := s.db.QueryRowContext(ctx, `SELECT watermark, initialized FROM ledger WHERE id = 1;`)
	if err := row.Scan(&height, &initialized); err != nil {
		return 0, false, fmt.Errorf("get watermark: %w", err)
	}
	return height, initialized == 1, nil
}

// CurrentState is a point-in-time read of the aggregate.
func (s *Store) CurrentState(ctx context.Context) (Aggregate, error) {
	var (
		inflow, outflow, net string
		agg                  Aggregate
		initialized          int
		updated              int64
	)
	row := s.db.QueryRowContext(ctx, `
SELECT total_inflow, total_outflow, net_flow, watermark, initialized, updated_at
FROM ledger WHERE id = 1;
`)
	if err := row.Scan(&inflow, &outflow, &net, &agg.Watermark, &initialized, &updated); err != nil {
		return Aggregate{}, fmt.Errorf("get ledger: %w", err)
	}
	var err error
	if agg.TotalInflow, err = parseAmount(inflow); err != nil {
		return Aggregate{}, err
	}
	if agg.TotalOutflow, err = parseAmount(outflow); err != nil {
		return Aggregate{}, err
	}
	if agg.NetFlow, err = parseAmount(net); err != nil {
		return Aggregate{}, err
	}
	agg.Initialized = initialized == 1
	agg.UpdatedAt = fromUnix(updated)
	return agg, nil
}

// Page is one slice of the transfer history.
type Page struct {
	Transfers []TransferRecord
	Total     uint64
	Limit     int
	Offset    int
	HasMore   bool
}

// ListTransfers returns transfers ordered by (block, log index) descending.
// limit is capped at the store's maximum page size.
func (s *Store) ListTransfers(ctx context.Context, limit, offset int) (Page, error) {
	if limit <= 0 {
		return Page{}, ErrInvalidLimit
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("offset must not be negative")
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Page{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	page := Page{Limit: limit, Offset: offset}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers;`).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count transfers: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT block_number, tx_hash, log_index, from_address, to_address, amount, block_time, direction, created_at
FROM transfers
ORDER BY block_number DESC, log_index DESC
LIMIT ? OFFSET ?;
`, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return Page{}, err
		}
		page.Transfers = append(page.Transfers, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list transfers: %w", err)
	}
	page.HasMore = uint64(offset)+uint64(len(page.Transfers)) < page.Total
	return page, nil
}

// GetTransfer looks up a transfer by its idempotency key.
func (s *Store) GetTransfer(ctx context.Context, txHash string, logIndex uint) (TransferRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT block_number, tx_hash, log_index, from_address, to_address, amount, block_time, direction, created_at
FROM transfers WHERE tx_hash = ? AND log_index = ?;
`, txHash, logIndex)
	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, false, nil
	}
	if err != nil {
		return TransferRecord{}, false, err
	}
	return rec, true, nil
}

// TransferCount returns the number of stored transfers.
func (s *Store) TransferCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}

// Delivery represents a notification attempt for a recorded transfer.
type Delivery struct {
	TxHash       string
	LogIndex     uint
	SinkID       string
	Status       string
	ResponseCode int
	CreatedAt    time.Time
}

// RecordDelivery stores the latest notification outcome for a transfer/sink pair.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.TxHash == "" || d.SinkID == "" || d.Status == "" {
		return errors.New("tx_hash, sink_id, and status are required")
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = s.nowFunc()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deliveries (tx_hash, log_index, sink_id, status, response_code, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, log_index, sink_id) DO UPDATE SET
  status=excluded.status,
  response_code=excluded.response_code,
  created_at=excluded.created_at;
`, d.TxHash, d.LogIndex, d.SinkID, d.Status, d.ResponseCode, created.Unix())
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// DeliveryStatus returns the stored status for a transfer/sink pair.
func (s *Store) DeliveryStatus(ctx context.Context, txHash string, logIndex uint, sinkID string) (string, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
SELECT status FROM deliveries WHERE tx_hash = ? AND log_index = ? AND sink_id = ?;
`, txHash, logIndex, sinkID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get delivery: %w", err)
	}
	return status, true, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) recordTx(ctx context.Context, tx *sql.Tx, rec TransferRecord) (bool, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.nowFunc()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO transfers (block_number, tx_hash, log_index, from_address, to_address, amount, block_time, direction, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, log_index) DO NOTHING;
`, rec.BlockNumber, rec.TxHash, rec.LogIndex, rec.From, rec.To, rec.Amount.String(), rec.BlockTime.Unix(), string(rec.Direction), created.Unix())
	if err != nil {
		return false, fmt.Errorf("insert transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transfer: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	var inflowStr, outflowStr string
	if err := tx.QueryRowContext(ctx, `SELECT total_inflow, total_outflow FROM ledger WHERE id = 1;`).Scan(&inflowStr, &outflowStr); err != nil {
		return false, fmt.Errorf("read ledger: %w", err)
	}
	inflow, err := parseAmount(inflowStr)
	if err != nil {
		return false, err
	}
	outflow, err := parseAmount(outflowStr)
	if err != nil {
		return false, err
	}
	switch rec.Direction {
	case classify.Inflow:
		inflow.Add(inflow, rec.Amount)
	case classify.Outflow:
		outflow.Add(outflow, rec.Amount)
	}
	net := new(big.Int).Sub(inflow, outflow)

	if _, err := tx.ExecContext(ctx, `
UPDATE ledger SET total_inflow = ?, total_outflow = ?, net_flow = ?, updated_at = ?
WHERE id = 1;
`, inflow.String(), outflow.String(), net.String(), s.nowFunc().Unix()); err != nil {
		return false, fmt.Errorf("update ledger: %w", err)
	}
	return true, nil
}

func (s *Store) advanceTx(ctx context.Context, tx *sql.Tx, height uint64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE ledger SET watermark = ?, initialized = 1, updated_at = ?
WHERE id = 1 AND (watermark < ? OR initialized = 0);
`, height, s.nowFunc().Unix(), height)
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (TransferRecord, error) {
	var (
		rec            TransferRecord
		amount, dir    string
		blockTime, cre int64
	)
	if err := row.Scan(&rec.BlockNumber, &rec.TxHash, &rec.LogIndex, &rec.From, &rec.To, &amount, &blockTime, &dir, &cre); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransferRecord{}, err
		}
		return TransferRecord{}, fmt.Errorf("scan transfer: %w", err)
	}
	var err error
	if rec.Amount, err = parseAmount(amount); err != nil {
		return TransferRecord{}, err
	}
	if rec.Direction, err = classify.ParseDirection(dir); err != nil {
		return TransferRecord{}, err
	}
	rec.BlockTime = fromUnix(blockTime)
	rec.CreatedAt = fromUnix(cre)
	return rec, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
