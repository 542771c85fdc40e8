package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devblac/netflow-tower/internal/classify"
	"github.com/devblac/netflow-tower/internal/config"
	"github.com/devblac/netflow-tower/internal/storage"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	t.Setenv("ETH_RPC_URL", "https://eth.example.org/v2/key")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "wrote "+path) {
		t.Fatalf("unexpected output %q", out.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	cl, err := cfg.ActiveClassifier()
	if err != nil {
		t.Fatalf("active classifier: %v", err)
	}
	if cl.Name() != "binance" || len(cl.Addresses()) != 3 {
		t.Fatalf("unexpected classifier %s with %d addresses", cl.Name(), len(cl.Addresses()))
	}

	rootCmd.SetArgs([]string{"init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected init to refuse overwriting")
	}
}

func seededStore(t *testing.T, n int, opts ...storage.Option) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if _, err := store.SeedWatermark(ctx, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var recs []storage.TransferRecord
	for i := 0; i < n; i++ {
		recs = append(recs, storage.TransferRecord{
			BlockNumber: uint64(i + 1),
			TxHash:      "0xtx" + string(rune('a'+i)),
			LogIndex:    uint(i),
			From:        "0x1111111111111111111111111111111111111111",
			To:          "0x2222222222222222222222222222222222222222",
			Amount:      big.NewInt(1_500_000),
			BlockTime:   time.Unix(1_700_000_000, 0),
			Direction:   classify.Inflow,
		})
	}
	if _, err := store.Commit(ctx, recs, uint64(n)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return store
}

func TestAllTransfersPagesThroughHistory(t *testing.T) {
	store := seededStore(t, 7, storage.WithMaxPageSize(3))

	recs, err := allTransfers(context.Background(), store)
	if err != nil {
		t.Fatalf("all transfers: %v", err)
	}
	if len(recs) != 7 {
		t.Fatalf("expected 7 transfers, got %d", len(recs))
	}
	if recs[0].BlockNumber != 7 || recs[6].BlockNumber != 1 {
		t.Fatalf("expected most recent first, got %d..%d", recs[0].BlockNumber, recs[6].BlockNumber)
	}
}

func TestWriteCSV(t *testing.T) {
	store := seededStore(t, 2)
	recs, err := allTransfers(context.Background(), store)
	if err != nil {
		t.Fatalf("all transfers: %v", err)
	}

	var buf bytes.Buffer
	if err := writeCSV(&buf, recs, 6); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "2" || rows[1][5] != "1500000" || rows[1][6] != "1.5" || rows[1][7] != "inflow" {
		t.Fatalf("unexpected row %v", rows[1])
	}
	if rows[1][8] != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected block time %s", rows[1][8])
	}
}

func TestPrintTransfersHint(t *testing.T) {
	store := seededStore(t, 5)
	page, err := store.ListTransfers(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var buf bytes.Buffer
	printTransfers(&buf, page, "USDC", 6)
	out := buf.String()
	if !strings.Contains(out, "showing 1-2 of 5") || !strings.Contains(out, "more available: --offset 2") {
		t.Fatalf("missing pagination hint:\n%s", out)
	}
	if !strings.Contains(out, "1.5 USDC") {
		t.Fatalf("missing formatted amount:\n%s", out)
	}

	buf.Reset()
	printTransfers(&buf, storage.Page{}, "USDC", 6)
	if strings.TrimSpace(buf.String()) != "no transfers recorded" {
		t.Fatalf("unexpected empty output %q", buf.String())
	}
}

func TestPrintNetFlow(t *testing.T) {
	store := seededStore(t, 2)
	agg, err := store.CurrentState(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	var buf bytes.Buffer
	printNetFlow(&buf, agg, "USDC", 6)
	out := buf.String()
	if !strings.Contains(out, "3 USDC") || !strings.Contains(out, "Last processed block:  2") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
