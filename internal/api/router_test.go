package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/netflow-tower/internal/classify"
	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testToken = Token{Contract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Decimals: 6, Watch: "exchange"}

func newTestRouter(t *testing.T) (*gin.Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	r := NewRouter(store, testToken, Options{
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		Health:          http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return r, store
}

func seedTransfers(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.SeedWatermark(ctx, 99); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var recs []storage.TransferRecord
	for i := 0; i < n; i++ {
		dir := classify.Inflow
		if i%2 == 1 {
			dir = classify.Outflow
		}
		recs = append(recs, storage.TransferRecord{
			BlockNumber: uint64(100 + i),
			TxHash:      "0x" + string(rune('a'+i)),
			LogIndex:    0,
			From:        "0x1111111111111111111111111111111111111111",
			To:          "0x2222222222222222222222222222222222222222",
			Amount:      big.NewInt(int64(i+1) * 1_000_000),
			BlockTime:   time.Unix(1_700_000_000+int64(i), 0).UTC(),
			Direction:   dir,
		})
	}
	if _, err := store.Commit(ctx, recs, uint64(100+n)); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func get(t *testing.T, r http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestNetFlowFreshLedger(t *testing.T) {
	r, _ := newTestRouter(t)

	var body map[string]any
	if code := get(t, r, "/net-flow", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["net_flow"] != "0" || body["total_inflow"] != "0" {
		t.Fatalf("unexpected totals %+v", body)
	}
	if body["last_processed_block"] != nil {
		t.Fatalf("expected no watermark before seeding, got %v", body["last_processed_block"])
	}
}

func TestNetFlowTotals(t *testing.T) {
	r, store := newTestRouter(t)
	seedTransfers(t, store, 3)

	var body netFlowResponse
	if code := get(t, r, "/net-flow", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	// inflows 1 + 3, outflow 2
	if body.TotalInflow != "4000000" || body.TotalOutflow != "2000000" || body.NetFlow != "2000000" {
		t.Fatalf("unexpected totals %+v", body)
	}
	if body.NetFlowFormatted != "2" {
		t.Fatalf("unexpected formatted net flow %q", body.NetFlowFormatted)
	}
	if body.LastProcessedBlock == nil || *body.LastProcessedBlock != 103 {
		t.Fatalf("unexpected watermark %v", body.LastProcessedBlock)
	}
}

func TestStatus(t *testing.T) {
	r, store := newTestRouter(t)
	seedTransfers(t, store, 2)

	var body statusResponse
	if code := get(t, r, "/status", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !body.Initialized || body.TransferCount != 2 || *body.LastProcessedBlock != 102 {
		t.Fatalf("unexpected status %+v", body)
	}
}

func TestTransactionsPagination(t *testing.T) {
	r, store := newTestRouter(t)
	seedTransfers(t, store, 5)

	var body transactionsResponse
	if code := get(t, r, "/transactions?limit=2", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Transactions) != 2 || !body.HasMore || body.Total != 5 {
		t.Fatalf("unexpected page %+v", body)
	}
	if body.Transactions[0].BlockNumber != 104 || body.Transactions[1].BlockNumber != 103 {
		t.Fatalf("expected most recent first, got %d, %d", body.Transactions[0].BlockNumber, body.Transactions[1].BlockNumber)
	}

	body = transactionsResponse{}
	if code := get(t, r, "/transactions?limit=2&offset=4", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Transactions) != 1 || body.HasMore {
		t.Fatalf("unexpected last page %+v", body)
	}
	if body.Transactions[0].AmountFormatted != "1" {
		t.Fatalf("unexpected amount %q", body.Transactions[0].AmountFormatted)
	}
}

func TestTransactionsRejectsBadParams(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{
		"/transactions?limit=0",
		"/transactions?limit=1001",
		"/transactions?limit=abc",
		"/transactions?offset=-1",
	} {
		if code := get(t, r, path, nil); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, code)
		}
	}
}

type failingLedger struct{}

func (failingLedger) CurrentState(context.Context) (storage.Aggregate, error) {
	return storage.Aggregate{}, errors.New("disk I/O error")
}

func (failingLedger) ListTransfers(context.Context, int, int) (storage.Page, error) {
	return storage.Page{}, errors.New("disk I/O error")
}

func (failingLedger) TransferCount(context.Context) (uint64, error) {
	return 0, errors.New("disk I/O error")
}

func TestStoreFailureIs500(t *testing.T) {
	r := NewRouter(failingLedger{}, testToken, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, path := range []string{"/net-flow", "/status", "/transactions"} {
		if code := get(t, r, path, nil); code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, code)
		}
	}
}

func TestHealthMounted(t *testing.T) {
	r, _ := newTestRouter(t)
	if code := get(t, r, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := get(t, r, "/metrics", nil); code != http.StatusNotFound {
		t.Fatalf("expected unmounted metrics to 404, got %d", code)
	}
}
