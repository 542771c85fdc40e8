package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthEndpoint(t *testing.T) {
	lagOf := func(n uint64) func(context.Context) (uint64, error) {
		return func(context.Context) (uint64, error) { return n, nil }
	}
	tests := []struct {
		name       string
		checker    Checker
		wantCode   int
		wantStatus string
		wantDB     string
		wantRPC    string
		wantSync   string
	}{
		{
			name: "all_ok",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return nil },
				Lag:     lagOf(3),
				MaxLag:  10,
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantDB:     "ok",
			wantRPC:    "ok",
			wantSync:   "ok",
		},
		{
			name: "db_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return context.DeadlineExceeded },
				RPCPing: func(ctx context.Context) error { return nil },
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantDB:     "fail",
			wantRPC:    "ok",
		},
		{
			name: "rpc_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return context.DeadlineExceeded },
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantDB:     "ok",
			wantRPC:    "fail",
		},
		{
			name:       "lag_exceeded",
			checker:    Checker{Lag: lagOf(50), MaxLag: 10},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantSync:   "fail",
		},
		{
			name:       "lag_unbounded",
			checker:    Checker{Lag: lagOf(5000)},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantSync:   "ok",
		},
		{
			name:       "no_checkers",
			checker:    Checker{},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
			w := httptest.NewRecorder()

			Handler(tt.checker).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}

			var resp map[string]any
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}

			if resp["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", resp["status"], tt.wantStatus)
			}
			if tt.wantDB != "" && resp["db"] != tt.wantDB {
				t.Errorf("db = %v, want %q", resp["db"], tt.wantDB)
			}
			if tt.wantRPC != "" && resp["rpc"] != tt.wantRPC {
				t.Errorf("rpc = %v, want %q", resp["rpc"], tt.wantRPC)
			}
			if tt.wantSync != "" && resp["sync"] != tt.wantSync {
				t.Errorf("sync = %v, want %q", resp["sync"], tt.wantSync)
			}
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := Serve("127.0.0.1:0", Checker{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Shutdown(ctx, srv); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

type fakeHead struct {
	head uint64
	err  error
}

func (f fakeHead) LatestHeight(context.Context) (uint64, error) { return f.head, f.err }

type fakeWatermark struct {
	wm uint64
	ok bool
}

func (f fakeWatermark) Watermark(context.Context) (uint64, bool, error) { return f.wm, f.ok, nil }

func TestRPCChecker(t *testing.T) {
	ctx := context.Background()

	c := NewRPCChecker(fakeHead{head: 120}, fakeWatermark{wm: 100, ok: true})
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	lag, err := c.Lag(ctx)
	if err != nil || lag != 20 {
		t.Fatalf("lag = %d, %v; want 20", lag, err)
	}

	unseeded := NewRPCChecker(fakeHead{head: 120}, fakeWatermark{})
	if lag, _ := unseeded.Lag(ctx); lag != 0 {
		t.Fatalf("unseeded ledger should report zero lag, got %d", lag)
	}

	down := NewRPCChecker(fakeHead{err: errors.New("connection refused")}, fakeWatermark{})
	if err := down.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail")
	}
	if _, err := down.Lag(ctx); err == nil {
		t.Fatalf("expected lag to fail")
	}
}
