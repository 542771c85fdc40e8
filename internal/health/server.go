package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Lag reports blocks behind the chain head; MaxLag 0 disables the threshold.
	Lag    func(ctx context.Context) (uint64, error)
	MaxLag uint64
}

// Handler serves the health report as JSON: 200 when every configured check passes, 503 otherwise.
func Handler(checker Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]any{"status": "ok"}
		code := http.StatusOK
		fail := func(key string) {
			status[key] = "fail"
			status["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				fail("db")
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				fail("rpc")
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.Lag != nil {
			lag, err := checker.Lag(ctx)
			switch {
			case err != nil:
				fail("sync")
			case checker.MaxLag > 0 && lag > checker.MaxLag:
				fail("sync")
				status["lag"] = lag
			default:
				status["sync"] = "ok"
				status["lag"] = lag
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

// Serve starts a minimal /healthz handler.
func Serve(addr string, checker Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", Handler(checker))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
