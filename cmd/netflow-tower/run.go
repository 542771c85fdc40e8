package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/netflow-tower/internal/api"
	"github.com/devblac/netflow-tower/internal/config"
	"github.com/devblac/netflow-tower/internal/engine"
	"github.com/devblac/netflow-tower/internal/health"
	"github.com/devblac/netflow-tower/internal/metrics"
	"github.com/devblac/netflow-tower/internal/sink"
	"github.com/devblac/netflow-tower/internal/source/evm"
	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
	flagAPI     string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one cycle and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Index normally but do not send to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8081)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().StringVar(&flagAPI, "api", "", "Serve the query API alongside the monitor (e.g., :8080)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Index transfers from the chain head onward",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" || flagAPI != "" {
			mtr = metrics.Init()
		}

		rpc, err := dialRPC(ctx, cfg)
		if err != nil {
			return err
		}
		defer rpc.Close()

		chain := evm.NewClient(rpc,
			evm.WithRetry(evm.RetryPolicy{
				MaxAttempts: cfg.Chain.Retry.MaxAttempts,
				BaseDelay:   cfg.Chain.Retry.BaseDelay.Std(),
				MaxDelay:    cfg.Chain.Retry.MaxDelay.Std(),
			}),
			evm.WithRequestTimeout(cfg.Chain.RequestTimeout.Std()),
			evm.WithRateLimit(cfg.Chain.RequestsPerSecond),
			evm.WithLogger(log),
			evm.WithMetrics(mtr),
		)
		if err := checkChainID(ctx, chain, cfg.Chain.ID); err != nil {
			return err
		}

		abis, err := evm.LoadABIs(cfg.Chain.ABIDirs)
		if err != nil {
			return fmt.Errorf("load abis: %w", err)
		}
		classifier, err := cfg.ActiveClassifier()
		if err != nil {
			return err
		}
		detector, err := evm.NewDetector(cfg.Token.ContractAddress(), abis, classifier)
		if err != nil {
			return err
		}

		targets, err := sink.BuildTargets(cfg.Sinks, cfg.Token.Decimals)
		if err != nil {
			return err
		}
		dispatcher := sink.NewDispatcher(targets, sinkToken(cfg, classifier.Name()), store, log, mtr, flagDryRun)
		defer dispatcher.Close()

		monitor, err := engine.NewMonitor(chain, store, detector, engine.Options{
			PollInterval:     cfg.Monitor.PollInterval.Std(),
			BackoffBase:      cfg.Monitor.Backoff.BaseDelay.Std(),
			BackoffMax:       cfg.Monitor.Backoff.MaxDelay.Std(),
			BatchSize:        cfg.Monitor.BatchSize,
			FetchChunk:       cfg.Monitor.FetchChunk,
			FetchConcurrency: cfg.Monitor.FetchConcurrency,
			PersistTimeout:   cfg.Monitor.PersistTimeout.Std(),
			Logger:           log,
			Metrics:          mtr,
			Notifier:         dispatcher,
		})
		if err != nil {
			return err
		}

		// Probes must answer quickly, so they bypass the retry policy.
		probe := evm.NewClient(rpc, evm.WithRetry(evm.RetryPolicy{MaxAttempts: 1}), evm.WithRequestTimeout(3*time.Second), evm.WithLogger(log))
		rpcChecker := health.NewRPCChecker(probe, store)
		checker := health.Checker{
			DBPing:  store.Ping,
			RPCPing: rpcChecker.Ping,
			Lag:     rpcChecker.Lag,
			MaxLag:  cfg.Monitor.MaxLag,
		}

		var servers []*http.Server
		defer func() { shutdownAll(log, servers) }()

		if flagHealth != "" {
			servers = append(servers, health.Serve(flagHealth, checker))
			log.Info("health check enabled", "addr", flagHealth)
		}
		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			servers = append(servers, srv)
			log.Info("metrics enabled", "addr", flagMetrics)
		}
		if flagAPI != "" {
			gin.SetMode(gin.ReleaseMode)
			router := api.NewRouter(store, apiToken(cfg, classifier.Name()), api.Options{
				DefaultPageSize: cfg.API.DefaultPageSize,
				MaxPageSize:     cfg.API.MaxPageSize,
				Health:          health.Handler(checker),
				Metrics:         metrics.Handler(),
				Logger:          log,
			})
			servers = append(servers, api.Serve(flagAPI, router))
			log.Info("query api enabled", "addr", flagAPI)
		}

		if flagOnce {
			res, err := monitor.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("run once: %w", err)
			}
			log.Info("cycle complete",
				"latest", res.Latest,
				"seeded", res.Seeded,
				"batches", res.Batches,
				"recorded", res.Recorded,
				"duplicates", res.Duplicates,
				"dry_run", flagDryRun,
			)
			return nil
		}

		log.Info("monitor starting",
			"token", cfg.Token.Contract,
			"watch", classifier.Name(),
			"addresses", len(classifier.Addresses()),
			"poll_interval", cfg.Monitor.PollInterval.String(),
			"rpc_url", cfg.Chain.RPCURL,
		)
		return monitor.Run(ctx)
	},
}

func dialRPC(ctx context.Context, cfg *config.Config) (*evm.RPCClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RequestTimeout.Std())
	defer cancel()
	return evm.NewRPCClient(dialCtx, cfg.Chain.RPCURL)
}

// checkChainID refuses to index against a node on a different chain. want 0 skips the check.
func checkChainID(ctx context.Context, chain *evm.Client, want uint64) error {
	if want == 0 {
		return nil
	}
	got, err := chain.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if got.Cmp(new(big.Int).SetUint64(want)) != 0 {
		return fmt.Errorf("rpc serves chain %s, config expects %d", got, want)
	}
	return nil
}

func sinkToken(cfg *config.Config, watch string) sink.Token {
	return sink.Token{
		Chain:    evm.Chain,
		Contract: cfg.Token.Contract,
		Symbol:   cfg.Token.Symbol,
		Decimals: cfg.Token.Decimals,
		Watch:    watch,
	}
}

func apiToken(cfg *config.Config, watch string) api.Token {
	return api.Token{
		Contract: cfg.Token.Contract,
		Symbol:   cfg.Token.Symbol,
		Decimals: cfg.Token.Decimals,
		Watch:    watch,
	}
}

func shutdownAll(log *slog.Logger, servers []*http.Server) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
}

var (
	_ engine.Notifier       = (*sink.Dispatcher)(nil)
	_ sink.DeliveryRecorder = (*storage.Store)(nil)
)
