package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/netflow-tower/internal/api"
	"github.com/devblac/netflow-tower/internal/health"
	"github.com/devblac/netflow-tower/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var flagServeAddr string

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (defaults to api.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only query API without indexing",
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

		classifier, err := cfg.ActiveClassifier()
		if err != nil {
			return err
		}

		addr := flagServeAddr
		if addr == "" {
			addr = cfg.API.Addr
		}

		metrics.Init()
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(store, apiToken(cfg, classifier.Name()), api.Options{
			DefaultPageSize: cfg.API.DefaultPageSize,
			MaxPageSize:     cfg.API.MaxPageSize,
			Health:          health.Handler(health.Checker{DBPing: store.Ping}),
			Metrics:         metrics.Handler(),
			Logger:          log,
		})

		srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 3 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("query api listening", "addr", addr, "db_path", cfg.Global.DBPath)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("query api shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}
