package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmevawala/compound-clone/config"
	"github.com/cmevawala/compound-clone/core"
	"github.com/cmevawala/compound-clone/gateway/middleware"
	"github.com/cmevawala/compound-clone/gateway/routes"
	"github.com/cmevawala/compound-clone/observability/logging"
	"github.com/cmevawala/compound-clone/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Stdout, "lendingd", cfg.Environment, cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, cfg, logger)
	if err != nil {
		logger.Error("failed to build node", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerSecond: float64(cfg.RateLimitPerSec),
		Burst:             cfg.RateLimitBurst,
	}, logger)
	handler := routes.New(routes.Config{Node: node, Logger: logger, RateLimiter: limiter})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Block clock: interest accrues against this ticker, lazily per market.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.BlockIntervalMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				node.AdvanceBlock()
			}
		}
	}()

	go func() {
		logger.Info("gateway listening",
			slog.String("address", cfg.ListenAddress),
			slog.Uint64("height", node.Height()),
			slog.Int("markets", len(node.Markets())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
	}
}
