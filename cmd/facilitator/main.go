package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	facilitator "github.com/latinumai/x402-facilitator"
	"github.com/latinumai/x402-facilitator/config"
	"github.com/latinumai/x402-facilitator/feepayer"
	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/metrics"
	"github.com/latinumai/x402-facilitator/server"
	"github.com/latinumai/x402-facilitator/tracing"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "facilitator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.Log.Level)
	if z, ok := log.(*logger.ZapLogger); ok {
		defer func() { _ = z.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "x402-facilitator", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown error", map[string]any{"error": err.Error()})
		}
	}()

	// A missing key only disables Solana co-signing.
	var opts []facilitator.Option
	key, err := feepayer.Load(cfg.FeePayer)
	switch {
	case errors.Is(err, feepayer.ErrNotConfigured):
		log.Warn("fee payer key not configured; Solana payments will fail", nil)
	case err != nil:
		return err
	default:
		log.Info("fee payer loaded", map[string]any{"pubkey": key.String()})
	}

	opts = append(opts,
		facilitator.WithLogger(log),
		facilitator.WithMetrics(metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)),
		facilitator.WithTimeout(cfg.RPC.LookupTimeout),
		facilitator.WithPollInterval(cfg.RPC.PollInterval),
		facilitator.WithConfirmations(cfg.Base.Confirmations),
		facilitator.WithRateLimit(cfg.RPC.RateLimit, cfg.RPC.Burst),
		facilitator.WithTokenCache(cfg.Tokens.CacheSize, cfg.Tokens.CacheTTL),
		facilitator.WithDefaultNetworks(
			types.NetworkTier(cfg.Solana.DefaultNetwork),
			types.NetworkTier(cfg.Base.DefaultNetwork),
		),
	)

	// keep a nil *Key from becoming a non-nil Signer
	var f *facilitator.Facilitator
	if key != nil {
		f = facilitator.New(key, opts...)
	} else {
		f = facilitator.New(nil, opts...)
	}
	defer f.Close()

	for network, url := range cfg.SolanaRPC() {
		if err := f.AddNetwork(types.ChainSolana, network, url); err != nil {
			return err
		}
	}
	for network, url := range cfg.BaseRPC() {
		if err := f.AddNetwork(types.ChainBase, network, url); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     server.New(f, server.WithLogger(log), server.WithRequestTimeout(cfg.Server.RequestTimeout)).Handler(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("facilitator listening", map[string]any{"addr": srv.Addr, "version": facilitator.Version})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
