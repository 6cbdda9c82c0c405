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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/horizon-vpn/settlement-hub/internal/api/http"
	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/config"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/bus"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/logging"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/metrics"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/postgres"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/sse"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/consensus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("settlementd stopped")
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.ApplyTimeout,
		Genesis:        ledger.Genesis{Params: cfg.LedgerParams()},
		CommitBuffer:   cfg.CommitBuffer,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("raft shutdown")
		}
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		j := joiner{
			client:  &http.Client{Timeout: 5 * time.Second},
			token:   cfg.ClusterToken,
			retries: cfg.JoinRetries,
			delay:   cfg.JoinRetryDelay,
		}
		if err := j.join(ctx, cfg.JoinEndpoint, cfg.NodeID, cfg.RaftAddr); err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.StartupWaitLeader > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.StartupWaitLeader)
		if leader, err := node.WaitForLeader(waitCtx, 150*time.Millisecond); err == nil {
			logger.Info().Str("leader", leader).Msg("leader elected")
		}
		cancel()
	}

	m := metrics.New()
	hub := sse.NewHub()
	opts := httpapi.Options{
		Logger:       logger,
		Metrics:      m,
		Stream:       hub,
		ClusterToken: cfg.ClusterToken,
	}

	var (
		store     projection.Store
		publisher projection.Publisher
	)

	if cfg.DatabaseURL != "" {
		pool, err := openReadModel(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := postgres.NewReadModelRepository(pool)
		store = repo
		opts.Earnings = repo
		opts.History = projection.NewHistory(postgres.NewEventRepository(pool), logger)
		logger.Info().Msg("postgres read model enabled")
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		publisher = b
		logger.Info().Str("stream", bus.StreamName).Msg("event bus enabled")
	}

	projector := projection.NewService(store, publisher, m, logger).WithLive(hub)
	go projector.Run(ctx, node.Commits())

	apiServer := httpapi.NewServer(node, node.Machine(), opts)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("raft_addr", cfg.RaftAddr).
			Bool("bootstrap", cfg.Bootstrap).
			Msg("settlement http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openReadModel(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return pool, nil
}
