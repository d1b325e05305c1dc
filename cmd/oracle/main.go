package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wnt/oracle/internal/backup"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/config"
	"github.com/wnt/oracle/internal/fanout"
	"github.com/wnt/oracle/internal/fanout/webhook"
	"github.com/wnt/oracle/internal/fanout/ws"
	"github.com/wnt/oracle/internal/gateway"
	"github.com/wnt/oracle/internal/ingest"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/scorer"
	"github.com/wnt/oracle/internal/store"
)

func main() {
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Info().Str("path", *envFile).Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	lg := logger.New(cfg.LogLevel)

	db, err := store.Connect(cfg.DBPath)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to open database")
	}
	s := store.New(db)

	chainAdapter := chain.NewClient(chain.Config{
		RPCURL:        cfg.RPCURL,
		HeliusAPIKey:  cfg.HeliusAPIKey,
		RateLimit:     rate.Limit(10),
		Burst:         20,
		TokenDecimals: cfg.TokenDecimals,
	}, logger.WithComponent(lg, "chain"))

	calcParams := calculator.Params{
		StaticMinBalance: bigint.NewAmount(cfg.MinBalance),
		TokenLaunchTs:    cfg.TokenLaunchTs,
		OGEarlyWindow:    time.Duration(cfg.OGEarlyWindowDays) * 24 * time.Hour,
		OGHoldThreshold:  time.Duration(cfg.OGHoldThresholdDays) * 24 * time.Hour,
	}
	calc := calculator.NewCached(s, calcParams)

	hub := ws.NewHub(logger.WithComponent(lg, "ws"))
	dispatcher := webhook.NewDispatcher(s, logger.WithComponent(lg, "webhook"))
	sink := fanout.NewSink(hub, dispatcher)

	pipeline := ingest.New(s, chainAdapter, calc, calcParams, sink, ingest.Config{
		Mint:                        cfg.TokenMint,
		WebhookSecret:               cfg.HeliusWebhookSecret,
		PullIntervalSeconds:         cfg.PullIntervalSeconds,
		TokenDecimals:               cfg.TokenDecimals,
		MinBalanceUSD:               cfg.MinBalanceUSD,
		PriceRefreshIntervalSeconds: cfg.PriceRefreshIntervalSeconds,
	}, logger.WithComponent(lg, "ingest"))

	wallets := scorer.NewWalletScorer(s, chainAdapter, scorer.WalletScorerConfig{
		Workers:           cfg.WalletScorerWorkers,
		EcosystemSuffixes: cfg.EcosystemSuffixes,
		PrimaryMint:       cfg.TokenMint,
	}, logger.WithComponent(lg, "wallet_scorer"))

	tokens := scorer.NewTokenScorer(s, chainAdapter, scorer.TokenScorerConfig{
		Workers:     cfg.TokenScorerWorkers,
		TopNHolders: cfg.TokenScorerTopN,
	}, logger.WithComponent(lg, "token_scorer"))

	bk := backup.NewScheduler(db, cfg.BackupDir, cfg.BackupRetain, backup.DefaultSpec, logger.WithComponent(lg, "backup"))
	snap := calculator.NewScheduler(s, calc, calculator.DefaultSnapshotSpec, logger.WithComponent(lg, "snapshot"))

	app := gateway.New(s, chainAdapter, calc, pipeline, hub, dispatcher, wallets, tokens, bk, cfg, lg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go pipeline.Run(ctx)
	go wallets.Run(ctx)
	go tokens.Run(ctx)
	go dispatcher.Run(ctx)

	if err := bk.Start(); err != nil {
		lg.Fatal().Err(err).Msg("failed to start backup scheduler")
	}
	if err := snap.Start(); err != nil {
		lg.Fatal().Err(err).Msg("failed to start snapshot scheduler")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           app.NewRouter(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	lg.Info().Str("addr", server.Addr).Msg("starting oracle server")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	bk.Stop()
	snap.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("graceful shutdown failed")
	}
}
