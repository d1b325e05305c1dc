// Package scorer runs the two background worker pools that keep derived
// conviction scores warm: the Wallet Scorer (K_wallet, spec §4.5) and the
// Token Scorer (per-token holder snapshots feeding cross-token history,
// spec §4.6). Both follow the same dequeue-process-complete/fail loop
// shape, pointed at the Store's SQL lease queues rather than the
// in-memory/Redis queue the teacher's worker pool used.
package scorer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/metrics"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

// WalletScorerConfig tunes the pool (spec §4.5 defaults).
type WalletScorerConfig struct {
	Workers           int
	LeaseDuration     time.Duration
	MaxAttempts       int
	StaleAfter        time.Duration
	ScanInterval      time.Duration
	MaxPagesPerWallet int

	// EcosystemSuffixes restricts K_wallet to mints whose identifier ends
	// with one of these, case-insensitive (spec: "a cross-token score for
	// a single wallet across all tokens it has ever held in a recognized
	// ecosystem"). A nil/empty set admits every mint.
	EcosystemSuffixes []string

	// PrimaryMint is the token this oracle is the Gateway of record for;
	// its retention is taken from the Store's own cost-basis row rather
	// than the Chain Adapter's cross-token snapshot, since the Store's
	// value is continuously kept current by the Ingest Pipeline (spec
	// §4.5 step 4: "overwrite the retention for the primary mint with the
	// authoritative value from the Store if present").
	PrimaryMint string
}

func (c *WalletScorerConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.MaxPagesPerWallet <= 0 {
		c.MaxPagesPerWallet = 20
	}
}

// WalletScorer computes K_wallet for addresses popped off the
// k_wallet_queue: the percentage of the wallet's SPL token positions
// whose Classify(retention) is accumulator or maintained (retention of
// at least 1.0), each position counting once (spec §4.5's cross-token
// conviction score).
type WalletScorer struct {
	store  store.Store
	chain  chain.Adapter
	cfg    WalletScorerConfig
	log    zerolog.Logger
}

func NewWalletScorer(s store.Store, adapter chain.Adapter, cfg WalletScorerConfig, log zerolog.Logger) *WalletScorer {
	cfg.setDefaults()
	return &WalletScorer{store: s, chain: adapter, cfg: cfg, log: logger.WithComponent(log, "wallet_scorer")}
}

// Run launches the worker pool and the staleness scanner, blocking until
// ctx is cancelled.
func (ws *WalletScorer) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < ws.cfg.Workers; i++ {
		id := fmt.Sprintf("wallet-%d", i)
		go ws.runWorker(ctx, id, done)
	}
	go ws.runStalenessScanner(ctx)

	<-ctx.Done()
	for i := 0; i < ws.cfg.Workers; i++ {
		<-done
	}
}

func (ws *WalletScorer) runWorker(ctx context.Context, id string, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	workerLog := logger.WithWorker(ws.log, id)
	workerLog.Info().Msg("wallet scorer worker starting")
	metrics.WorkersActive.WithLabelValues("wallet_scorer").Inc()
	defer metrics.WorkersActive.WithLabelValues("wallet_scorer").Dec()

	for {
		select {
		case <-ctx.Done():
			workerLog.Info().Msg("wallet scorer worker stopping")
			return
		default:
		}

		worked, err := ws.processOne(ctx, workerLog)
		if err != nil {
			workerLog.Error().Err(err).Msg("wallet scorer iteration failed")
		}
		if !worked {
			select {
			case <-time.After(jitter(3 * time.Second)):
			case <-ctx.Done():
				return
			}
		}
	}
}

// processOne dequeues at most one entry and scores it; returns worked=false
// when the queue was empty so the caller can back off.
func (ws *WalletScorer) processOne(ctx context.Context, log zerolog.Logger) (bool, error) {
	entry, err := ws.store.DequeueKWallet(ctx, ws.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	walletLog := logger.WithWallet(log, entry.Key)
	start := time.Now()

	if err := ws.score(ctx, entry.Key); err != nil {
		metrics.RecordWorkerTaskDuration("wallet_score_failed", time.Since(start).Seconds())
		if aerr, ok := apperr.As(err); ok && aerr.Kind == apperr.KindTransient {
			walletLog.Warn().Err(err).Int("attempts", entry.Attempts+1).Msg("transient failure, will retry")
		} else {
			walletLog.Error().Err(err).Msg("permanent scoring failure")
		}
		if failErr := ws.store.FailKWallet(ctx, entry.Key, err); failErr != nil {
			walletLog.Error().Err(failErr).Msg("failed to record failure")
		}
		return true, nil
	}

	metrics.RecordWorkerTaskDuration("wallet_score", time.Since(start).Seconds())
	if err := ws.store.CompleteKWallet(ctx, entry.Key); err != nil {
		walletLog.Error().Err(err).Msg("failed to mark complete")
	}
	walletLog.Debug().Dur("duration", time.Since(start)).Msg("wallet scored")
	return true, nil
}

// score computes and persists K_wallet for a single address: the
// percentage of the in-scope mints in its cross-token history whose
// retention classifies as accumulator or maintained (spec §4.5).
func (ws *WalletScorer) score(ctx context.Context, wallet string) error {
	positions, err := ws.chain.CrossTokenHistory(ctx, wallet, ws.cfg.MaxPagesPerWallet)
	if err != nil {
		return fmt.Errorf("cross token history: %w", err)
	}
	if len(positions) == 0 {
		return ws.store.UpdateKWallet(ctx, wallet, 0, 0, 0)
	}

	watermark, err := ws.store.LastProcessedSlot(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	primaryWallet, err := ws.primaryWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("read primary wallet: %w", err)
	}

	var sumScore float64
	analyzed := 0
	for mint, pos := range positions {
		if !ws.inEcosystem(mint) {
			continue
		}

		var retention float64
		if primaryWallet != nil && mint == ws.cfg.PrimaryMint {
			retention = calculator.Retention(primaryWallet.CurrentBalance, primaryWallet.FirstBuyAmount)
		} else {
			if pos.FirstBuyAmount.Zero() {
				continue
			}
			retention = calculator.Retention(pos.Current, pos.FirstBuyAmount)
		}
		sumScore += classificationScore(calculator.Classify(retention))
		analyzed++
	}
	if analyzed == 0 {
		return ws.store.UpdateKWallet(ctx, wallet, 0, 0, watermark)
	}

	kWallet := 100 * sumScore / float64(analyzed)
	return ws.store.UpdateKWallet(ctx, wallet, kWallet, analyzed, watermark)
}

// primaryWallet loads the Store's own cost-basis row for wallet, used to
// override the Chain Adapter's cross-token snapshot for the primary
// mint (spec §4.5 step 4). Returns nil, nil if PrimaryMint isn't
// configured or the wallet has no row yet.
func (ws *WalletScorer) primaryWallet(ctx context.Context, wallet string) (*models.Wallet, error) {
	if ws.cfg.PrimaryMint == "" {
		return nil, nil
	}
	return ws.store.GetWallet(ctx, wallet)
}

// inEcosystem reports whether mint matches one of the configured
// ecosystem suffixes, case-insensitive. An empty suffix set admits
// every mint.
func (ws *WalletScorer) inEcosystem(mint string) bool {
	if len(ws.cfg.EcosystemSuffixes) == 0 {
		return true
	}
	lower := strings.ToLower(mint)
	for _, suffix := range ws.cfg.EcosystemSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// classificationScore maps a per-token classification onto the same
// accumulator/maintained-counts-positively convention K uses, so
// K_wallet stays comparable to K at the same 0-100 scale.
func classificationScore(c calculator.Classification) float64 {
	switch c {
	case calculator.ClassAccumulator, calculator.ClassMaintained:
		return 1
	default:
		return 0
	}
}

// runStalenessScanner periodically re-enqueues wallets whose K_wallet is
// missing or older than StaleAfter (spec §4.5 "staleness scanner").
func (ws *WalletScorer) runStalenessScanner(ctx context.Context) {
	ticker := time.NewTicker(ws.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.scanOnce(ctx)
		}
	}
}

func (ws *WalletScorer) scanOnce(ctx context.Context) {
	stale, err := ws.store.StaleKWallets(ctx, ws.cfg.StaleAfter, 500)
	if err != nil {
		ws.log.Error().Err(err).Msg("staleness scan failed")
		return
	}
	for _, addr := range stale {
		if err := ws.store.EnqueueKWallet(ctx, addr, 1); err != nil {
			ws.log.Warn().Err(err).Str("wallet", addr).Msg("failed to enqueue stale wallet")
		}
	}
	if len(stale) > 0 {
		ws.log.Info().Int("count", len(stale)).Msg("enqueued stale wallets for rescoring")
	}

	if n, err := ws.store.QueueLengthKWallet(ctx); err == nil {
		metrics.WalletQueueLength.Set(float64(n))
	}
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
