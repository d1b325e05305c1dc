package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/metrics"
	"github.com/wnt/oracle/internal/store"
	"golang.org/x/sync/errgroup"
)

// tokenScoreSyncKeyPrefix namespaces the arbitrary-mint K cache inside
// the shared SyncState key-value table (spec §4.6: "Return a cached row
// if now - lastSync < TTL").
const tokenScoreSyncKeyPrefix = "token_k:"

// TokenScoreTTL is how long a computed mint score stays valid before the
// Gateway must re-enqueue it (spec §4.6 default 1h).
const TokenScoreTTL = time.Hour

// TokenScoreResult is the cached-row shape persisted per mint.
type TokenScoreResult struct {
	Mint            string    `json:"mint"`
	K               int       `json:"k"`
	Holders         int       `json:"holders"`
	TokensAnalyzed  int       `json:"tokens_analyzed"`
	SyncedAt        time.Time `json:"synced_at"`
}

// TokenScoreSyncKey returns the SyncState key a mint's cached score is
// stored under, exported so the Gateway can read it directly.
func TokenScoreSyncKey(mint string) string { return tokenScoreSyncKeyPrefix + mint }

// LoadTokenScore reads the cached score for mint, if any, and reports
// whether it is still within TTL.
func LoadTokenScore(ctx context.Context, s store.Store, mint string) (*TokenScoreResult, bool, error) {
	raw, ok, err := s.GetSyncState(ctx, TokenScoreSyncKey(mint))
	if err != nil || !ok {
		return nil, false, err
	}
	var result TokenScoreResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, nil
	}
	fresh := time.Since(result.SyncedAt) < TokenScoreTTL
	return &result, fresh, nil
}

// TokenScorerConfig tunes the pool (spec §4.6 defaults: top N=50 holders,
// concurrency C=5 for the per-holder cross-token fan-out).
type TokenScorerConfig struct {
	Workers       int
	LeaseDuration time.Duration
	TopNHolders   int
	Concurrency   int
	ScanInterval  time.Duration
}

func (c *TokenScorerConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.TopNHolders <= 0 {
		c.TopNHolders = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Minute
	}
}

// TokenScorer drains the token_queue: for each queued mint it fans out
// over its top holders' cross-token history with bounded concurrency and
// pushes those wallets onto the K_wallet queue, priming the cache that
// backs cross-token conviction requests (spec §4.6).
type TokenScorer struct {
	store store.Store
	chain chain.Adapter
	cfg   TokenScorerConfig
	log   zerolog.Logger
}

func NewTokenScorer(s store.Store, adapter chain.Adapter, cfg TokenScorerConfig, log zerolog.Logger) *TokenScorer {
	cfg.setDefaults()
	return &TokenScorer{store: s, chain: adapter, cfg: cfg, log: logger.WithComponent(log, "token_scorer")}
}

func (ts *TokenScorer) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < ts.cfg.Workers; i++ {
		id := fmt.Sprintf("token-%d", i)
		go ts.runWorker(ctx, id, done)
	}

	<-ctx.Done()
	for i := 0; i < ts.cfg.Workers; i++ {
		<-done
	}
}

func (ts *TokenScorer) runWorker(ctx context.Context, id string, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	workerLog := logger.WithWorker(ts.log, id)
	workerLog.Info().Msg("token scorer worker starting")
	metrics.WorkersActive.WithLabelValues("token_scorer").Inc()
	defer metrics.WorkersActive.WithLabelValues("token_scorer").Dec()

	for {
		select {
		case <-ctx.Done():
			workerLog.Info().Msg("token scorer worker stopping")
			return
		default:
		}

		worked, err := ts.processOne(ctx, workerLog)
		if err != nil {
			workerLog.Error().Err(err).Msg("token scorer iteration failed")
		}
		if !worked {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (ts *TokenScorer) processOne(ctx context.Context, log zerolog.Logger) (bool, error) {
	entry, err := ts.store.DequeueToken(ctx, ts.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	mintLog := log.With().Str("mint", entry.Key).Logger()
	start := time.Now()

	if err := ts.scoreHolders(ctx, entry.Key); err != nil {
		mintLog.Error().Err(err).Msg("token scoring failed")
		if failErr := ts.store.FailToken(ctx, entry.Key, err); failErr != nil {
			mintLog.Error().Err(failErr).Msg("failed to record failure")
		}
		return true, nil
	}

	metrics.RecordWorkerTaskDuration("token_score", time.Since(start).Seconds())
	if err := ts.store.CompleteToken(ctx, entry.Key); err != nil {
		mintLog.Error().Err(err).Msg("failed to mark complete")
	}
	mintLog.Debug().Dur("duration", time.Since(start)).Msg("token holders primed")
	return true, nil
}

// scoreHolders fetches the full holder set, keeps the top N by balance,
// and fans out their cross-token histories with bounded concurrency
// (errgroup.SetLimit). Each holder's position in mint is classified and
// aggregated into the mint-wide K (spec §4.6 steps 3-4); each holder is
// also queued for its own K_wallet recompute, priming the cross-token
// conviction cache.
func (ts *TokenScorer) scoreHolders(ctx context.Context, mint string) error {
	holders, err := ts.chain.FetchHolders(ctx, mint)
	if err != nil {
		return fmt.Errorf("fetch holders: %w", err)
	}

	top := topHoldersByBalance(holders, ts.cfg.TopNHolders)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ts.cfg.Concurrency)

	var mu sync.Mutex
	var analyzed, qualifying int

	for _, h := range top {
		holder := h
		g.Go(func() error {
			positions, err := ts.chain.CrossTokenHistory(gctx, holder.Owner, 10)
			if err != nil {
				ts.log.Warn().Err(err).Str("wallet", holder.Owner).Msg("cross-token history fetch failed, skipping")
				return nil // one bad holder doesn't fail the batch
			}

			if pos, ok := positions[mint]; ok {
				retention := calculator.Retention(pos.Current, pos.FirstBuyAmount)
				class := calculator.Classify(retention)
				mu.Lock()
				analyzed++
				if class == calculator.ClassAccumulator || class == calculator.ClassMaintained {
					qualifying++
				}
				mu.Unlock()
			}

			return ts.store.EnqueueKWallet(gctx, holder.Owner, 5)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	result := TokenScoreResult{Mint: mint, Holders: len(holders), TokensAnalyzed: analyzed, SyncedAt: time.Now().UTC()}
	if analyzed > 0 {
		result.K = int(math.Round(100 * float64(qualifying) / float64(analyzed)))
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal token score: %w", err)
	}
	return ts.store.SetSyncState(ctx, TokenScoreSyncKey(mint), string(encoded))
}

// topHoldersByBalance returns at most n holders, ranked by balance
// descending, without mutating the input slice.
func topHoldersByBalance(holders []chain.Holder, n int) []chain.Holder {
	sorted := make([]chain.Holder, len(holders))
	copy(sorted, holders)

	// Simple insertion sort over the full holder list FetchHolders
	// returned; it avoids importing sort for a one-line comparator.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Balance.Cmp(&sorted[j-1].Balance.Int) > 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
