// Package ingest merges the push (signed webhook) and pull (periodic
// signature scan) channels into one slot-ordered stream applied to the
// Store (spec §4.3).
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/metrics"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

// tierStandard mirrors ws.TierStandard's ordinal without importing the
// fanout/ws package (spec §4.7 tier ordinals: public < free < standard <
// premium < internal); the detailed "status" broadcast after each batch
// is reserved for standard tier and above.
const tierStandard = 2

// EventSink is the narrow interface the pipeline needs from the fan-out
// layer, so this package never imports internal/fanout directly (spec
// §9: "small number of interfaces... enabling in-memory fakes").
type EventSink interface {
	Broadcast(event string, data interface{})
	BroadcastToTier(event string, data interface{}, minTier int)
	Dispatch(ctx context.Context, eventType string, data interface{})
}

// Pipeline owns the merged ingest stream. One Pipeline serves both the
// push handler and the pull ticker loop.
type Pipeline struct {
	store      store.Store
	chain      chain.Adapter
	calculator *calculator.Cached
	calcParams calculator.Params
	sink       EventSink
	log        zerolog.Logger

	mint           string
	webhookSecret  string
	pullInterval   time.Duration
	pullBatchSize  int
	pullConcurrent int

	tokenDecimals        int
	minBalanceUSD        float64
	priceRefreshInterval time.Duration

	pullMu sync.Mutex // "only one pull may be in flight at a time"

	lastK int
}

// Config carries the pipeline's construction-time settings.
type Config struct {
	Mint                string
	WebhookSecret       string
	PullIntervalSeconds int
	PullBatchSize       int
	PullConcurrency     int

	// TokenDecimals and MinBalanceUSD feed the USD-minimum-balance price
	// refresher (spec §4.4: "USD-minimum translated into raw tokens at
	// the latest price"). MinBalanceUSD of zero disables the refresher
	// and leaves the static MIN_BALANCE fallback in effect permanently.
	TokenDecimals               int
	MinBalanceUSD               float64
	PriceRefreshIntervalSeconds int
}

func New(s store.Store, adapter chain.Adapter, calc *calculator.Cached, calcParams calculator.Params, sink EventSink, cfg Config, log zerolog.Logger) *Pipeline {
	interval := time.Duration(cfg.PullIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	batch := cfg.PullBatchSize
	if batch <= 0 {
		batch = 200
	}
	concurrency := cfg.PullConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	priceInterval := time.Duration(cfg.PriceRefreshIntervalSeconds) * time.Second
	if priceInterval <= 0 {
		priceInterval = 5 * time.Minute
	}
	return &Pipeline{
		store:                s,
		chain:                adapter,
		calculator:           calc,
		calcParams:           calcParams,
		sink:                 sink,
		log:                  log,
		mint:                 cfg.Mint,
		webhookSecret:        cfg.WebhookSecret,
		pullInterval:         interval,
		pullBatchSize:        batch,
		pullConcurrent:       concurrency,
		tokenDecimals:        cfg.TokenDecimals,
		minBalanceUSD:        cfg.MinBalanceUSD,
		priceRefreshInterval: priceInterval,
	}
}

// VerifyWebhookSignature checks the X-Helius-Signature header against an
// HMAC-SHA256 of the raw request body using the shared secret, constant
// time (spec §4.3, §6).
func VerifyWebhookSignature(secret string, rawBody []byte, signatureHex string) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

// HandleWebhookBatch is the push path's entry point: a JSON array of
// Helius-shaped transactions, already signature-verified by the caller.
func (p *Pipeline) HandleWebhookBatch(ctx context.Context, raws []chain.RawTransaction) error {
	var changes []store.BalanceChange
	for _, raw := range raws {
		if raw.Type != "" && raw.Type != "TRANSFER" && raw.Type != "UNKNOWN" {
			// Events with non-transfer type are skipped (spec §6).
			continue
		}
		parsed, err := p.chain.Parse(raw, p.mint)
		if err != nil {
			p.log.Warn().Err(err).Str("signature", raw.Signature).Msg("failed to parse webhook transaction")
			continue
		}
		changes = append(changes, parsed...)
	}
	return p.apply(ctx, changes, "push")
}

// runPull fetches recent signatures, filters by watermark, fetches
// transaction details in bounded-concurrency batches, and applies the
// result (spec §4.3 "pull path").
func (p *Pipeline) runPull(ctx context.Context) error {
	if !p.pullMu.TryLock() {
		return nil // a pull is already in flight
	}
	defer p.pullMu.Unlock()

	watermark, err := p.store.LastProcessedSlot(ctx)
	if err != nil {
		return fmt.Errorf("pull: read watermark: %w", err)
	}

	sigs, err := p.chain.SignaturesSince(ctx, p.mint, p.pullBatchSize)
	if err != nil {
		return fmt.Errorf("pull: fetch signatures: %w", err)
	}

	var toFetch []string
	for _, s := range sigs {
		if s.Slot > watermark {
			toFetch = append(toFetch, s.Signature)
		}
	}
	if len(toFetch) == 0 {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	changes := p.fetchAndParse(deadline, toFetch)
	return p.apply(ctx, changes, "pull")
}

// Run starts the periodic pull loop and, when a USD minimum balance is
// configured, the price refresher alongside it; blocks until ctx is
// cancelled (spec §4.3: "the pull path also runs on a fixed interval as
// a correctness backstop").
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pullInterval)
	defer ticker.Stop()

	var priceC <-chan time.Time
	if p.minBalanceUSD > 0 {
		priceTicker := time.NewTicker(p.priceRefreshInterval)
		defer priceTicker.Stop()
		priceC = priceTicker.C
		p.refreshPrice(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.runPull(ctx); err != nil {
				p.log.Error().Err(err).Msg("pull cycle failed")
			}
		case <-priceC:
			p.refreshPrice(ctx)
		}
	}
}

// refreshPrice fetches the primary mint's latest USD price, translates
// MinBalanceUSD into raw token units at that price, persists both to
// SyncState, and pushes the new threshold into the K Calculator (spec
// §4.4, §3 SyncState keys one_usd_threshold/token_price). A failed or
// missing price leaves the previous threshold (or the static fallback)
// in effect rather than zeroing it out.
func (p *Pipeline) refreshPrice(ctx context.Context) {
	info, err := p.chain.FetchTokenInfo(ctx, p.mint)
	if err != nil || info.PriceUSD == nil || *info.PriceUSD <= 0 {
		p.log.Warn().Err(err).Msg("price refresh unavailable, USD-minimum threshold left unchanged")
		return
	}
	price := *info.PriceUSD

	raw := new(big.Float).Quo(big.NewFloat(p.minBalanceUSD), big.NewFloat(price))
	raw.Mul(raw, big.NewFloat(math.Pow10(p.tokenDecimals)))
	rawInt, _ := raw.Int(nil)
	threshold := bigint.Amount{Int: *rawInt}

	if err := p.store.SetSyncState(ctx, models.SyncKeyTokenPrice, strconv.FormatFloat(price, 'f', -1, 64)); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist token price")
	}
	if err := p.store.SetSyncState(ctx, models.SyncKeyOneUSDThreshold, threshold.String()); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist usd threshold")
	}

	if p.calculator != nil {
		p.calculator.SetUSDMinBalance(&threshold)
	}
	p.log.Info().Float64("price_usd", price).Str("raw_threshold", threshold.String()).
		Msg("refreshed USD-minimum balance threshold")
}

func (p *Pipeline) fetchAndParse(ctx context.Context, signatures []string) []store.BalanceChange {
	sem := make(chan struct{}, p.pullConcurrent)
	var mu sync.Mutex
	var changes []store.BalanceChange
	var wg sync.WaitGroup

	for _, sig := range signatures {
		sig := sig
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			raw, err := p.chain.FetchTransaction(ctx, sig)
			if err != nil {
				p.log.Warn().Err(err).Str("signature", sig).Msg("pull: failed to fetch transaction")
				return
			}
			parsed, err := p.chain.Parse(raw, p.mint)
			if err != nil {
				return
			}
			mu.Lock()
			changes = append(changes, parsed...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return changes
}

// apply sorts the batch ascending by slot, then applies each change
// through the idempotent Store path (spec §4.3 "Ordering and
// deduplication").
func (p *Pipeline) apply(ctx context.Context, changes []store.BalanceChange, path string) error {
	if len(changes) == 0 {
		return nil
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Slot < changes[j].Slot })

	for _, change := range changes {
		inserted, err := p.store.RecordTransaction(ctx, change)
		if err != nil {
			metrics.RecordIngestTransaction(path, "error")
			return fmt.Errorf("record transaction %s: %w", change.Signature, err)
		}
		if !inserted {
			// Cross-path race: the other path already recorded this
			// signature (spec: "no change is applied twice").
			continue
		}

		before, _ := p.store.GetWallet(ctx, change.Wallet)
		applied, err := p.store.UpsertWallet(ctx, change)
		if err != nil {
			metrics.RecordIngestTransaction(path, "error")
			return fmt.Errorf("upsert wallet %s: %w", change.Wallet, err)
		}
		if !applied {
			metrics.RecordIngestTransaction(path, "stale_slot")
			continue
		}
		metrics.RecordIngestTransaction(path, "ok")

		if err := p.store.EnqueueKWallet(ctx, change.Wallet, 10); err != nil {
			p.log.Warn().Err(err).Str("wallet", change.Wallet).Msg("failed to enqueue K_wallet recompute")
		}

		p.emitTransitionEvents(ctx, change, before)
	}

	if p.calculator != nil {
		p.onBatchComplete(ctx)
	}
	return nil
}

func (p *Pipeline) emitTransitionEvents(ctx context.Context, change store.BalanceChange, before *models.Wallet) {
	p.sink.Broadcast("tx", map[string]interface{}{
		"wallet":    change.Wallet,
		"amount":    change.Amount.String(),
		"signature": change.Signature,
		"slot":      change.Slot,
	})

	wasZero := before == nil || before.CurrentBalance.Zero()
	after, err := p.store.GetWallet(ctx, change.Wallet)
	if err != nil || after == nil {
		return
	}
	isZero := after.CurrentBalance.Zero()

	if wasZero && !isZero {
		p.sink.Broadcast("holder:new", map[string]interface{}{
			"address":      change.Wallet,
			"balance":      after.CurrentBalance.String(),
			"tx_signature": change.Signature,
		})
		p.sink.Dispatch(ctx, "holder_new", map[string]interface{}{
			"address":      change.Wallet,
			"balance":      after.CurrentBalance.String(),
			"tx_signature": change.Signature,
		})
	} else if !wasZero && isZero {
		prevBalance := "0"
		if before != nil {
			prevBalance = before.CurrentBalance.String()
		}
		p.sink.Broadcast("holder:exit", map[string]interface{}{
			"address":          change.Wallet,
			"previous_balance": prevBalance,
			"tx_signature":     change.Signature,
		})
		p.sink.Dispatch(ctx, "holder_exit", map[string]interface{}{
			"address":          change.Wallet,
			"previous_balance": prevBalance,
			"tx_signature":     change.Signature,
		})
	}
}

// onBatchComplete recomputes K and dispatches a k_change webhook event
// when it moves by at least one percentage point (spec §4.3).
func (p *Pipeline) onBatchComplete(ctx context.Context) {
	p.calculator.Invalidate()
	result, err := p.calculator.Get(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("post-batch K recalculation failed")
		return
	}

	metrics.KCurrent.Set(float64(result.K))
	p.sink.Broadcast("k", map[string]interface{}{"k": result.K, "holders": result.Holders})
	p.sink.BroadcastToTier("status", map[string]interface{}{
		"k":            result.K,
		"holders":      result.Holders,
		"accumulators": result.AccumulatorsCount,
		"maintained":   result.MaintainedCount,
		"reducers":     result.ReducersCount,
		"extractors":   result.ExtractorsCount,
		"avgHoldDays":  result.AvgHoldDays,
		"og":           result.OGCount,
	}, tierStandard)

	delta := result.K - p.lastK
	if p.lastK != 0 && abs(delta) >= 1 {
		direction := "up"
		if delta < 0 {
			direction = "down"
		}
		p.sink.Dispatch(ctx, "k_change", map[string]interface{}{
			"previous_k": p.lastK,
			"new_k":      result.K,
			"delta":      delta,
			"holders":    result.Holders,
			"direction":  direction,
		})
	}
	p.lastK = result.K
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// DecodeWebhookBatch unmarshals the raw request body into the Helius
// transaction-array shape (spec §6).
func DecodeWebhookBatch(body []byte) ([]chain.RawTransaction, error) {
	var raws []chain.RawTransaction
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperr.Validation("invalid webhook payload: " + err.Error())
	}
	return raws, nil
}
