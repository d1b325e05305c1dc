package gateway

import (
	"context"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/ingest"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

// rawAmountFromUSD converts a USD amount into raw token units at the
// given price and decimals, the same big.Float scaling the price
// refresher uses (spec §4.4 "USD-minimum translated into raw tokens at
// the latest price").
func rawAmountFromUSD(usd, price float64, decimals int) bigint.Amount {
	raw := new(big.Float).Quo(big.NewFloat(usd), big.NewFloat(price))
	raw.Mul(raw, big.NewFloat(math.Pow10(decimals)))
	rawInt, _ := raw.Int(nil)
	return bigint.Amount{Int: *rawInt}
}

// tokenSummary is the `token` sub-object every dashboard response that
// names a mint embeds (spec §6 GET /k-metric "token:{mint,symbol,price,…}").
type tokenSummary struct {
	Mint   string   `json:"mint"`
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price"`
}

func (a *App) tokenSummary(r *http.Request) tokenSummary {
	ts := tokenSummary{Mint: a.Config.TokenMint, Symbol: a.Config.TokenSymbol}
	if raw, ok, err := a.Store.GetSyncState(r.Context(), models.SyncKeyTokenPrice); err == nil && ok {
		if price, err := strconv.ParseFloat(raw, 64); err == nil {
			ts.Price = &price
		}
	}
	return ts
}

// kMetricResponse mirrors calculator.Result's top-level fields, dropping
// the per-holder slice (spec §6 GET /k-metric).
type kMetricResponse struct {
	K             int          `json:"k"`
	Holders       int          `json:"holders"`
	NeverSold     int          `json:"neverSold"`
	Accumulators  int          `json:"accumulators"`
	Maintained    int          `json:"maintained"`
	PartialSeller int          `json:"partialSellers"`
	MajorSellers  int          `json:"majorSellers"`
	AvgHoldDays   float64      `json:"avgHoldDays"`
	OG            int          `json:"og"`
	Token         tokenSummary `json:"token"`
	CalculatedAt  string       `json:"calculatedAt"`
}

func (a *App) toKMetricResponse(r *http.Request, result calculator.Result) kMetricResponse {
	return kMetricResponse{
		K: result.K, Holders: result.Holders,
		// Never-sold holders are the ones whose current balance never
		// dropped below their first buy amount (spec §4.4 retention ≥ 1.0).
		NeverSold:     result.AccumulatorsCount + result.MaintainedCount,
		Accumulators:  result.AccumulatorsCount,
		Maintained:    result.MaintainedCount,
		PartialSeller: result.ReducersCount,
		MajorSellers:  result.ExtractorsCount,
		AvgHoldDays:   result.AvgHoldDays,
		OG:            result.OGCount,
		Token:         a.tokenSummary(r),
		CalculatedAt:  result.CalculatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// handleKMetric serves the cached current K for the primary token (spec
// §6 GET /k-metric).
func (a *App) handleKMetric(w http.ResponseWriter, r *http.Request) {
	result, err := a.Calc.Get(r.Context())
	if err != nil {
		writeError(w, apperr.Fatal("failed to compute k metric", err))
		return
	}
	writeJSON(w, http.StatusOK, a.toKMetricResponse(r, result))
}

// handleKMetricHistory serves the Snapshot history table, defaulting to
// the last 30 days (spec §6 GET /k-metric/history).
func (a *App) handleKMetricHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			days = parsed
		}
	}
	snaps, err := a.Store.SnapshotHistory(r.Context(), days)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load k history", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"days": days, "snapshots": snaps})
}

// handleKMetricHolders serves a page of classified holders (spec §6 GET
// /k-metric/holders?limit=&exclude_pools=&min_usd=, also aliased as GET
// /api/v1/holders). Classification and pool membership aren't stored
// columns, so both are applied as a post-filter over the candidate page,
// same as store.GetHoldersFiltered's own doc comment describes.
func (a *App) handleKMetricHolders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := a.holderFilterFromQuery(r.Context(), query)
	excludePools := query.Get("exclude_pools") == "true"

	wallets, total, err := a.Store.GetHoldersFiltered(r.Context(), filter)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load holders", err))
		return
	}

	addrs := make([]string, len(wallets))
	for i, wallet := range wallets {
		addrs[i] = wallet.Address
	}
	classes, err := a.Chain.ClassifyAddresses(r.Context(), addrs)
	if err != nil {
		a.Log.Warn().Err(err).Msg("pool classification unavailable, treating holders as non-pool")
		classes = nil
	}

	now := time.Now().UTC()
	params := a.Calc.Params()
	poolsDetected := 0
	holders := make([]map[string]interface{}, 0, len(wallets))
	for _, wallet := range wallets {
		retention := calculator.Retention(wallet.CurrentBalance, wallet.FirstBuyAmount)
		class := calculator.Classify(retention)
		if filter.Classification != "" && string(class) != filter.Classification {
			continue
		}

		classification := classes[wallet.Address]
		if classification.IsPool {
			poolsDetected++
			if excludePools {
				continue
			}
		}

		holders = append(holders, map[string]interface{}{
			"address":        wallet.Address,
			"balance":        wallet.CurrentBalance.String(),
			"retention":      retention,
			"classification": class,
			"holdDays":       calculator.HoldDays(wallet, now),
			"isOG":           calculator.IsOG(wallet, params, now),
			"isPool":         classification.IsPool,
			"poolProgram":    classification.Program,
			"k_wallet":       wallet.KWallet,
		})
	}

	covered := 0
	for _, wallet := range wallets {
		if wallet.KWallet != nil {
			covered++
		}
	}
	coverage := 0.0
	if len(wallets) > 0 {
		coverage = float64(covered) / float64(len(wallets))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"holders":           holders,
		"total":             total,
		"pools_detected":    poolsDetected,
		"filter":            filter,
		"k_wallet_coverage": coverage,
	})
}

func (a *App) holderFilterFromQuery(ctx context.Context, q url.Values) store.HolderFilter {
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	minBalance := bigint.NewAmount(0)
	if raw := q.Get("min_balance"); raw != "" {
		_ = minBalance.UnmarshalJSON([]byte(`"` + raw + `"`))
	}
	if raw := q.Get("min_usd"); raw != "" {
		if minUSD, err := strconv.ParseFloat(raw, 64); err == nil {
			if priceRaw, ok, err := a.Store.GetSyncState(ctx, models.SyncKeyTokenPrice); err == nil && ok {
				if price, err := strconv.ParseFloat(priceRaw, 64); err == nil && price > 0 {
					minBalance = rawAmountFromUSD(minUSD, price, a.Config.TokenDecimals)
				}
			}
		}
	}
	return store.HolderFilter{
		MinBalance:     minBalance,
		Classification: q.Get("classification"),
		Limit:          limit,
		Offset:         offset,
	}
}

// handleKMetricStatus reports liveness of the background loops (spec §6
// GET /k-metric/status).
func (a *App) handleKMetricStatus(w http.ResponseWriter, r *http.Request) {
	walletQueueLen, _ := a.Store.QueueLengthKWallet(r.Context())
	tokenQueueLen, _ := a.Store.QueueLengthToken(r.Context())
	lastSlot, _ := a.Store.LastProcessedSlot(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptimeSeconds":     int(a.uptime().Seconds()),
		"lastProcessedSlot": lastSlot,
		"walletQueueLength": walletQueueLen,
		"tokenQueueLength":  tokenQueueLen,
		"wsConnections":     a.Hub.ConnectionCount(),
		"maintenance":       a.Config.Maintenance,
	})
}

// handleWalletKScore serves one wallet's cost-basis record and, if
// present, its K_wallet score (spec §6 GET /k-metric/wallet/:addr/k-score).
func (a *App) handleWalletKScore(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	wallet, err := a.Store.GetWallet(r.Context(), addr)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load wallet", err))
		return
	}
	if wallet == nil {
		writeError(w, apperr.NotFound("wallet not found"))
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handleWalletKGlobal serves a wallet's cross-ecosystem K_wallet, gated
// per spec §4.8: callers must present the admin key or be a holder of the
// primary token above K_GLOBAL_MIN_BALANCE. A gate-check failure defaults
// to fail-closed unless K_GLOBAL_FAIL_CLOSED=false opts into fail-open.
func (a *App) handleWalletKGlobal(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]

	if a.Config.KGlobalGated {
		allowed, err := a.kGlobalAllowed(r)
		if err != nil {
			if a.Config.KGlobalFailClosed {
				writeError(w, apperr.Gated("k-global temporarily unavailable", "gate_check_failed"))
				return
			}
		} else if !allowed {
			writeError(w, apperr.Gated("requires admin access or a qualifying token balance", "not_a_holder"))
			return
		}
	}

	wallet, err := a.Store.GetWallet(r.Context(), addr)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load wallet", err))
		return
	}
	if wallet == nil {
		writeError(w, apperr.NotFound("wallet not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":        wallet.Address,
		"k_wallet":       wallet.KWallet,
		"tokensAnalyzed": wallet.KWalletTokensAnalyzed,
		"updatedAt":      wallet.KWalletUpdatedAt,
	})
}

// kGlobalAllowed checks the admin key first, then falls back to treating
// the caller's own address (declared via X-Wallet-Address, the header a
// holder's client attaches to prove which address it's asking about) as a
// qualifying primary-token holder.
func (a *App) kGlobalAllowed(r *http.Request) (bool, error) {
	if given := bearerToken(r); given != "" && a.Config.AdminKey != "" && constantTimeEqual(given, a.Config.AdminKey) {
		return true, nil
	}
	callerAddr := r.Header.Get("X-Wallet-Address")
	if callerAddr == "" {
		return false, nil
	}
	caller, err := a.Store.GetWallet(r.Context(), callerAddr)
	if err != nil {
		return false, err
	}
	if caller == nil {
		return false, nil
	}
	min := bigint.NewAmount(a.Config.KGlobalMinBalance)
	return caller.CurrentBalance.Cmp(&min.Int) >= 0, nil
}

// handlePushWebhook is the inbound Helius webhook entry point (spec §6
// POST /k-metric/webhook): HMAC-verify, decode, hand off to the pipeline.
func (a *App) handlePushWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.PayloadTooLarge("request body too large"))
		return
	}

	sig := r.Header.Get("X-Helius-Signature")
	if !ingest.VerifyWebhookSignature(a.Config.HeliusWebhookSecret, body, sig) {
		writeError(w, apperr.Auth("invalid webhook signature"))
		return
	}

	raws, err := ingest.DecodeWebhookBatch(body)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.Pipeline.HandleWebhookBatch(r.Context(), raws); err != nil {
		writeError(w, apperr.Fatal("failed to apply webhook batch", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleTriggerSync lets an admin force an immediate snapshot recompute
// (spec §6 POST /k-metric/sync).
func (a *App) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := calculator.CalculateAndSave(r.Context(), a.Store, a.Calc.Params())
	if err != nil {
		writeError(w, apperr.Fatal("failed to recalculate", err))
		return
	}
	a.Calc.Invalidate()
	writeJSON(w, http.StatusOK, a.toKMetricResponse(r, result))
}

// handleTriggerBackup lets an admin force an out-of-band backup (spec §6
// POST /k-metric/backup).
func (a *App) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	path, err := a.Backup.RunNow()
	if err != nil {
		writeError(w, apperr.Fatal("backup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
