package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/scorer"
)

const maxBatchWallets = 100
const maxBatchTokens = 50

// mintInEcosystem reports whether mint is admitted for token scoring
// (spec §4.6 step 4: "Only mints whose identifier ends with one of the
// configured suffixes are admitted; others fail validation at the HTTP
// layer"). An empty suffix set admits every mint.
func (a *App) mintInEcosystem(mint string) bool {
	if len(a.Config.EcosystemSuffixes) == 0 {
		return true
	}
	lower := strings.ToLower(mint)
	for _, suffix := range a.Config.EcosystemSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// handleAPIStatus is the external API's own health/identity endpoint
// (spec §6 GET /api/v1/status), distinct from the dashboard's
// /k-metric/status.
func (a *App) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(a.uptime().Seconds()),
		"tokenMint":     a.Config.TokenMint,
	})
}

// handleAPIToken serves the cached K for an arbitrary mint, enqueuing a
// Token Scorer run when the cached row is missing or stale (spec §6 GET
// /api/v1/token/:mint, §4.6 TTL semantics).
func (a *App) handleAPIToken(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !a.mintInEcosystem(mint) {
		writeError(w, apperr.Validation("mint is not in the configured ecosystem"))
		return
	}

	result, fresh, err := scorer.LoadTokenScore(r.Context(), a.Store, mint)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load token score", err))
		return
	}

	if result != nil && fresh {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mint":           result.Mint,
			"k":              result.K,
			"holders":        result.Holders,
			"tokensAnalyzed": result.TokensAnalyzed,
			"syncedAt":       result.SyncedAt,
			"status":         "ready",
		})
		return
	}

	if err := a.Store.EnqueueToken(r.Context(), mint, 5); err != nil {
		writeError(w, apperr.Fatal("failed to enqueue token scoring", err))
		return
	}

	status := "queued"
	body := map[string]interface{}{"mint": mint, "status": status}
	if result != nil {
		// A stale-but-present row: still return it, flagged as syncing, so
		// callers get a usable value while the refresh is in flight.
		body["k"] = result.K
		body["holders"] = result.Holders
		body["tokensAnalyzed"] = result.TokensAnalyzed
		body["syncedAt"] = result.SyncedAt
		body["status"] = "syncing"
	}
	writeJSON(w, http.StatusAccepted, body)
}

// handleAPIWallet serves one wallet's cost-basis and K_wallet record
// (spec §6 GET /api/v1/wallet/:addr).
func (a *App) handleAPIWallet(w http.ResponseWriter, r *http.Request) {
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

type walletBatchRequest struct {
	Addresses []string `json:"addresses"`
}

// handleAPIWalletsBatch serves up to 100 wallets in one call, marking
// unseen addresses as "queued" rather than 404ing the whole batch (spec
// §6 POST /api/v1/wallets).
func (a *App) handleAPIWalletsBatch(w http.ResponseWriter, r *http.Request) {
	var req walletBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if len(req.Addresses) == 0 {
		writeError(w, apperr.Validation("addresses must not be empty"))
		return
	}
	if len(req.Addresses) > maxBatchWallets {
		writeError(w, apperr.Validation("at most 100 addresses per request"))
		return
	}

	results := make([]map[string]interface{}, 0, len(req.Addresses))
	ready, queued := 0, 0
	for _, addr := range req.Addresses {
		wallet, err := a.Store.GetWallet(r.Context(), addr)
		if err != nil {
			writeError(w, apperr.Fatal("failed to load wallet", err))
			return
		}
		if wallet == nil {
			if enqErr := a.Store.EnqueueKWallet(r.Context(), addr, 1); enqErr != nil {
				a.Log.Warn().Err(enqErr).Str("wallet", addr).Msg("failed to enqueue unseen wallet")
			}
			queued++
			results = append(results, map[string]interface{}{"address": addr, "status": "queued"})
			continue
		}
		ready++
		results = append(results, map[string]interface{}{
			"address":  wallet.Address,
			"status":   "ready",
			"wallet":   wallet,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"summary": map[string]int{"total": len(req.Addresses), "ready": ready, "queued": queued},
	})
}

type tokenBatchRequest struct {
	Mints []string `json:"mints"`
}

// handleAPITokensBatch serves up to 50 mints in one call (spec §6 POST
// /api/v1/tokens).
func (a *App) handleAPITokensBatch(w http.ResponseWriter, r *http.Request) {
	var req tokenBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if len(req.Mints) == 0 {
		writeError(w, apperr.Validation("mints must not be empty"))
		return
	}
	if len(req.Mints) > maxBatchTokens {
		writeError(w, apperr.Validation("at most 50 mints per request"))
		return
	}

	results := make([]map[string]interface{}, 0, len(req.Mints))
	ready, queued, syncing, rejected := 0, 0, 0, 0
	for _, mint := range req.Mints {
		if !a.mintInEcosystem(mint) {
			rejected++
			results = append(results, map[string]interface{}{"mint": mint, "status": "rejected", "reason": "not in ecosystem"})
			continue
		}
		result, fresh, err := scorer.LoadTokenScore(r.Context(), a.Store, mint)
		if err != nil {
			writeError(w, apperr.Fatal("failed to load token score", err))
			return
		}
		switch {
		case result != nil && fresh:
			ready++
			results = append(results, map[string]interface{}{
				"mint": mint, "status": "ready", "k": result.K,
				"holders": result.Holders, "tokensAnalyzed": result.TokensAnalyzed,
			})
		case result != nil:
			syncing++
			if err := a.Store.EnqueueToken(r.Context(), mint, 5); err != nil {
				a.Log.Warn().Err(err).Str("mint", mint).Msg("failed to enqueue stale token")
			}
			results = append(results, map[string]interface{}{
				"mint": mint, "status": "syncing", "k": result.K,
			})
		default:
			queued++
			if err := a.Store.EnqueueToken(r.Context(), mint, 5); err != nil {
				a.Log.Warn().Err(err).Str("mint", mint).Msg("failed to enqueue unseen token")
			}
			results = append(results, map[string]interface{}{"mint": mint, "status": "queued"})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"summary": map[string]int{"total": len(req.Mints), "ready": ready, "queued": queued, "syncing": syncing, "rejected": rejected},
	})
}
