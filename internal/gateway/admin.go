package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/calculator"
)

// handleAdminKeysList serves every issued API key, hash never included
// (spec §6 GET /api/v1/admin/keys).
func (a *App) handleAdminKeysList(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, apperr.Fatal("failed to list api keys", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

type createKeyRequest struct {
	Name          string `json:"name"`
	Tier          string `json:"tier"`
	PerMinute     int    `json:"per_minute_limit"`
	PerDay        int    `json:"per_day_limit"`
	ExpiresInDays int    `json:"expires_in_days"`
}

// handleAdminKeysCreate issues a new API key, returning the plaintext
// secret once (spec §6 POST /api/v1/admin/keys).
func (a *App) handleAdminKeysCreate(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperr.Validation("name is required"))
		return
	}
	if req.Tier == "" {
		req.Tier = "public"
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	plaintext, rec, err := a.Store.CreateAPIKey(r.Context(), req.Name, req.Tier, req.PerMinute, req.PerDay, expiresAt)
	if err != nil {
		writeError(w, apperr.Fatal("failed to create api key", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"key": plaintext, "record": rec})
}

// handleAdminKeyDeactivate revokes an issued key (spec §6 DELETE
// /api/v1/admin/keys/:id).
func (a *App) handleAdminKeyDeactivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Store.DeactivateAPIKey(r.Context(), id); err != nil {
		writeError(w, apperr.Fatal("failed to deactivate api key", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminUsage serves a key's usage count for a given UTC date,
// defaulting to today (spec §6 GET /api/v1/admin/usage).
func (a *App) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	keyID := r.URL.Query().Get("key_id")
	if keyID == "" {
		writeError(w, apperr.Validation("key_id is required"))
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("20060102")
	}
	requests, err := a.Store.UsageForKey(r.Context(), keyID, date)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load usage", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key_id": keyID, "date": date, "requests": requests})
}

// handleAdminRecalculate forces a fresh snapshot computation and save
// (spec §6 POST /api/v1/admin/k/recalculate).
func (a *App) handleAdminRecalculate(w http.ResponseWriter, r *http.Request) {
	result, err := calculator.CalculateAndSave(r.Context(), a.Store, a.Calc.Params())
	if err != nil {
		writeError(w, apperr.Fatal("failed to recalculate", err))
		return
	}
	a.Calc.Invalidate()
	writeJSON(w, http.StatusOK, a.toKMetricResponse(r, result))
}

type backfillRequest struct {
	Addresses []string `json:"addresses"`
}

// handleAdminKWalletBackfill bulk-enqueues addresses for K_wallet
// recompute, for seeding a fresh deployment (spec §6 POST
// /api/v1/admin/k-wallet/backfill).
func (a *App) handleAdminKWalletBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if len(req.Addresses) == 0 {
		writeError(w, apperr.Validation("addresses must not be empty"))
		return
	}
	enqueued := 0
	for _, addr := range req.Addresses {
		if err := a.Store.EnqueueKWallet(r.Context(), addr, 1); err != nil {
			a.Log.Warn().Err(err).Str("wallet", addr).Msg("backfill enqueue failed")
			continue
		}
		enqueued++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": enqueued, "requested": len(req.Addresses)})
}

// handleAdminQueues reports both queue depths (spec §6 GET
// /api/v1/admin/queues).
func (a *App) handleAdminQueues(w http.ResponseWriter, r *http.Request) {
	walletQueueLen, err := a.Store.QueueLengthKWallet(r.Context())
	if err != nil {
		writeError(w, apperr.Fatal("failed to read wallet queue length", err))
		return
	}
	tokenQueueLen, err := a.Store.QueueLengthToken(r.Context())
	if err != nil {
		writeError(w, apperr.Fatal("failed to read token queue length", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_queue_length": walletQueueLen,
		"token_queue_length":  tokenQueueLen,
	})
}
