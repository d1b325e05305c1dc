package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/models"
)

// webhookEventTypes are the event names a subscription may register for
// (spec §6 wire protocol: holder_new, holder_exit, k_change).
var webhookEventTypes = []string{"holder_new", "holder_exit", "k_change"}

// handleWebhookEvents lists the valid event types a subscriber can
// register for (spec §6 GET /api/v1/webhooks/events).
func (a *App) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": webhookEventTypes})
}

func ownerKeyID(r *http.Request) (string, error) {
	key := apiKeyFromContext(r)
	if key == nil {
		return "", apperr.Auth("an api key is required to manage webhooks")
	}
	return key.ID, nil
}

// handleWebhooksList serves the calling key's own subscriptions (spec §6
// GET /api/v1/webhooks).
func (a *App) handleWebhooksList(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerKeyID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, err := a.Store.ListWebhookSubscriptions(r.Context(), ownerID)
	if err != nil {
		writeError(w, apperr.Fatal("failed to list webhooks", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": subs})
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// handleWebhooksCreate registers a new subscription, generating its HMAC
// secret server-side and returning it once (spec §3 WebhookSubscription,
// §6 POST /api/v1/webhooks).
func (a *App) handleWebhooksCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerKeyID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.URL == "" {
		writeError(w, apperr.Validation("url is required"))
		return
	}
	if len(req.Events) == 0 {
		writeError(w, apperr.Validation("events must not be empty"))
		return
	}
	for _, e := range req.Events {
		if !isValidEventType(e) {
			writeError(w, apperr.Validation("unknown event type: "+e))
			return
		}
	}

	secret, err := generateWebhookSecret()
	if err != nil {
		writeError(w, apperr.Fatal("failed to generate webhook secret", err))
		return
	}

	sub := &models.WebhookSubscription{
		ID:            uuid.NewString(),
		OwnerAPIKeyID: ownerID,
		URL:           req.URL,
		Secret:        secret,
		IsActive:      true,
	}
	sub.SetEventSet(req.Events)

	if err := a.Store.CreateWebhookSubscription(r.Context(), sub); err != nil {
		writeError(w, apperr.Fatal("failed to create webhook", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     sub.ID,
		"url":    sub.URL,
		"events": req.Events,
		"secret": secret,
	})
}

func isValidEventType(e string) bool {
	for _, valid := range webhookEventTypes {
		if e == valid {
			return true
		}
	}
	return false
}

func generateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// handleWebhookGet serves one subscription owned by the calling key (spec
// §6 GET /api/v1/webhooks/:id).
func (a *App) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerKeyID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	sub, err := a.Store.GetWebhookSubscription(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load webhook", err))
		return
	}
	if sub == nil || sub.OwnerAPIKeyID != ownerID {
		writeError(w, apperr.NotFound("webhook not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": sub.ID, "url": sub.URL, "events": sub.EventSet(),
		"is_active": sub.IsActive, "failure_count": sub.FailureCount,
		"last_triggered_at": sub.LastTriggeredAt, "created_at": sub.CreatedAt,
	})
}

// handleWebhookDelete deletes a subscription owned by the calling key
// (spec §6 DELETE /api/v1/webhooks/:id).
func (a *App) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerKeyID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.Store.DeleteWebhookSubscription(r.Context(), id, ownerID); err != nil {
		writeError(w, apperr.Fatal("failed to delete webhook", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhookDeliveries serves a subscription's recent delivery
// attempts, scoped to the calling key (spec §6 GET
// /api/v1/webhooks/:id/deliveries).
func (a *App) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerKeyID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	sub, err := a.Store.GetWebhookSubscription(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Fatal("failed to load webhook", err))
		return
	}
	if sub == nil || sub.OwnerAPIKeyID != ownerID {
		writeError(w, apperr.NotFound("webhook not found"))
		return
	}
	deliveries, err := a.Store.ListWebhookDeliveries(r.Context(), id, 100)
	if err != nil {
		writeError(w, apperr.Fatal("failed to list deliveries", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}
