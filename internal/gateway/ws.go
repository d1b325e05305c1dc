package gateway

import "net/http"

// handleWS upgrades to a WebSocket connection. The key is resolved from
// the ?key= query parameter rather than Authorization, since browser
// WebSocket clients can't set custom headers on the upgrade request
// (spec §6 "Wire protocol: WebSocket"). An absent or invalid key falls
// back to the public tier rather than rejecting the connection, since the
// feed itself is public data.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	apiKeyID := ""
	tier := "public"

	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := a.Store.ValidateAPIKey(r.Context(), raw)
		if err != nil {
			a.Log.Error().Err(err).Msg("ws key validation failed")
		} else if key != nil {
			apiKeyID = key.ID
			tier = key.Tier
		}
	}

	if err := a.Hub.Accept(w, r, apiKeyID, tier); err != nil {
		a.Log.Debug().Err(err).Msg("websocket session ended")
	}
}
