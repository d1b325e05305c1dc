package gateway

import (
	"context"
	"net/http"

	"github.com/wnt/oracle/internal/models"
)

type contextKey int

const (
	ctxKeyAPIKey contextKey = iota
	ctxKeyRequestID
)

// withAPIKey attaches the resolved API-key record (nil if anonymous) to
// the request context (spec §4.8 step 3: "attach record to the request
// context").
func withAPIKey(r *http.Request, key *models.APIKey) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyAPIKey, key))
}

// apiKeyFromContext returns the resolved key, or nil for anonymous
// requests.
func apiKeyFromContext(r *http.Request) *models.APIKey {
	v, _ := r.Context().Value(ctxKeyAPIKey).(*models.APIKey)
	return v
}

// tierFromContext returns the caller's tier, defaulting to "public" for
// anonymous requests (spec §4.8 tier table).
func tierFromContext(r *http.Request) string {
	if key := apiKeyFromContext(r); key != nil {
		return key.Tier
	}
	return "public"
}

func withRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id))
}

func requestIDFromContext(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyRequestID).(string)
	return v
}

// rateLimitIdentity returns the key a rate-limit/usage counter is keyed
// by: the API-key ID if present, else the client IP (spec §4.8 step 4).
func rateLimitIdentity(r *http.Request) string {
	if key := apiKeyFromContext(r); key != nil {
		return "key:" + key.ID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
