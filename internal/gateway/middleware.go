package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/metrics"
)

const maxBodyBytes = 1 << 20 // 1 MiB (spec §4.8 "body limit")
const readHeaderTimeout = 30 * time.Second

// chainMiddleware wraps next in the full ordered chain from spec §4.8:
// security headers, CORS, API-key resolution, rate limiting, body limit,
// dispatch, then request correlation and async usage accounting around
// the handler itself.
func (a *App) chainMiddleware(next http.Handler) http.Handler {
	return a.withSecurityHeaders(a.withCORS(a.withAPIKey(a.withRateLimit(a.withBodyLimit(a.withRequestTracking(next))))))
}

// withSecurityHeaders sets the fixed header set on every response and
// redirects to HTTPS in production (spec §4.8).
func (a *App) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if a.Config.Production {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				target := "https://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusMovedPermanently)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS echoes the request Origin when it's on the configured
// allow-list (or allows any origin when the list is empty), matching the
// teacher's controller.WithCORS shape but gated by an explicit allow-list
// instead of echoing unconditionally.
func (a *App) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := a.originAllowed(origin)

		if origin != "" && allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else if len(a.Config.CORSOrigins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Oracle-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)

		if r.Method == http.MethodOptions {
			if origin != "" && !allowed && len(a.Config.CORSOrigins) > 0 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if origin != "" && !allowed && len(a.Config.CORSOrigins) > 0 {
			writeError(w, apperr.Auth("origin not allowed"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *App) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if len(a.Config.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range a.Config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withAPIKey resolves the X-Oracle-Key header against the 5-minute cache,
// falling back to Store.ValidateAPIKey on a miss and negatively caching
// unknown keys (spec §4.8 step 3).
func (a *App) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Oracle-Key")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		if entry, ok := a.keyCache.Get(raw); ok {
			if entry.key == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, withAPIKey(r, entry.key))
			return
		}

		key, err := a.Store.ValidateAPIKey(r.Context(), raw)
		if err != nil {
			a.Log.Error().Err(err).Msg("api key validation failed")
			writeError(w, apperr.Fatal("failed to validate api key", err))
			return
		}
		a.keyCache.Set(raw, &apiKeyCacheEntry{key: key})
		if key == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, withAPIKey(r, key))
	})
}

// withRateLimit applies the tiered sliding-window limiter keyed by
// identity and sets the X-RateLimit-* headers on every response (spec
// §4.8 step 4).
func (a *App) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := tierFromContext(r)
		identity := rateLimitIdentity(r)
		decision := a.limiter.Check(identity, tier, time.Now().UTC())

		w.Header().Set("X-RateLimit-Tier", tier)
		if decision.Limit >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt, 10))
		}

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			writeError(w, apperr.RateLimited("rate limit exceeded", decision.Reason))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyReadTimeout bounds how long a handler may spend reading the
// request body, independent of the declared Content-Length, so a
// slow-loris client trickling bytes can't hold a handler goroutine open
// indefinitely (spec §4.8 step 5).
const bodyReadTimeout = 30 * time.Second

// withBodyLimit rejects oversized declared bodies before a single byte is
// read, enforces the 1 MiB cap during the read via http.MaxBytesReader,
// and bounds the total read duration with a per-request deadline (spec
// §4.8 step 5: "Content-Length precheck" plus a "30s http.TimeoutHandler
// -style read deadline").
func (a *App) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodyBytes {
			writeError(w, apperr.PayloadTooLarge("request body too large"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		rc := http.NewResponseController(w)
		if err := rc.SetReadDeadline(time.Now().Add(bodyReadTimeout)); err != nil {
			a.Log.Debug().Err(err).Msg("read deadline unsupported by response writer")
		}

		next.ServeHTTP(w, r)
	})
}

// withRequestTracking stamps (or echoes) X-Request-ID, logs the request
// at debug level, and fires off usage accounting without blocking the
// response (spec §4.8 steps 7-8).
func (a *App) withRequestTracking(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		r = withRequestID(r, reqID)

		reqLog := logger.WithRequestID(a.Log, reqID)
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		metrics.RecordHTTPRequest(route, strconv.Itoa(sw.status))
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		reqLog.Debug().Str("method", r.Method).Str("path", route).Int("status", sw.status).Dur("duration", time.Since(start)).Msg("request handled")

		a.recordUsageAsync(r)
	})
}

// recordUsageAsync increments the calling key's daily usage counter in a
// detached goroutine so accounting never adds latency to the response
// (spec §4.8 step 8: "must not block the response").
func (a *App) recordUsageAsync(r *http.Request) {
	key := apiKeyFromContext(r)
	if key == nil {
		return
	}
	keyID := key.ID
	date := time.Now().UTC().Format("20060102")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Store.IncrementUsage(ctx, keyID, date); err != nil {
			a.Log.Warn().Err(err).Str("key_id", keyID).Msg("failed to record usage")
		}
	}()
}

// RequireAdmin gates a handler behind a constant-time compare against the
// configured admin key (spec §6 admin surface).
func (a *App) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := bearerToken(r)
		if a.Config.AdminKey == "" || given == "" || !constantTimeEqual(given, a.Config.AdminKey) {
			writeError(w, apperr.Auth("admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// statusWriter captures the status code written so middleware can record
// it in metrics and logs after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
