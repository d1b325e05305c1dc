// Package gateway is the single HTTP entry point: middleware chain,
// route dispatch, and every handler group from spec §6 (dashboard
// endpoints, the external oracle API, webhook-subscription management,
// the admin surface, the WebSocket upgrade, and /metrics). Grounded on
// the teacher corpus's gorilla/mux controller pattern (App holding
// shared dependencies, NewRouter wiring routes to methods on one
// receiver).
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/apperr"
	"github.com/wnt/oracle/internal/backup"
	"github.com/wnt/oracle/internal/cache"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/config"
	"github.com/wnt/oracle/internal/fanout/webhook"
	"github.com/wnt/oracle/internal/fanout/ws"
	"github.com/wnt/oracle/internal/ingest"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/scorer"
	"github.com/wnt/oracle/internal/store"
)

// App bundles every dependency a handler might need. One App backs one
// Gateway; handler methods hang off it the way the canopyx controllers
// hang off their Controller/App types.
type App struct {
	Store      store.Store
	Chain      chain.Adapter
	Calc       *calculator.Cached
	Pipeline   *ingest.Pipeline
	Hub        *ws.Hub
	Dispatcher *webhook.Dispatcher
	Wallets    *scorer.WalletScorer
	Tokens     *scorer.TokenScorer
	Backup     *backup.Scheduler
	Config     config.Config
	Log        zerolog.Logger

	startedAt time.Time
	keyCache  *cache.Cache[*apiKeyCacheEntry]
	limiter   *RateLimiter
}

// uptime reports how long this App has been serving requests, for the
// /k-metric/status and /api/v1/status payloads.
func (a *App) uptime() time.Duration {
	return time.Since(a.startedAt)
}

// apiKeyCacheEntry lets the 5-minute key cache hold a negative result
// for unknown keys without a nil-map special case (spec §4.8 "negatively
// caches unknown keys").
type apiKeyCacheEntry struct {
	key *models.APIKey
}

const apiKeyCacheTTL = 5 * time.Minute

// New builds the Gateway's App. Callers still own starting the
// background loops (Pipeline.Run, Wallets.Run, Tokens.Run,
// Dispatcher.Run, Backup.Run); the App only serves HTTP.
func New(
	s store.Store,
	adapter chain.Adapter,
	calc *calculator.Cached,
	pipeline *ingest.Pipeline,
	hub *ws.Hub,
	dispatcher *webhook.Dispatcher,
	wallets *scorer.WalletScorer,
	tokens *scorer.TokenScorer,
	bk *backup.Scheduler,
	cfg config.Config,
	log zerolog.Logger,
) *App {
	return &App{
		Store:      s,
		Chain:      adapter,
		Calc:       calc,
		Pipeline:   pipeline,
		Hub:        hub,
		Dispatcher: dispatcher,
		Wallets:    wallets,
		Tokens:     tokens,
		Backup:     bk,
		Config:     cfg,
		Log:        logger.WithComponent(log, "gateway"),
		startedAt:  time.Now().UTC(),
		keyCache:   cache.New[*apiKeyCacheEntry](apiKeyCacheTTL, 10000),
		limiter:    NewRateLimiter(),
	}
}

// NewRouter wires every route to its handler through the middleware
// chain, in the order spec §4.8 lists: security headers, CORS, API key
// resolution, rate limiting, body limit, dispatch, request correlation,
// usage accounting. gorilla/mux matches static routes before the
// regex-capture dynamic ones by registration order, so routes are
// registered most-specific first.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, apperr.NotFound("route not found"))
	})

	chain := a.chainMiddleware

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Dashboard (/k-metric/*)
	r.Handle("/k-metric", chain(http.HandlerFunc(a.handleKMetric))).Methods(http.MethodGet)
	r.Handle("/k-metric/history", chain(http.HandlerFunc(a.handleKMetricHistory))).Methods(http.MethodGet)
	r.Handle("/k-metric/holders", chain(http.HandlerFunc(a.handleKMetricHolders))).Methods(http.MethodGet)
	r.Handle("/k-metric/status", chain(http.HandlerFunc(a.handleKMetricStatus))).Methods(http.MethodGet)
	r.Handle("/k-metric/wallet/{addr}/k-score", chain(http.HandlerFunc(a.handleWalletKScore))).Methods(http.MethodGet)
	r.Handle("/k-metric/wallet/{addr}/k-global", chain(http.HandlerFunc(a.handleWalletKGlobal))).Methods(http.MethodGet)
	r.Handle("/k-metric/webhook", chain(http.HandlerFunc(a.handlePushWebhook))).Methods(http.MethodPost)
	r.Handle("/k-metric/sync", chain(a.RequireAdmin(http.HandlerFunc(a.handleTriggerSync)))).Methods(http.MethodPost)
	r.Handle("/k-metric/backup", chain(a.RequireAdmin(http.HandlerFunc(a.handleTriggerBackup)))).Methods(http.MethodPost)

	// External oracle API (/api/v1/*)
	r.Handle("/api/v1/status", chain(http.HandlerFunc(a.handleAPIStatus))).Methods(http.MethodGet)
	r.Handle("/api/v1/token/{mint}", chain(http.HandlerFunc(a.handleAPIToken))).Methods(http.MethodGet)
	r.Handle("/api/v1/wallet/{addr}", chain(http.HandlerFunc(a.handleAPIWallet))).Methods(http.MethodGet)
	r.Handle("/api/v1/wallets", chain(http.HandlerFunc(a.handleAPIWalletsBatch))).Methods(http.MethodPost)
	r.Handle("/api/v1/tokens", chain(http.HandlerFunc(a.handleAPITokensBatch))).Methods(http.MethodPost)
	r.Handle("/api/v1/holders", chain(http.HandlerFunc(a.handleKMetricHolders))).Methods(http.MethodGet)

	// Webhook subscription management
	r.Handle("/api/v1/webhooks/events", chain(http.HandlerFunc(a.handleWebhookEvents))).Methods(http.MethodGet)
	r.Handle("/api/v1/webhooks", chain(http.HandlerFunc(a.handleWebhooksList))).Methods(http.MethodGet)
	r.Handle("/api/v1/webhooks", chain(http.HandlerFunc(a.handleWebhooksCreate))).Methods(http.MethodPost)
	r.Handle("/api/v1/webhooks/{id}", chain(http.HandlerFunc(a.handleWebhookGet))).Methods(http.MethodGet)
	r.Handle("/api/v1/webhooks/{id}", chain(http.HandlerFunc(a.handleWebhookDelete))).Methods(http.MethodDelete)
	r.Handle("/api/v1/webhooks/{id}/deliveries", chain(http.HandlerFunc(a.handleWebhookDeliveries))).Methods(http.MethodGet)

	// Admin surface
	r.Handle("/api/v1/admin/keys", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminKeysList)))).Methods(http.MethodGet)
	r.Handle("/api/v1/admin/keys", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminKeysCreate)))).Methods(http.MethodPost)
	r.Handle("/api/v1/admin/keys/{id}", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminKeyDeactivate)))).Methods(http.MethodDelete)
	r.Handle("/api/v1/admin/usage", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminUsage)))).Methods(http.MethodGet)
	r.Handle("/api/v1/admin/k/recalculate", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminRecalculate)))).Methods(http.MethodPost)
	r.Handle("/api/v1/admin/k-wallet/backfill", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminKWalletBackfill)))).Methods(http.MethodPost)
	r.Handle("/api/v1/admin/queues", chain(a.RequireAdmin(http.HandlerFunc(a.handleAdminQueues)))).Methods(http.MethodGet)

	// WebSocket upgrade
	r.Handle("/ws", chain(http.HandlerFunc(a.handleWS))).Methods(http.MethodGet)

	return r
}
