package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/backup"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/config"
	"github.com/wnt/oracle/internal/fanout"
	"github.com/wnt/oracle/internal/fanout/webhook"
	"github.com/wnt/oracle/internal/fanout/ws"
	"github.com/wnt/oracle/internal/ingest"
	"github.com/wnt/oracle/internal/scorer"
	"github.com/wnt/oracle/internal/store"
)

func newTestApp(t *testing.T) (*App, *store.Fake) {
	t.Helper()
	log := zerolog.New(io.Discard)
	fakeStore := store.NewFake()
	fakeChain := chain.NewFake()

	params := calculator.Params{StaticMinBalance: bigint.NewAmount(0)}
	calc := calculator.NewCached(fakeStore, params)

	hub := ws.NewHub(log)
	dispatcher := webhook.NewDispatcher(fakeStore, log)
	sink := fanout.NewSink(hub, dispatcher)

	pipeline := ingest.New(fakeStore, fakeChain, calc, params, sink, ingest.Config{Mint: "mint1"}, log)

	wallets := scorer.NewWalletScorer(fakeStore, fakeChain, scorer.WalletScorerConfig{}, log)
	tokens := scorer.NewTokenScorer(fakeStore, fakeChain, scorer.TokenScorerConfig{}, log)

	bk := backup.NewScheduler(nil, t.TempDir(), 5, backup.DefaultSpec, log)

	cfg := config.Config{
		TokenMint: "mint1",
		AdminKey:  "supersecret",
	}

	app := New(fakeStore, fakeChain, calc, pipeline, hub, dispatcher, wallets, tokens, bk, cfg, log)
	return app, fakeStore
}

func TestHandleKMetric_EmptyStoreReturnsZeroK(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/k-metric", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"holders":0`)
}

func TestHandleAPIWallet_UnknownAddressReturns404(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAdminKeysCreate_RequiresAdminKey(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	body := strings.NewReader(`{"name":"test key","tier":"free"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAdminKeysCreate_SucceedsWithAdminKey(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	body := strings.NewReader(`{"name":"test key","tier":"free"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys", body)
	req.Header.Set("Authorization", "Bearer supersecret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"fake_`)
}

func TestHandleAPIToken_MissingMintEnqueuesAndReturns202(t *testing.T) {
	app, fakeStore := newTestApp(t)
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/token/somemint", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)

	n, err := fakeStore.QueueLengthToken(req.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandleAPIToken_FreshCachedScoreServedDirectly(t *testing.T) {
	app, fakeStore := newTestApp(t)
	router := app.NewRouter()

	result := scorer.TokenScoreResult{Mint: "primed", K: 77, Holders: 10, TokensAnalyzed: 9, SyncedAt: time.Now().UTC()}
	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, fakeStore.SetSyncState(context.Background(), scorer.TokenScoreSyncKey("primed"), string(encoded)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/token/primed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"k":77`)
}

func TestHandleAPIToken_RejectsMintOutsideEcosystem(t *testing.T) {
	app, _ := newTestApp(t)
	app.Config.EcosystemSuffixes = []string{"pump", "bonk"}
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/token/randommint", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAPITokensBatch_CountsRejectedSeparatelyFromSummary(t *testing.T) {
	app, _ := newTestApp(t)
	app.Config.EcosystemSuffixes = []string{"pump"}
	router := app.NewRouter()

	body := strings.NewReader(`{"mints":["foopump","foobonk"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rejected":1`)
	assert.Contains(t, rec.Body.String(), `"queued":1`)
}

func TestWebhooksCreate_RequiresAPIKey(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	body := strings.NewReader(`{"url":"https://example.com/hook","events":["k_change"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhooksCreate_SucceedsWithValidAPIKey(t *testing.T) {
	app, fakeStore := newTestApp(t)
	router := app.NewRouter()

	plaintext, _, err := fakeStore.CreateAPIKey(context.Background(), "test", "standard", 0, 0, nil)
	require.NoError(t, err)

	body := strings.NewReader(`{"url":"https://example.com/hook","events":["k_change"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", body)
	req.Header.Set("X-Oracle-Key", plaintext)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"secret":`)
}

func TestRateLimitHeaders_PresentOnEveryResponse(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/k-metric", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "public", rec.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_PublicTierExhaustionReturns429(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	var last *httptest.ResponseRecorder
	for i := 0; i < 101; i++ {
		req := httptest.NewRequest(http.MethodGet, "/k-metric", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestWalletKGlobal_FailsClosedWithoutAdminOrHolderProof(t *testing.T) {
	app, fakeStore := newTestApp(t)
	app.Config.KGlobalGated = true
	app.Config.KGlobalFailClosed = true
	router := app.NewRouter()

	_, err := fakeStore.UpsertWallet(context.Background(), store.BalanceChange{
		Wallet: "wallet1", Slot: 1, Amount: bigint.NewAmount(100),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/k-metric/wallet/wallet1/k-global", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWalletKGlobal_AdminKeyBypassesGate(t *testing.T) {
	app, fakeStore := newTestApp(t)
	app.Config.KGlobalGated = true
	router := app.NewRouter()

	_, err := fakeStore.UpsertWallet(context.Background(), store.BalanceChange{
		Wallet: "wallet1", Slot: 1, Amount: bigint.NewAmount(100),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/k-metric/wallet/wallet1/k-global", nil)
	req.Header.Set("Authorization", "Bearer supersecret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePushWebhook_RejectsBadSignature(t *testing.T) {
	app, _ := newTestApp(t)
	app.Config.HeliusWebhookSecret = "sekret"
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/k-metric/webhook", strings.NewReader(`[]`))
	req.Header.Set("X-Helius-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotFoundHandler_UsesStableErrorEnvelope(t *testing.T) {
	app, _ := newTestApp(t)
	router := app.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"not_found"`)
}
