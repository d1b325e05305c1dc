package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestSignVerify_RoundTrips(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event":"k_change"}`)
	sig := Sign(secret, body)

	assert.True(t, Verify(secret, body, sig))
	assert.False(t, Verify("wrong-secret", body, sig))
	assert.False(t, Verify(secret, []byte(`{"tampered":true}`), sig))
}

func newSubscription(t *testing.T, s store.Store, url string, events []string) *models.WebhookSubscription {
	t.Helper()
	sub := &models.WebhookSubscription{
		ID:       "sub-1",
		URL:      url,
		Secret:   "shared-secret",
		IsActive: true,
	}
	sub.SetEventSet(events)
	require.NoError(t, s.CreateWebhookSubscription(context.Background(), sub))
	return sub
}

func TestDispatch_CreatesPendingDeliveryForMatchingSubscription(t *testing.T) {
	s := store.NewFake()
	newSubscription(t, s, "https://example.com/hook", []string{"k_change"})

	d := NewDispatcher(s, discardLogger())
	d.Dispatch(context.Background(), "k_change", map[string]int{"new_k": 70})

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "pending", deliveries[0].Status)
	assert.Equal(t, "k_change", deliveries[0].EventType)
}

func TestDispatch_SkipsSubscriptionsForOtherEvents(t *testing.T) {
	s := store.NewFake()
	newSubscription(t, s, "https://example.com/hook", []string{"holder_new"})

	d := NewDispatcher(s, discardLogger())
	d.Dispatch(context.Background(), "k_change", map[string]int{"new_k": 70})

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestDeliverBatch_MarksSuccessOnOK(t *testing.T) {
	var gotSig, gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Oracle-Signature")
		gotEvent = r.Header.Get("X-Oracle-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := store.NewFake()
	newSubscription(t, s, server.URL, []string{"k_change"})

	d := NewDispatcher(s, discardLogger())
	d.Dispatch(context.Background(), "k_change", map[string]int{"new_k": 70})
	d.deliverBatch(context.Background())

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "success", deliveries[0].Status)
	assert.Equal(t, "k_change", gotEvent)
	assert.NotEmpty(t, gotSig)
}

func TestDeliverBatch_SchedulesRetryOnFirstFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := store.NewFake()
	newSubscription(t, s, server.URL, []string{"k_change"})

	d := NewDispatcher(s, discardLogger())
	d.Dispatch(context.Background(), "k_change", map[string]int{"new_k": 70})
	d.deliverBatch(context.Background())

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "pending", deliveries[0].Status, "first failure schedules a retry rather than terminating")
	assert.Equal(t, 1, deliveries[0].Attempts)
	require.NotNil(t, deliveries[0].NextRetryAt)

	// The delivery isn't claimable again until its backoff elapses, so a
	// second immediate batch pass must not re-attempt it.
	deliveries, err = s.ClaimWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	sub, err := s.GetWebhookSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sub.FailureCount, "subscription failure count only increments on terminal (3rd) failure")
}

func TestDeliverBatch_ThirdFailedAttemptMarksDeliveryFailedAndCountsOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := store.NewFake()
	newSubscription(t, s, server.URL, []string{"k_change"})

	d := NewDispatcher(s, discardLogger())
	d.Dispatch(context.Background(), "k_change", map[string]int{"new_k": 70})

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	for i := 0; i < 3; i++ {
		require.NoError(t, s.MarkWebhookDeliveryFailure(context.Background(), id, 500, "boom", backoffLadder))
	}

	deliveries, err = s.ListWebhookDeliveries(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "failed", deliveries[0].Status)
	assert.Equal(t, 3, deliveries[0].Attempts)

	sub, err := s.GetWebhookSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.FailureCount)
}

