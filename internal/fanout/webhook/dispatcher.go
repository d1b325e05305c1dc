// Package webhook is the outbound signed-webhook dispatcher (spec §4.4,
// §6 "Wire protocol: outbound webhook"). Dispatch enqueues a pending
// WebhookDelivery row per matching subscription; a background worker
// claims batches, signs and POSTs them, and records success/failure
// (backoff ladder and auto-disable live in the Store, spec §4.4).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/metrics"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

// backoffLadder is the terminal-after-3-attempts retry schedule the Store
// already encodes (spec §4.4); kept here too so the dispatcher can pass
// it through to MarkWebhookDeliveryFailure.
var backoffLadder = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

const (
	claimBatchSize  = 50
	claimInterval   = 30 * time.Second
	deliveryTimeout = 10 * time.Second
)

// Dispatcher owns the claim-and-deliver loop.
type Dispatcher struct {
	store store.Store
	http  *http.Client
	log   zerolog.Logger
}

func NewDispatcher(s store.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store: s,
		http:  &http.Client{Timeout: deliveryTimeout},
		log:   logger.WithComponent(log, "webhook_dispatcher"),
	}
}

// Dispatch fans an event out to every active subscription listening for
// eventType, writing a pending WebhookDelivery row each (spec §4.4:
// "Outbound webhook dispatch happens asynchronously").
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data interface{}) {
	subs, err := d.store.SubscriptionsForEvent(ctx, eventType)
	if err != nil {
		d.log.Error().Err(err).Str("event", eventType).Msg("failed to look up subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event": eventType,
		"data":  data,
		"ts":    time.Now().UTC().Unix(),
	})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	for _, sub := range subs {
		delivery := &models.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventType:      eventType,
			PayloadJSON:    string(payload),
			Status:         "pending",
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.store.CreateWebhookDelivery(ctx, delivery); err != nil {
			d.log.Error().Err(err).Str("subscription", sub.ID).Msg("failed to create webhook delivery")
		}
	}
}

// Run starts the periodic claim-batch loop, blocking until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverBatch(ctx)
		}
	}
}

func (d *Dispatcher) deliverBatch(ctx context.Context) {
	deliveries, err := d.store.ClaimWebhookDeliveries(ctx, claimBatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to claim webhook deliveries")
		return
	}
	for _, delivery := range deliveries {
		d.deliverOne(ctx, delivery)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, delivery models.WebhookDelivery) {
	sub, err := d.store.GetWebhookSubscription(ctx, delivery.SubscriptionID)
	if err != nil || sub == nil || !sub.IsActive {
		// Subscription gone or disabled since the event fired; the
		// attempt is recorded as a failure, so the delivery is retried on
		// the backoff ladder and marked failed after its third attempt.
		_ = d.store.MarkWebhookDeliveryFailure(ctx, delivery.ID, 0, "subscription inactive", backoffLadder)
		return
	}

	sig := Sign(sub.Secret, []byte(delivery.PayloadJSON))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader([]byte(delivery.PayloadJSON)))
	if err != nil {
		d.fail(ctx, sub, delivery, 0, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oracle-Signature", sig)
	req.Header.Set("X-Oracle-Event", delivery.EventType)
	req.Header.Set("X-Oracle-Timestamp", fmt.Sprintf("%d", time.Now().UTC().Unix()))

	resp, err := d.http.Do(req)
	if err != nil {
		d.fail(ctx, sub, delivery, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RecordWebhookDelivery(delivery.EventType, "success")
		if err := d.store.MarkWebhookDeliverySuccess(ctx, delivery.ID, resp.StatusCode, string(body)); err != nil {
			d.log.Error().Err(err).Str("delivery", delivery.ID).Msg("failed to record delivery success")
		}
		if err := d.store.RecordWebhookSuccess(ctx, sub.ID); err != nil {
			d.log.Error().Err(err).Str("subscription", sub.ID).Msg("failed to record subscription success")
		}
		return
	}

	d.failWithResponse(ctx, sub, delivery, resp.StatusCode, string(body))
}

func (d *Dispatcher) fail(ctx context.Context, sub *models.WebhookSubscription, delivery models.WebhookDelivery, code int, body string) {
	d.failWithResponse(ctx, sub, delivery, code, body)
}

func (d *Dispatcher) failWithResponse(ctx context.Context, sub *models.WebhookSubscription, delivery models.WebhookDelivery, code int, body string) {
	metrics.RecordWebhookDelivery(delivery.EventType, "failure")
	// MarkWebhookDeliveryFailure increments the subscription's failure
	// count itself, but only on the terminal attempt (spec Testable
	// Scenario F: one failed attempt must not count toward the >=5
	// auto-deactivation threshold).
	if err := d.store.MarkWebhookDeliveryFailure(ctx, delivery.ID, code, body, backoffLadder); err != nil {
		d.log.Error().Err(err).Str("delivery", delivery.ID).Msg("failed to record delivery failure")
	}
	d.log.Warn().Str("subscription", sub.ID).Int("code", code).Msg("webhook delivery failed")
}

// Sign returns the hex HMAC-SHA256 of body under secret (spec §6:
// "X-Oracle-Signature: HMAC-SHA256 of the raw body").
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body, constant-time. Exposed
// for subscribers who want to validate their own sample payloads and for
// tests.
func Verify(secret string, body []byte, signatureHex string) bool {
	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}
