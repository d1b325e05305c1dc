package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/models"
)

func change(sig string, slot int64, wallet string, amount int64) BalanceChange {
	return BalanceChange{
		Wallet:    wallet,
		Slot:      slot,
		BlockTime: time.Unix(slot, 0).UTC(),
		Amount:    bigint.NewAmount(amount),
		Signature: sig,
	}
}

// scenario (A): ingest idempotence across push+pull for the same signature.
func TestFake_IngestIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	c := change("S1", 100, "W", 1000)

	inserted, err := s.RecordTransaction(ctx, c)
	require.NoError(t, err)
	assert.True(t, inserted)
	_, err = s.UpsertWallet(ctx, c)
	require.NoError(t, err)

	// Same signature arrives again via the other path.
	inserted, err = s.RecordTransaction(ctx, c)
	require.NoError(t, err)
	assert.False(t, inserted, "second RecordTransaction of the same signature must not insert")

	w, err := s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "1000", w.CurrentBalance.String())
	assert.Equal(t, "1000", w.PeakBalance.String())
	assert.Equal(t, "1000", w.FirstBuyAmount.String())

	slot, err := s.LastProcessedSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), slot)
}

// testable property #2: slot monotonicity.
func TestFake_SlotMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	_, err := s.UpsertWallet(ctx, change("S1", 100, "W", 1000))
	require.NoError(t, err)

	applied, err := s.UpsertWallet(ctx, change("S0", 50, "W", 5000))
	require.NoError(t, err)
	assert.False(t, applied)

	w, err := s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "1000", w.CurrentBalance.String())
	assert.Equal(t, int64(100), w.LastSlot)
	assert.Equal(t, "S1", w.LastTxSignature)
}

// testable property #3: peak invariant.
func TestFake_PeakInvariant(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	_, err := s.UpsertWallet(ctx, change("S1", 100, "W", 1000))
	require.NoError(t, err)
	_, err = s.UpsertWallet(ctx, change("S2", 200, "W", -400))
	require.NoError(t, err)

	w, err := s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "600", w.CurrentBalance.String())
	assert.Equal(t, "1000", w.PeakBalance.String(), "peak must not drop when balance falls")

	_, err = s.UpsertWallet(ctx, change("S3", 300, "W", 2000))
	require.NoError(t, err)
	w, err = s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "2600", w.PeakBalance.String())
}

// testable property #4: first-buy write-once.
func TestFake_FirstBuyWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	_, err := s.UpsertWallet(ctx, change("S1", 100, "W", 1000))
	require.NoError(t, err)
	w, err := s.GetWallet(ctx, "W")
	require.NoError(t, err)
	firstBuyTs := *w.FirstBuyTs

	_, err = s.UpsertWallet(ctx, change("S2", 200, "W", 5000))
	require.NoError(t, err)
	w, err = s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "1000", w.FirstBuyAmount.String())
	assert.True(t, firstBuyTs.Equal(*w.FirstBuyTs))
}

// scenario (B).
func TestFake_RetentionScenarioB(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	_, err := s.UpsertWallet(ctx, change("S1", 100, "W", 1000))
	require.NoError(t, err)
	_, err = s.UpsertWallet(ctx, change("S2", 150, "W", 2000))
	require.NoError(t, err)

	w, err := s.GetWallet(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, "3000", w.CurrentBalance.String())
	assert.Equal(t, "1000", w.FirstBuyAmount.String())
}

// testable property #6: queue single-flight.
func TestFake_QueueSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-a", 5))

	e1, err := s.DequeueKWallet(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, "wallet-a", e1.Key)

	e2, err := s.DequeueKWallet(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, e2, "a leased key must not be dequeued again")

	require.NoError(t, s.CompleteKWallet(ctx, "wallet-a"))

	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-a", 1))
	e3, err := s.DequeueKWallet(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e3, "completed key must be dequeueable again after re-enqueue")
}

func TestFake_QueuePriorityCoalesces(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-a", 1))
	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-a", 10))

	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-b", 5))

	e, err := s.DequeueKWallet(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "wallet-a", e.Key, "higher-priority re-enqueue should win dequeue order")
	assert.Equal(t, 10, e.Priority)
}

func TestFake_QueueFailClearsLeaseAndIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	require.NoError(t, s.EnqueueToken(ctx, "MINT", 1))
	e, err := s.DequeueToken(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)

	require.NoError(t, s.FailToken(ctx, "MINT", errors.New("upstream timeout")))

	e2, err := s.DequeueToken(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e2, "failed entry must be immediately re-leaseable")
	assert.Equal(t, 1, e2.Attempts)
	assert.Equal(t, "upstream timeout", e2.LastError)
}

func TestFake_QueueCleanupDropsExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	require.NoError(t, s.EnqueueKWallet(ctx, "wallet-a", 1))
	for i := 0; i < 5; i++ {
		e, err := s.DequeueKWallet(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, e)
		require.NoError(t, s.FailKWallet(ctx, "wallet-a", errors.New("boom")))
	}

	n, err := s.CleanupKWallet(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	length, err := s.QueueLengthKWallet(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFake_APIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	plaintext, rec, err := s.CreateAPIKey(ctx, "test key", "free", 500, 50000, nil)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	found, err := s.ValidateAPIKey(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.ID, found.ID)

	require.NoError(t, s.DeactivateAPIKey(ctx, rec.ID))
	found, err = s.ValidateAPIKey(ctx, plaintext)
	require.NoError(t, err)
	assert.Nil(t, found, "deactivated keys must not validate")
}

func TestFake_WebhookSubscriptionAutoDisable(t *testing.T) {
	ctx := context.Background()
	s := NewFake()

	subscription := models.WebhookSubscription{
		OwnerAPIKeyID: "key-1",
		URL:           "https://example.com/hook",
		Secret:        "shh",
	}
	subscription.SetEventSet([]string{"k_change"})
	require.NoError(t, s.CreateWebhookSubscription(ctx, &subscription))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordWebhookFailure(ctx, subscription.ID))
	}

	got, err := s.GetWebhookSubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "subscription must auto-disable at failureCount >= 5")
	assert.Equal(t, 5, got.FailureCount)
}
