package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/calculator"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/store"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type fakeSink struct {
	broadcasts []string
	dispatched []string
}

func (f *fakeSink) Broadcast(event string, data interface{}) {
	f.broadcasts = append(f.broadcasts, event)
}

func (f *fakeSink) BroadcastToTier(event string, data interface{}, minTier int) {
	f.broadcasts = append(f.broadcasts, event)
}

func (f *fakeSink) Dispatch(ctx context.Context, eventType string, data interface{}) {
	f.dispatched = append(f.dispatched, eventType)
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store, *chain.Fake, *fakeSink) {
	t.Helper()
	s := store.NewFake()
	c := chain.NewFake()
	sink := &fakeSink{}
	calc := calculator.NewCached(s, calculator.Params{StaticMinBalance: bigint.NewAmount(0)})
	p := New(s, c, calc, calculator.Params{StaticMinBalance: bigint.NewAmount(0)}, sink, Config{Mint: "MINT"}, testLogger())
	return p, s, c, sink
}

// testable property #1: duplicate signature never double-applies.
func TestApply_DedupsBySignature(t *testing.T) {
	p, s, _, _ := newTestPipeline(t)
	ctx := context.Background()

	change := store.BalanceChange{
		Wallet:    "W1",
		Slot:      1,
		BlockTime: time.Now().UTC(),
		Amount:    bigint.NewAmount(1000),
		Signature: "sig-1",
	}

	require.NoError(t, p.apply(ctx, []store.BalanceChange{change, change}, "test"))

	w, err := s.GetWallet(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, w)
	expected := bigint.NewAmount(1000)
	assert.Equal(t, expected.String(), w.CurrentBalance.String())
}

func TestApply_SortsAscendingBySlot(t *testing.T) {
	p, s, _, _ := newTestPipeline(t)
	ctx := context.Background()

	later := store.BalanceChange{Wallet: "W1", Slot: 5, Amount: bigint.NewAmount(500), Signature: "sig-later", BlockTime: time.Now().UTC()}
	earlier := store.BalanceChange{Wallet: "W1", Slot: 2, Amount: bigint.NewAmount(100), Signature: "sig-earlier", BlockTime: time.Now().UTC()}

	require.NoError(t, p.apply(ctx, []store.BalanceChange{later, earlier}, "test"))

	w, err := s.GetWallet(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.LastSlot, "later slot must win regardless of input order")
	expectedSum := bigint.NewAmount(600)
	assert.Equal(t, expectedSum.String(), w.CurrentBalance.String())
}

func TestApply_EmitsHolderNewAndExitEvents(t *testing.T) {
	p, _, _, sink := newTestPipeline(t)
	ctx := context.Background()

	buy := store.BalanceChange{Wallet: "W1", Slot: 1, Amount: bigint.NewAmount(1000), Signature: "sig-buy", BlockTime: time.Now().UTC()}
	require.NoError(t, p.apply(ctx, []store.BalanceChange{buy}, "test"))
	assert.Contains(t, sink.broadcasts, "holder:new")
	assert.Contains(t, sink.dispatched, "holder_new")

	sell := store.BalanceChange{Wallet: "W1", Slot: 2, Amount: bigint.NewAmount(-1000), Signature: "sig-sell", BlockTime: time.Now().UTC()}
	require.NoError(t, p.apply(ctx, []store.BalanceChange{sell}, "test"))
	assert.Contains(t, sink.broadcasts, "holder:exit")
	assert.Contains(t, sink.dispatched, "holder_exit")
}

func TestApply_EnqueuesKWalletRecompute(t *testing.T) {
	p, s, _, _ := newTestPipeline(t)
	ctx := context.Background()

	change := store.BalanceChange{Wallet: "W1", Slot: 1, Amount: bigint.NewAmount(1000), Signature: "sig-1", BlockTime: time.Now().UTC()}
	require.NoError(t, p.apply(ctx, []store.BalanceChange{change}, "test"))

	n, err := s.QueueLengthKWallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "shh"

	sig := hmacHex(secret, body)
	assert.True(t, VerifyWebhookSignature(secret, body, sig))
	assert.False(t, VerifyWebhookSignature(secret, body, "00"))
	assert.False(t, VerifyWebhookSignature("wrong", body, sig))
}

func TestHandleWebhookBatch_SkipsNonTransferTypes(t *testing.T) {
	p, s, _, _ := newTestPipeline(t)
	ctx := context.Background()

	raws := []chain.RawTransaction{
		{Type: "SWAP", Signature: "sig-swap", Slot: 1},
	}
	require.NoError(t, p.HandleWebhookBatch(ctx, raws))

	n, err := s.LastProcessedSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
