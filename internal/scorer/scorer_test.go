package scorer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/chain"
	"github.com/wnt/oracle/internal/store"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestWalletScorer_ScoresFromCrossTokenHistory(t *testing.T) {
	s := store.NewFake()
	c := chain.NewFake()
	_, err := s.UpsertWallet(context.Background(), store.BalanceChange{
		Wallet: "W1", Slot: 1, Amount: bigint.NewAmount(1000), Signature: "sig-w1", BlockTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	c.CrossTokenHistories["W1"] = map[string]chain.CrossTokenPosition{
		"MINT_A": {Mint: "MINT_A", FirstBuyAmount: bigint.NewAmount(1000), Current: bigint.NewAmount(1800)}, // accumulator
		"MINT_B": {Mint: "MINT_B", FirstBuyAmount: bigint.NewAmount(1000), Current: bigint.NewAmount(200)},  // extractor
	}

	ws := NewWalletScorer(s, c, WalletScorerConfig{}, discardLogger())
	require.NoError(t, ws.score(context.Background(), "W1"))

	w, err := s.GetWallet(context.Background(), "W1")
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NotNil(t, w.KWallet)
	assert.InDelta(t, 50.0, *w.KWallet, 0.01, "one accumulator + one extractor out of two positions => 50")
	assert.Equal(t, 2, w.KWalletTokensAnalyzed)
}

func TestWalletScorer_NoPositionsYieldsZero(t *testing.T) {
	s := store.NewFake()
	c := chain.NewFake()
	_, err := s.UpsertWallet(context.Background(), store.BalanceChange{
		Wallet: "GHOST", Slot: 1, Amount: bigint.NewAmount(1000), Signature: "sig-ghost", BlockTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	ws := NewWalletScorer(s, c, WalletScorerConfig{}, discardLogger())
	require.NoError(t, ws.score(context.Background(), "GHOST"))

	w, getErr := s.GetWallet(context.Background(), "GHOST")
	require.NoError(t, getErr)
	require.NotNil(t, w)
	require.NotNil(t, w.KWallet)
	assert.Equal(t, 0.0, *w.KWallet)
}

func TestWalletScorer_ProcessOneDrainsQueue(t *testing.T) {
	s := store.NewFake()
	c := chain.NewFake()
	_, err := s.UpsertWallet(context.Background(), store.BalanceChange{
		Wallet: "W1", Slot: 1, Amount: bigint.NewAmount(1000), Signature: "sig-w1", BlockTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueKWallet(context.Background(), "W1", 5))

	ws := NewWalletScorer(s, c, WalletScorerConfig{LeaseDuration: time.Minute}, discardLogger())
	worked, err := ws.processOne(context.Background(), discardLogger())
	require.NoError(t, err)
	assert.True(t, worked)

	n, err := s.QueueLengthKWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "completed entry should be removed from the queue")
}

func TestTopHoldersByBalance_OrdersDescendingAndCaps(t *testing.T) {
	holders := []chain.Holder{
		{Owner: "A", Balance: bigint.NewAmount(100)},
		{Owner: "B", Balance: bigint.NewAmount(500)},
		{Owner: "C", Balance: bigint.NewAmount(300)},
	}
	top := topHoldersByBalance(holders, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "B", top[0].Owner)
	assert.Equal(t, "C", top[1].Owner)
}

func TestTokenScorer_EnqueuesTopHolders(t *testing.T) {
	s := store.NewFake()
	c := chain.NewFake()
	c.Holders["MINT_A"] = []chain.Holder{
		{Owner: "W1", Balance: bigint.NewAmount(1000)},
		{Owner: "W2", Balance: bigint.NewAmount(2000)},
	}
	c.CrossTokenHistories["W1"] = map[string]chain.CrossTokenPosition{
		"MINT_A": {Mint: "MINT_A", FirstBuyAmount: bigint.NewAmount(1000), Current: bigint.NewAmount(1800)}, // accumulator
	}
	c.CrossTokenHistories["W2"] = map[string]chain.CrossTokenPosition{
		"MINT_A": {Mint: "MINT_A", FirstBuyAmount: bigint.NewAmount(1000), Current: bigint.NewAmount(200)}, // extractor
	}

	ts := NewTokenScorer(s, c, TokenScorerConfig{TopNHolders: 10, Concurrency: 2}, discardLogger())
	require.NoError(t, ts.scoreHolders(context.Background(), "MINT_A"))

	n, err := s.QueueLengthKWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	result, fresh, err := LoadTokenScore(context.Background(), s, "MINT_A")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, fresh)
	assert.Equal(t, 2, result.Holders)
	assert.Equal(t, 2, result.TokensAnalyzed)
	assert.InDelta(t, 50.0, float64(result.K), 0.01)
}

func TestLoadTokenScore_MissingMintReturnsNotFresh(t *testing.T) {
	s := store.NewFake()
	result, fresh, err := LoadTokenScore(context.Background(), s, "NOBODY")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, fresh)
}
