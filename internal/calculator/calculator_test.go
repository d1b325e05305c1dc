package calculator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/store"
)

func seedWallet(t *testing.T, s store.Store, addr string, firstBuy, current int64, firstBuySlot int64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertWallet(ctx, store.BalanceChange{
		Wallet:    addr,
		Slot:      firstBuySlot,
		BlockTime: time.Now().UTC().Add(-48 * time.Hour),
		Amount:    bigint.NewAmount(firstBuy),
		Signature: addr + "-buy",
	})
	require.NoError(t, err)

	if delta := current - firstBuy; delta != 0 {
		_, err = s.UpsertWallet(ctx, store.BalanceChange{
			Wallet:    addr,
			Slot:      firstBuySlot + 1,
			BlockTime: time.Now().UTC(),
			Amount:    bigint.NewAmount(delta),
			Signature: addr + "-adjust",
		})
		require.NoError(t, err)
	}
}

// testable property #5 / scenario (C).
func TestCalculate_ScenarioC(t *testing.T) {
	s := store.NewFake()
	seedWallet(t, s, "W1", 1000, 1800, 1) // retention 1.8 -> accumulator
	seedWallet(t, s, "W2", 1000, 1000, 2) // retention 1.0 -> maintained
	seedWallet(t, s, "W3", 1000, 200, 3)  // retention 0.2 -> extractor

	result, err := Calculate(context.Background(), s, Params{StaticMinBalance: bigint.NewAmount(0)})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Holders)
	assert.Equal(t, 1, result.AccumulatorsCount)
	assert.Equal(t, 1, result.MaintainedCount)
	assert.Equal(t, 0, result.ReducersCount)
	assert.Equal(t, 1, result.ExtractorsCount)
	assert.Equal(t, 67, result.K, "K = round(100*2/3) = 67")
}

// scenario (B).
func TestRetention_ScenarioB(t *testing.T) {
	r := Retention(bigint.NewAmount(3000), bigint.NewAmount(1000))
	assert.InDelta(t, 3.0, r, 0.0001)
	assert.Equal(t, ClassAccumulator, Classify(r))
}

func TestRetention_ZeroFirstBuyDefaultsToOne(t *testing.T) {
	r := Retention(bigint.NewAmount(500), bigint.NewAmount(0))
	assert.Equal(t, 1.0, r)
	assert.Equal(t, ClassMaintained, Classify(r))
}

func TestClassify_Boundaries(t *testing.T) {
	assert.Equal(t, ClassAccumulator, Classify(1.5))
	assert.Equal(t, ClassMaintained, Classify(1.0))
	assert.Equal(t, ClassMaintained, Classify(1.49))
	assert.Equal(t, ClassReducer, Classify(0.5))
	assert.Equal(t, ClassReducer, Classify(0.99))
	assert.Equal(t, ClassExtractor, Classify(0.49))
}

func TestCalculateAndSave_PersistsSnapshot(t *testing.T) {
	s := store.NewFake()
	seedWallet(t, s, "W1", 1000, 1500, 1)

	ctx := context.Background()
	_, err := CalculateAndSave(ctx, s, Params{StaticMinBalance: bigint.NewAmount(0)})
	require.NoError(t, err)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Holders)
}

func TestCached_ReturnsCachedResultWithinTTL(t *testing.T) {
	s := store.NewFake()
	seedWallet(t, s, "W1", 1000, 1000, 1)

	c := NewCached(s, Params{StaticMinBalance: bigint.NewAmount(0)})
	ctx := context.Background()

	first, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Holders)

	seedWallet(t, s, "W2", 1000, 1000, 2)
	second, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Holders, "cached result must not reflect the new wallet until invalidated")

	c.Invalidate()
	third, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Holders)
}
