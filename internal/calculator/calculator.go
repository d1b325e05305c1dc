// Package calculator computes the token-wide conviction score K as a
// pure function of Store state (spec §4.4). It never mutates wallets;
// its only write path is Snapshot persistence.
package calculator

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/models"
	"github.com/wnt/oracle/internal/store"
)

// Classification buckets a wallet's retention (spec §4.4 table).
type Classification string

const (
	ClassAccumulator Classification = "accumulator"
	ClassMaintained  Classification = "maintained"
	ClassReducer     Classification = "reducer"
	ClassExtractor   Classification = "extractor"
)

// Classify buckets a retention ratio per the spec's fixed thresholds.
func Classify(retention float64) Classification {
	switch {
	case retention >= 1.5:
		return ClassAccumulator
	case retention >= 1.0:
		return ClassMaintained
	case retention >= 0.5:
		return ClassReducer
	default:
		return ClassExtractor
	}
}

// Retention returns currentBalance / firstBuyAmount as a float; when
// firstBuyAmount is zero the wallet has no recorded cost basis and
// retention defaults to 1.0 (spec §4.4: "otherwise retention := 1.0").
func Retention(current, firstBuy bigint.Amount) float64 {
	if firstBuy.Sign() <= 0 {
		return 1.0
	}
	ratio := new(big.Rat).SetFrac(&current.Int, &firstBuy.Int)
	f, _ := ratio.Float64()
	return f
}

// HolderResult is one wallet's computed conviction fields, used by the
// Gateway's holders endpoint and the Wallet Scorer.
type HolderResult struct {
	Wallet         models.Wallet
	Retention      float64
	Classification Classification
	HoldDays       float64
	IsOG           bool
}

// Result is the full computed snapshot (spec §3 Snapshot, §4.4).
type Result struct {
	K                 int
	Holders           int
	AccumulatorsCount int
	MaintainedCount   int
	ReducersCount     int
	ExtractorsCount   int
	AvgHoldDays       float64
	OGCount           int
	HolderResults     []HolderResult
	CalculatedAt      time.Time
}

// Params carries the configuration Calculate needs beyond Store state.
type Params struct {
	StaticMinBalance    bigint.Amount
	TokenLaunchTs       time.Time
	OGEarlyWindow       time.Duration
	OGHoldThreshold     time.Duration
	USDMinBalanceInRaw  *bigint.Amount // nil when price is unavailable
}

// Calculate reads every wallet at or above the qualifying minimum and
// computes the full snapshot. It is the single authoritative K formula:
// K = round(100*(accumulators+maintained)/holders) (spec §9 resolves the
// dashboard's two competing formulas in favor of this one).
func Calculate(ctx context.Context, s store.Store, params Params) (Result, error) {
	minBalance := params.StaticMinBalance
	if params.USDMinBalanceInRaw != nil {
		minBalance = *params.USDMinBalanceInRaw
	}

	wallets, err := s.GetWallets(ctx, minBalance)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	result := Result{CalculatedAt: now, HolderResults: make([]HolderResult, 0, len(wallets))}

	var totalHoldDays float64
	for _, w := range wallets {
		retention := Retention(w.CurrentBalance, w.FirstBuyAmount)
		class := Classify(retention)

		holdDays := HoldDays(w, now)
		totalHoldDays += holdDays

		isOG := isOriginalGangster(w, params, now)
		if isOG {
			result.OGCount++
		}

		switch class {
		case ClassAccumulator:
			result.AccumulatorsCount++
		case ClassMaintained:
			result.MaintainedCount++
		case ClassReducer:
			result.ReducersCount++
		case ClassExtractor:
			result.ExtractorsCount++
		}

		result.HolderResults = append(result.HolderResults, HolderResult{
			Wallet:         w,
			Retention:      retention,
			Classification: class,
			HoldDays:       holdDays,
			IsOG:           isOG,
		})
	}

	result.Holders = len(wallets)
	if result.Holders > 0 {
		result.AvgHoldDays = totalHoldDays / float64(result.Holders)
		result.K = int(math.Round(100 * float64(result.AccumulatorsCount+result.MaintainedCount) / float64(result.Holders)))
	}

	return result, nil
}

// isOriginalGangster reports whether w bought within the early window
// after launch and has held for at least the hold threshold (spec §4.4).
func isOriginalGangster(w models.Wallet, params Params, now time.Time) bool {
	if w.FirstBuyTs == nil || params.TokenLaunchTs.IsZero() {
		return false
	}
	earlyCutoff := params.TokenLaunchTs.Add(params.OGEarlyWindow)
	if w.FirstBuyTs.After(earlyCutoff) {
		return false
	}
	return now.Sub(*w.FirstBuyTs) >= params.OGHoldThreshold
}

// HoldDays returns how long a wallet has held since its first recorded
// buy, zero when it has none (spec §6 holders list "holdDays").
func HoldDays(w models.Wallet, now time.Time) float64 {
	if w.FirstBuyTs == nil {
		return 0
	}
	return now.Sub(*w.FirstBuyTs).Hours() / 24
}

// IsOG reports whether a wallet qualifies as an "OG" holder under params
// (spec §6 holders list "isOG"); exported so the Gateway's holders
// endpoint can classify a page of wallets without re-running Calculate.
func IsOG(w models.Wallet, params Params, now time.Time) bool {
	return isOriginalGangster(w, params, now)
}

// CalculateAndSave computes the current snapshot and persists it (spec
// §4.4: "only to the snapshots table when calculateAndSave is called").
func CalculateAndSave(ctx context.Context, s store.Store, params Params) (Result, error) {
	result, err := Calculate(ctx, s, params)
	if err != nil {
		return Result{}, err
	}

	snap := &models.Snapshot{
		K:                 result.K,
		Holders:           result.Holders,
		MaintainedCount:   result.MaintainedCount,
		AccumulatorsCount: result.AccumulatorsCount,
		ReducersCount:     result.ReducersCount,
		ExtractorsCount:   result.ExtractorsCount,
		AvgHoldDays:       result.AvgHoldDays,
		OGCount:           result.OGCount,
		CreatedAt:         result.CalculatedAt,
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		return result, err
	}
	return result, nil
}
