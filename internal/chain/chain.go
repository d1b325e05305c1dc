// Package chain is the thin, stateless translator between upstream
// Solana/Helius wire formats and the oracle's internal BalanceChange
// record (spec §4.2). Nothing here is durable; the Store owns state.
package chain

import (
	"context"
	"time"

	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/store"
)

// Holder is one entry from a full-mint account scan.
type Holder struct {
	Owner   string
	Balance bigint.Amount
}

// TokenInfo is best-effort market data for a mint; fields are
// independently optional because upstream sources may partially fail
// (spec §4.2).
type TokenInfo struct {
	Supply      bigint.Amount
	PriceUSD    *float64
	PriceNative *float64
	Liquidity   *float64
	MarketCap   *float64
}

// SignatureInfo is one entry from a recent-signatures scan.
type SignatureInfo struct {
	Signature string
	Slot      int64
}

// CrossTokenPosition is one mint's cost-basis summary for a wallet, as
// recovered by CrossTokenHistory.
type CrossTokenPosition struct {
	Mint           string
	FirstBuyAmount bigint.Amount
	TotalBought    bigint.Amount
	TotalSold      bigint.Amount
	Current        bigint.Amount
	TxCount        int
	LastTxTs       time.Time
}

// AddressClassification is the result of checking one address's owner
// program against the AMM/DEX allow-set.
type AddressClassification struct {
	IsPool  bool
	Program string
}

// Adapter is the interface every other component depends on; Client is
// the production solana-go-backed implementation, Fake backs tests.
type Adapter interface {
	FetchHolders(ctx context.Context, mint string) ([]Holder, error)
	FetchTokenInfo(ctx context.Context, mint string) (TokenInfo, error)
	SignaturesSince(ctx context.Context, mint string, limit int) ([]SignatureInfo, error)
	FetchTransaction(ctx context.Context, signature string) (RawTransaction, error)
	Parse(raw RawTransaction, mint string) ([]store.BalanceChange, error)
	CrossTokenHistory(ctx context.Context, wallet string, maxPages int) (map[string]CrossTokenPosition, error)
	ClassifyAddresses(ctx context.Context, addrs []string) (map[string]AddressClassification, error)
}
