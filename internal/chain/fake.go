package chain

import (
	"context"

	"github.com/wnt/oracle/internal/store"
)

// Fake is an in-memory Adapter for tests of components built on top of
// the Chain Adapter (ingest, scorers), mirroring Fake in internal/store.
type Fake struct {
	Holders             map[string][]Holder
	Infos               map[string]TokenInfo
	Signatures          map[string][]SignatureInfo
	Transactions        map[string]RawTransaction
	CrossTokenHistories map[string]map[string]CrossTokenPosition
	Classifications     map[string]AddressClassification

	// Decimals controls the scaling Parse applies to TokenAmount, mirroring
	// the real Client's configured TOKEN_DECIMALS. Zero means tests feed
	// already-raw integer amounts.
	Decimals int
}

func NewFake() *Fake {
	return &Fake{
		Holders:             make(map[string][]Holder),
		Infos:               make(map[string]TokenInfo),
		Signatures:          make(map[string][]SignatureInfo),
		Transactions:        make(map[string]RawTransaction),
		CrossTokenHistories: make(map[string]map[string]CrossTokenPosition),
		Classifications:     make(map[string]AddressClassification),
	}
}

func (f *Fake) FetchHolders(_ context.Context, mint string) ([]Holder, error) {
	return f.Holders[mint], nil
}

func (f *Fake) FetchTokenInfo(_ context.Context, mint string) (TokenInfo, error) {
	return f.Infos[mint], nil
}

func (f *Fake) SignaturesSince(_ context.Context, mint string, limit int) ([]SignatureInfo, error) {
	sigs := f.Signatures[mint]
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return sigs, nil
}

func (f *Fake) FetchTransaction(_ context.Context, signature string) (RawTransaction, error) {
	return f.Transactions[signature], nil
}

func (f *Fake) Parse(raw RawTransaction, mint string) ([]store.BalanceChange, error) {
	return parseTransfers(raw, mint, f.Decimals)
}

func (f *Fake) CrossTokenHistory(_ context.Context, wallet string, maxPages int) (map[string]CrossTokenPosition, error) {
	return f.CrossTokenHistories[wallet], nil
}

func (f *Fake) ClassifyAddresses(_ context.Context, addrs []string) (map[string]AddressClassification, error) {
	out := make(map[string]AddressClassification, len(addrs))
	for _, addr := range addrs {
		out[addr] = f.Classifications[addr]
	}
	return out, nil
}

var _ Adapter = (*Fake)(nil)
var _ Adapter = (*Client)(nil)
