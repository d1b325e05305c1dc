package chain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTime(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func numberOf(s string) json.Number {
	return json.Number(s)
}

func TestParse_DiffsTransfersPerOwner(t *testing.T) {
	raw := RawTransaction{
		Slot:      100,
		Signature: "S1",
		Timestamp: 1700000000,
		TokenTransfers: []TokenTransfer{
			{Mint: "MINT", FromUserAccount: "A", ToUserAccount: "B", TokenAmount: json.Number("500")},
			{Mint: "OTHER", FromUserAccount: "A", ToUserAccount: "C", TokenAmount: json.Number("999")},
		},
	}

	changes, err := parseTransfers(raw, "MINT", 9)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byWallet := map[string]string{}
	for _, c := range changes {
		byWallet[c.Wallet] = c.Amount.String()
	}
	assert.Equal(t, "-500000000000", byWallet["A"])
	assert.Equal(t, "500000000000", byWallet["B"])
	_, hasC := byWallet["C"]
	assert.False(t, hasC, "transfers of a different mint must be ignored")
}

func TestParse_NetsMultipleTransfersToSameOwner(t *testing.T) {
	raw := RawTransaction{
		Slot:      1,
		Signature: "S2",
		TokenTransfers: []TokenTransfer{
			{Mint: "MINT", ToUserAccount: "B", TokenAmount: json.Number("100")},
			{Mint: "MINT", FromUserAccount: "B", ToUserAccount: "C", TokenAmount: json.Number("40")},
		},
	}

	changes, err := parseTransfers(raw, "MINT", 9)
	require.NoError(t, err)

	byWallet := map[string]string{}
	for _, c := range changes {
		byWallet[c.Wallet] = c.Amount.String()
	}
	assert.Equal(t, "60000000000", byWallet["B"])
	assert.Equal(t, "40000000000", byWallet["C"])
}

func TestDecimalToRaw_ScalesByDecimalsWithoutTruncating(t *testing.T) {
	v, err := decimalToRaw("123456789012345678901234567890", 0)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", v.String())

	v, err = decimalToRaw("42.0", 9)
	require.NoError(t, err)
	assert.Equal(t, "42000000000", v.String(), "fractional part must be scaled, not dropped")

	v, err = decimalToRaw("1.23456", 6)
	require.NoError(t, err)
	assert.Equal(t, "1234560", v.String())

	v, err = decimalToRaw("-0.5", 2)
	require.NoError(t, err)
	assert.Equal(t, "-50", v.String())

	_, err = decimalToRaw("1.234567", 3)
	require.Error(t, err, "more fractional digits than the mint's decimals must error, not truncate")

	_, err = decimalToRaw("not-a-number", 9)
	require.Error(t, err)
}

// TestApplyPosition_OldestLastOrderWins exercises the invariant
// CrossTokenHistory's sequential reduction relies on: applying receives
// in oldest-last order, the earliest receive is the last write to
// FirstBuyAmount and so wins, regardless of what order the underlying
// fetches completed in (spec §4.2 "overwrites on each receive, since
// earlier receives overwrite later ones").
func TestApplyPosition_OldestLastOrderWins(t *testing.T) {
	positions := make(map[string]CrossTokenPosition)

	newest := newTime(2024, 3)
	middle := newTime(2024, 2)
	oldest := newTime(2024, 1)

	// Transfers applied newest-first, then middle, then oldest last —
	// mirroring CrossTokenHistory's index-order walk over allSigs, which
	// Solana returns newest first.
	applyPosition(positions, TokenTransfer{Mint: "MINT", ToUserAccount: "W", TokenAmount: numberOf("300")}, "W", newest, 9)
	applyPosition(positions, TokenTransfer{Mint: "MINT", ToUserAccount: "W", TokenAmount: numberOf("200")}, "W", middle, 9)
	applyPosition(positions, TokenTransfer{Mint: "MINT", ToUserAccount: "W", TokenAmount: numberOf("100")}, "W", oldest, 9)

	pos := positions["MINT"]
	assert.Equal(t, "100000000000", pos.FirstBuyAmount.String(), "the oldest receive, applied last, must be the authoritative first buy")
	assert.Equal(t, 3, pos.TxCount)
}
