package chain

import "encoding/json"

// RawTransaction is the Helius "enhanced transaction" shape: the wire
// format for both the pull path's FetchTransaction response and the push
// path's inbound webhook batch (spec §6 "Wire protocol: inbound
// webhook"). Only the fields Parse needs are kept.
type RawTransaction struct {
	Type           string          `json:"type"`
	Slot           int64           `json:"slot"`
	Signature      string          `json:"signature"`
	Timestamp      int64           `json:"timestamp"`
	TokenTransfers []TokenTransfer `json:"tokenTransfers"`
}

// TokenTransfer is one SPL token movement inside a transaction.
//
// TokenAmount arrives as a decimal number in human (UI) units. It's kept
// as json.Number rather than float64 so converting to raw integer units
// (decimalToRaw in adapter.go) never passes through a lossy float.
type TokenTransfer struct {
	Mint            string      `json:"mint"`
	FromUserAccount string      `json:"fromUserAccount"`
	ToUserAccount   string      `json:"toUserAccount"`
	TokenAmount     json.Number `json:"tokenAmount"`
}
