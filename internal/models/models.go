// Package models holds the GORM row types backing the Store.
//
// Row types declare their primary keys explicitly instead of embedding
// gorm.Model, carry size/index tags on chain addresses and signatures,
// and declare no GORM associations between one another.
package models

import (
	"encoding/json"
	"time"

	"github.com/wnt/oracle/internal/bigint"
)

// Wallet is a single Solana address's cost-basis and conviction record
// for the primary token (spec §3 Wallet).
type Wallet struct {
	Address               string         `gorm:"primaryKey;size:44"`
	FirstBuyTs            *time.Time     `gorm:"index"`
	FirstBuyAmount        bigint.Amount  `gorm:"type:varchar(48)"`
	TotalReceived         bigint.Amount  `gorm:"type:varchar(48)"`
	TotalSent             bigint.Amount  `gorm:"type:varchar(48)"`
	CurrentBalance        bigint.Amount  `gorm:"type:varchar(48);index"`
	PeakBalance           bigint.Amount  `gorm:"type:varchar(48);index"`
	LastTxSignature       string         `gorm:"size:88"`
	LastSlot              int64          `gorm:"index"`
	KWallet               *float64       `gorm:"index"`
	KWalletTokensAnalyzed int
	KWalletUpdatedAt      *time.Time `gorm:"index"`
	KWalletSlot           *int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Transaction is a persisted, idempotent record of one applied
// BalanceChange (spec §3 Transaction).
type Transaction struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Signature     string `gorm:"uniqueIndex;size:88;not null"`
	Slot          int64  `gorm:"index;not null"`
	BlockTime     time.Time
	WalletAddress string        `gorm:"index;size:44;not null"`
	Amount        bigint.Amount `gorm:"type:varchar(48)"`
	CreatedAt     time.Time     `gorm:"index"`
}

// Snapshot is an append-only record of a computed token-wide K, written
// by calculator.CalculateAndSave through Store.SaveSnapshot (spec §3
// Snapshot).
type Snapshot struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	K                 int
	Holders           int
	MaintainedCount   int
	AccumulatorsCount int
	ReducersCount     int
	ExtractorsCount   int
	AvgHoldDays       float64
	OGCount           int
	CreatedAt         time.Time `gorm:"index"`
}

// SyncState is a small key-value table for cursors and cached external
// facts (spec §3 SyncState).
type SyncState struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string
	UpdatedAt time.Time
}

// Well-known SyncState keys.
const (
	SyncKeyLastFullSync    = "last_full_sync"
	SyncKeyOneUSDThreshold = "one_usd_threshold"
	SyncKeyTokenPrice      = "token_price"
)

// QueueEntry is the shared shape of KWalletQueue and TokenQueue rows
// (spec §3). Two tables share this Go type, distinguished by the
// Store's per-queue methods (DequeueKWallet/DequeueToken and their
// siblings).
type QueueEntry struct {
	Key         string `gorm:"primaryKey;size:64"`
	Priority    int    `gorm:"index"`
	Attempts    int
	LastError   string
	LockedUntil *time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName implementations give the two queues distinct tables while
// sharing the Go struct.
type KWalletQueueEntry struct {
	QueueEntry
}

func (KWalletQueueEntry) TableName() string { return "k_wallet_queue" }

type TokenQueueEntry struct {
	QueueEntry
}

func (TokenQueueEntry) TableName() string { return "token_queue" }

// APIKey is an issued credential; the plaintext secret is returned once
// at creation and never persisted (spec §3 ApiKey).
type APIKey struct {
	ID            string `gorm:"primaryKey;size:36"`
	KeyHash       string `gorm:"uniqueIndex;size:128;not null"`
	Name          string `gorm:"size:120"`
	Tier          string `gorm:"size:20;index"`
	PerMinuteLimit int
	PerDayLimit    int
	IsActive       bool `gorm:"index;default:true"`
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
}

// UsageDaily aggregates per-key request counts by UTC date (spec §3
// UsageDaily).
type UsageDaily struct {
	KeyID    string `gorm:"primaryKey;size:36"`
	Date     string `gorm:"primaryKey;size:8"` // YYYYMMDD, part of composite PK
	Requests int64
}

// WebhookSubscription is a registered outbound-webhook target (spec §3).
type WebhookSubscription struct {
	ID              string `gorm:"primaryKey;size:36"`
	OwnerAPIKeyID   string `gorm:"index;size:36"`
	URL             string `gorm:"size:2048;not null"`
	EventSetJSON    string `gorm:"column:event_set;type:text"`
	Secret          string `gorm:"size:128;not null"`
	IsActive        bool   `gorm:"index;default:true"`
	FailureCount    int
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
}

// EventSet decodes the subscription's stored event-type list.
func (s WebhookSubscription) EventSet() []string {
	var events []string
	_ = json.Unmarshal([]byte(s.EventSetJSON), &events)
	return events
}

// SetEventSet encodes and stores the subscription's event-type list.
func (s *WebhookSubscription) SetEventSet(events []string) {
	b, _ := json.Marshal(events)
	s.EventSetJSON = string(b)
}

// WebhookDelivery is a single attempt-tracked delivery of one event to
// one subscription (spec §3).
type WebhookDelivery struct {
	ID             string `gorm:"primaryKey;size:36"`
	SubscriptionID string `gorm:"index;size:36;not null"`
	EventType      string `gorm:"size:40;index"`
	PayloadJSON    string `gorm:"type:text"`
	Status         string `gorm:"size:10;index"` // pending, success, failed
	Attempts       int
	ResponseCode   int
	ResponseBody   string `gorm:"type:text"`
	NextRetryAt    *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"index"`
	CompletedAt    *time.Time
}
