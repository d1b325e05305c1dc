// Package store implements the oracle's Store boundary: the only
// component allowed to mutate durable state (spec §3, §4.1). Every other
// package depends on the Store interface, never on *gorm.DB directly, so
// tests can swap in the in-memory Fake from fake.go.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/models"
	"gorm.io/gorm"
)

// BalanceChange is the ephemeral record flowing through the ingest
// pipeline (spec §3 BalanceChange): one signed delta to one wallet's
// balance of the primary token, observed at a given slot.
type BalanceChange struct {
	Wallet    string
	Slot      int64
	BlockTime time.Time
	Amount    bigint.Amount // signed: positive receive, negative send
	Signature string
}

// HolderFilter narrows GetHoldersFiltered (spec §6 GET /k-metric/holders).
type HolderFilter struct {
	MinBalance     bigint.Amount `json:"minBalance"`
	Classification string        `json:"classification"` // "", "accumulator", "maintained", "reducer", "extractor"
	Limit          int           `json:"limit"`
	Offset         int           `json:"offset"`
}

// Store is the durable-state boundary every other component depends on.
// Implementations: GormStore (production, sqlite) and Fake (tests).
type Store interface {
	UpsertWallet(ctx context.Context, change BalanceChange) (applied bool, err error)
	RecordTransaction(ctx context.Context, change BalanceChange) (inserted bool, err error)
	LastProcessedSlot(ctx context.Context) (int64, error)

	GetWallet(ctx context.Context, address string) (*models.Wallet, error)
	GetWallets(ctx context.Context, minBalance bigint.Amount) ([]models.Wallet, error)
	GetHoldersFiltered(ctx context.Context, filter HolderFilter) ([]models.Wallet, int, error)
	UpdateKWallet(ctx context.Context, address string, kWallet float64, tokensAnalyzed int, slot int64) error
	StaleKWallets(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	EnqueueKWallet(ctx context.Context, key string, priority int) error
	DequeueKWallet(ctx context.Context, lease time.Duration) (*models.QueueEntry, error)
	CompleteKWallet(ctx context.Context, key string) error
	FailKWallet(ctx context.Context, key string, cause error) error
	CleanupKWallet(ctx context.Context, maxAttempts int) (int64, error)
	QueueLengthKWallet(ctx context.Context) (int64, error)

	EnqueueToken(ctx context.Context, key string, priority int) error
	DequeueToken(ctx context.Context, lease time.Duration) (*models.QueueEntry, error)
	CompleteToken(ctx context.Context, key string) error
	FailToken(ctx context.Context, key string, cause error) error
	CleanupToken(ctx context.Context, maxAttempts int) (int64, error)
	QueueLengthToken(ctx context.Context) (int64, error)

	CreateAPIKey(ctx context.Context, name, tier string, perMinute, perDay int, expiresAt *time.Time) (plaintext string, rec *models.APIKey, err error)
	ValidateAPIKey(ctx context.Context, plainKey string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string) error

	IncrementUsage(ctx context.Context, keyID string, date string) error
	UsageForKey(ctx context.Context, keyID string, date string) (int64, error)

	CreateWebhookSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetWebhookSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListWebhookSubscriptions(ctx context.Context, ownerKeyID string) ([]models.WebhookSubscription, error)
	DeleteWebhookSubscription(ctx context.Context, id, ownerKeyID string) error
	SubscriptionsForEvent(ctx context.Context, eventType string) ([]models.WebhookSubscription, error)
	RecordWebhookFailure(ctx context.Context, subscriptionID string) error
	RecordWebhookSuccess(ctx context.Context, subscriptionID string) error

	CreateWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	ClaimWebhookDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
	MarkWebhookDeliverySuccess(ctx context.Context, id string, code int, body string) error
	MarkWebhookDeliveryFailure(ctx context.Context, id string, code int, body string, backoff []time.Duration) error
	ListWebhookDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error)

	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	SnapshotHistory(ctx context.Context, days int) ([]models.Snapshot, error)

	GetSyncState(ctx context.Context, key string) (string, bool, error)
	SetSyncState(ctx context.Context, key, value string) error
}

// GormStore is the production Store, backed by the embedded sqlite file
// opened by Connect.
type GormStore struct {
	db *gorm.DB

	kwalletQueue queueStore
	tokenQueue   queueStore
}

// New wraps an already-connected *gorm.DB as a Store.
func New(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		kwalletQueue: queueStore{db: db, table: "k_wallet_queue"},
		tokenQueue:   queueStore{db: db, table: "token_queue"},
	}
}

// UpsertWallet applies change to the wallet row only if the persisted
// lastSlot is older than change.Slot (spec §4.1, testable property #2).
func (s *GormStore) UpsertWallet(ctx context.Context, change BalanceChange) (bool, error) {
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w models.Wallet
		res := tx.Where("address = ?", change.Wallet).First(&w)
		now := time.Now().UTC()

		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			newBalance := applyDelta(bigint.NewAmount(0), change.Amount)

			w = models.Wallet{
				Address:         change.Wallet,
				CurrentBalance:  newBalance,
				PeakBalance:     newBalance,
				LastSlot:        change.Slot,
				LastTxSignature: change.Signature,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if change.Amount.Sign() > 0 {
				ts := change.BlockTime
				w.FirstBuyTs = &ts
				w.FirstBuyAmount = change.Amount
				w.TotalReceived = change.Amount
			} else if change.Amount.Sign() < 0 {
				var abs bigint.Amount
				abs.Int.Abs(&change.Amount.Int)
				w.TotalSent = abs
			}
			applied = true
			return tx.Create(&w).Error
		}
		if res.Error != nil {
			return res.Error
		}

		if change.Slot <= w.LastSlot {
			// Older or duplicate slot: invariant #2, no mutation.
			applied = false
			return nil
		}

		newBalance := applyDelta(w.CurrentBalance, change.Amount)

		updates := map[string]interface{}{
			"current_balance":   newBalance,
			"peak_balance":      bigint.Max(w.PeakBalance, newBalance),
			"last_slot":         change.Slot,
			"last_tx_signature": change.Signature,
			"updated_at":        now,
		}
		if change.Amount.Sign() > 0 {
			updates["total_received"] = bigint.Add(w.TotalReceived, change.Amount)
			if w.FirstBuyTs == nil {
				ts := change.BlockTime
				updates["first_buy_ts"] = &ts
				updates["first_buy_amount"] = change.Amount
			}
		} else if change.Amount.Sign() < 0 {
			var abs bigint.Amount
			abs.Int.Abs(&change.Amount.Int)
			updates["total_sent"] = bigint.Add(w.TotalSent, abs)
		}

		applied = true
		return tx.Model(&models.Wallet{}).Where("address = ?", change.Wallet).Updates(updates).Error
	})
	return applied, err
}

func applyDelta(balance, delta bigint.Amount) bigint.Amount {
	if delta.Sign() >= 0 {
		return bigint.Add(balance, delta)
	}
	var abs bigint.Amount
	abs.Int.Abs(&delta.Int)
	return bigint.Sub(balance, abs)
}

// RecordTransaction is the dedup guard: insertion is idempotent on
// signature (spec §4.1, testable property #1).
func (s *GormStore) RecordTransaction(ctx context.Context, change BalanceChange) (bool, error) {
	tx := models.Transaction{
		Signature:     change.Signature,
		Slot:          change.Slot,
		BlockTime:     change.BlockTime,
		WalletAddress: change.Wallet,
		Amount:        change.Amount,
		CreatedAt:     time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).
		Where("signature = ?", change.Signature).
		FirstOrCreate(&tx, models.Transaction{Signature: change.Signature})
	if res.Error != nil {
		return false, fmt.Errorf("record transaction: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LastProcessedSlot returns max(slot) across transactions, the ingest
// watermark.
func (s *GormStore) LastProcessedSlot(ctx context.Context) (int64, error) {
	var slot int64
	row := s.db.WithContext(ctx).Model(&models.Transaction{}).Select("COALESCE(MAX(slot), 0)").Row()
	if err := row.Scan(&slot); err != nil {
		return 0, err
	}
	return slot, nil
}

func (s *GormStore) GetWallet(ctx context.Context, address string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallets returns holders at or above minBalance, ordered
// deterministically (descending balance, ties by address).
func (s *GormStore) GetWallets(ctx context.Context, minBalance bigint.Amount) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := s.db.WithContext(ctx).
		Where("current_balance >= ?", minBalance).
		Order("current_balance DESC, address ASC").
		Find(&wallets).Error
	return wallets, err
}

// GetHoldersFiltered backs GET /k-metric/holders. Classification is
// computed by the caller (calculator owns retention math); here it's
// applied as a post-filter over a candidate page, since retention is not
// a stored column.
func (s *GormStore) GetHoldersFiltered(ctx context.Context, filter HolderFilter) ([]models.Wallet, int, error) {
	q := s.db.WithContext(ctx).Model(&models.Wallet{}).Where("current_balance >= ?", filter.MinBalance)

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var wallets []models.Wallet
	err := q.Order("current_balance DESC, address ASC").
		Limit(limit).Offset(filter.Offset).
		Find(&wallets).Error
	return wallets, int(total), err
}

func (s *GormStore) UpdateKWallet(ctx context.Context, address string, kWallet float64, tokensAnalyzed int, slot int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Wallet{}).Where("address = ?", address).Updates(map[string]interface{}{
		"k_wallet":                 kWallet,
		"k_wallet_tokens_analyzed": tokensAnalyzed,
		"k_wallet_updated_at":      now,
		"k_wallet_slot":            slot,
	}).Error
}

// StaleKWallets returns up to limit wallet addresses whose K_wallet has
// never been computed or is older than olderThan, for the background
// staleness scanner (spec §4.5).
func (s *GormStore) StaleKWallets(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var addresses []string
	err := s.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("k_wallet_updated_at IS NULL OR k_wallet_updated_at < ?", cutoff).
		Order("k_wallet_updated_at ASC NULLS FIRST").
		Limit(limit).
		Pluck("address", &addresses).Error
	return addresses, err
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *GormStore) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) SnapshotHistory(ctx context.Context, days int) ([]models.Snapshot, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	var snaps []models.Snapshot
	err := s.db.WithContext(ctx).Where("created_at >= ?", since).Order("created_at ASC").Find(&snaps).Error
	return snaps, err
}

func (s *GormStore) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	var row models.SyncState
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *GormStore) SetSyncState(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	row := models.SyncState{Key: key, Value: value, UpdatedAt: now}
	return s.db.WithContext(ctx).Save(&row).Error
}
