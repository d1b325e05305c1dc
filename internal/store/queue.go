package store

import (
	"context"
	"errors"
	"time"

	"github.com/wnt/oracle/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// queueStore implements the lease-based queue mechanics shared by
// k_wallet_queue and token_queue (spec §3 KWalletQueue/TokenQueue, §4.1
// Queue API). Both tables share the models.QueueEntry column shape; only
// the table name differs, so one implementation backs both.
type queueStore struct {
	db    *gorm.DB
	table string
}

// enqueue inserts key at priority, or raises the existing row's priority
// to max(existing, priority) if it's already queued (spec: "duplicate
// Enqueue calls coalesce; priority becomes the max").
func (q queueStore) enqueue(ctx context.Context, key string, priority int) error {
	now := time.Now().UTC()
	entry := models.QueueEntry{Key: key, Priority: priority, CreatedAt: now, UpdatedAt: now}
	return q.db.WithContext(ctx).Table(q.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"priority":   gorm.Expr("CASE WHEN priority < ? THEN ? ELSE priority END", priority, priority),
			"updated_at": now,
		}),
	}).Create(&entry).Error
}

// dequeue atomically leases the oldest unlocked entry, highest priority
// first (spec: "SELECT-oldest-unlocked + UPDATE lockedUntil").
func (q queueStore) dequeue(ctx context.Context, lease time.Duration) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Table(q.table).
			Where("locked_until IS NULL OR locked_until < ?", now).
			Order("priority DESC, created_at ASC").
			Limit(1).
			Find(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		newLock := now.Add(lease)
		upd := tx.Table(q.table).
			Where("`key` = ? AND (locked_until IS NULL OR locked_until < ?)", entry.Key, now).
			Updates(map[string]interface{}{"locked_until": newLock, "updated_at": now})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			// Another worker won the lease race between our SELECT and UPDATE.
			return gorm.ErrRecordNotFound
		}
		entry.LockedUntil = &newLock
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// complete removes key from the queue; callers persist the computed
// result (K_wallet, K) through the relevant Store method before calling
// this.
func (q queueStore) complete(ctx context.Context, key string) error {
	return q.db.WithContext(ctx).Table(q.table).Where("`key` = ?", key).Delete(&models.QueueEntry{}).Error
}

// fail increments attempts, records the error, and clears the lease so
// the entry becomes eligible for another worker immediately.
func (q queueStore) fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithContext(ctx).Table(q.table).Where("`key` = ?", key).Updates(map[string]interface{}{
		"attempts":     gorm.Expr("attempts + 1"),
		"last_error":   msg,
		"locked_until": nil,
		"updated_at":   time.Now().UTC(),
	}).Error
}

// cleanup drops entries that have exhausted their retry budget.
func (q queueStore) cleanup(ctx context.Context, maxAttempts int) (int64, error) {
	res := q.db.WithContext(ctx).Table(q.table).Where("attempts >= ?", maxAttempts).Delete(&models.QueueEntry{})
	return res.RowsAffected, res.Error
}

func (q queueStore) length(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Table(q.table).Count(&n).Error
	return n, err
}

func (s *GormStore) EnqueueKWallet(ctx context.Context, key string, priority int) error {
	return s.kwalletQueue.enqueue(ctx, key, priority)
}
func (s *GormStore) DequeueKWallet(ctx context.Context, lease time.Duration) (*models.QueueEntry, error) {
	return s.kwalletQueue.dequeue(ctx, lease)
}
func (s *GormStore) CompleteKWallet(ctx context.Context, key string) error {
	return s.kwalletQueue.complete(ctx, key)
}
func (s *GormStore) FailKWallet(ctx context.Context, key string, cause error) error {
	return s.kwalletQueue.fail(ctx, key, cause)
}
func (s *GormStore) CleanupKWallet(ctx context.Context, maxAttempts int) (int64, error) {
	return s.kwalletQueue.cleanup(ctx, maxAttempts)
}
func (s *GormStore) QueueLengthKWallet(ctx context.Context) (int64, error) {
	return s.kwalletQueue.length(ctx)
}

func (s *GormStore) EnqueueToken(ctx context.Context, key string, priority int) error {
	return s.tokenQueue.enqueue(ctx, key, priority)
}
func (s *GormStore) DequeueToken(ctx context.Context, lease time.Duration) (*models.QueueEntry, error) {
	return s.tokenQueue.dequeue(ctx, lease)
}
func (s *GormStore) CompleteToken(ctx context.Context, key string) error {
	return s.tokenQueue.complete(ctx, key)
}
func (s *GormStore) FailToken(ctx context.Context, key string, cause error) error {
	return s.tokenQueue.fail(ctx, key, cause)
}
func (s *GormStore) CleanupToken(ctx context.Context, maxAttempts int) (int64, error) {
	return s.tokenQueue.cleanup(ctx, maxAttempts)
}
func (s *GormStore) QueueLengthToken(ctx context.Context) (int64, error) {
	return s.tokenQueue.length(ctx)
}
