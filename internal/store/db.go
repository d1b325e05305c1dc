// Package store is the oracle's single-writer, many-reader durable state:
// wallets, transactions, snapshots, sync cursors, the two scorer queues,
// API keys, and webhook subscriptions/deliveries (spec §3, §4.1).
//
// Connect follows the teacher's database.Connect shape almost exactly —
// same gorm.Config (PrepareStmt, UTC NowFunc, silent logger), same
// AutoMigrate-then-raw-index-Exec two-step — but against
// gorm.io/driver/sqlite and a single embedded file, per spec §6
// "Persisted state: a single embedded relational database file".
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wnt/oracle/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Connect opens (creating if absent) the embedded sqlite database at path
// and migrates the schema.
func Connect(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	cfg := &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// sqlite has one writer; keep the pool small so we don't thrash locks.
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := migrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.Transaction{},
		&models.Snapshot{},
		&models.SyncState{},
		&models.KWalletQueueEntry{},
		&models.TokenQueueEntry{},
		&models.APIKey{},
		&models.UsageDaily{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	db.Exec("CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_address)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_transactions_slot ON transactions(slot)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_transactions_block_time ON transactions(block_time)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_k_wallet_queue_lock_priority ON k_wallet_queue(locked_until, priority DESC)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_token_queue_lock_priority ON token_queue(locked_until, priority DESC)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_webhook_subs_key_active ON webhook_subscriptions(owner_api_key_id, is_active)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status_retry ON webhook_deliveries(status, next_retry_at)")

	return nil
}

// Backup writes a consistent point-in-time copy of the database to dest
// using sqlite's VACUUM INTO, then prunes the backup directory to retain
// only the most recent `keep` files (spec §6 "a directory of periodic
// point-in-time backup copies").
func Backup(db *gorm.DB, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("oracle-%s.db", time.Now().UTC().Format("20060102-150405.000000"))
	dest := filepath.Join(dir, name)

	if err := db.Exec("VACUUM INTO ?", dest).Error; err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}

	if err := pruneBackups(dir, keep); err != nil {
		return dest, fmt.Errorf("backup written but pruning failed: %w", err)
	}

	return dest, nil
}

func pruneBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}

	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].modTime.After(files[i].modTime) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	for i := keep; i < len(files); i++ {
		if err := os.Remove(filepath.Join(dir, files[i].name)); err != nil {
			return err
		}
	}

	return nil
}
