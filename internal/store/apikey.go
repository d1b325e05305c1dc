package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wnt/oracle/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateAPIKey issues a new credential. The plaintext secret is returned
// exactly once; only its bcrypt hash is persisted (spec §3 ApiKey, §9
// "API keys are hashed at rest").
func (s *GormStore) CreateAPIKey(ctx context.Context, name, tier string, perMinute, perDay int, expiresAt *time.Time) (string, *models.APIKey, error) {
	plaintext, err := generateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	rec := &models.APIKey{
		ID:             uuid.NewString(),
		KeyHash:        string(hash),
		Name:           name,
		Tier:           tier,
		PerMinuteLimit: perMinute,
		PerDayLimit:    perDay,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// ValidateAPIKey resolves plainKey to its record via a bcrypt comparison
// against every active, non-expired key. bcrypt has no indexable
// equality, so this scans the (typically small) active-key set; the
// Gateway's 5-minute TTL cache is what keeps this off the hot path (spec
// §4.8 "Caching covers hot keys").
func (s *GormStore) ValidateAPIKey(ctx context.Context, plainKey string) (*models.APIKey, error) {
	var candidates []models.APIKey
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(plainKey)) == nil {
			rec := candidates[i]
			s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", rec.ID).Update("last_used_at", now)
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *GormStore) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

func (s *GormStore) DeactivateAPIKey(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).Update("is_active", false).Error
}

// IncrementUsage bumps today's per-key request counter (spec §3
// UsageDaily, §4.8 "must not block the response" — callers invoke this
// from a detached goroutine).
func (s *GormStore) IncrementUsage(ctx context.Context, keyID string, date string) error {
	row := models.UsageDaily{KeyID: keyID, Date: date, Requests: 1}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"requests": gorm.Expr("requests + 1")}),
	}).Create(&row).Error
}

func (s *GormStore) UsageForKey(ctx context.Context, keyID string, date string) (int64, error) {
	var row models.UsageDaily
	err := s.db.WithContext(ctx).Where("key_id = ? AND date = ?", keyID, date).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Requests, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "oracle_" + hex.EncodeToString(buf), nil
}
