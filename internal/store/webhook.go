package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wnt/oracle/internal/models"
	"gorm.io/gorm"
)

func (s *GormStore) CreateWebhookSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.IsActive = true
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormStore) GetWebhookSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) ListWebhookSubscriptions(ctx context.Context, ownerKeyID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := s.db.WithContext(ctx).Where("owner_api_key_id = ?", ownerKeyID).Order("created_at DESC").Find(&subs).Error
	return subs, err
}

func (s *GormStore) DeleteWebhookSubscription(ctx context.Context, id, ownerKeyID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_api_key_id = ?", id, ownerKeyID).Delete(&models.WebhookSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SubscriptionsForEvent returns active subscriptions whose event_set
// JSON array contains eventType. event_set is small (a handful of event
// names per subscription), so a LIKE scan over the stored JSON avoids a
// join table without meaningfully widening the match.
func (s *GormStore) SubscriptionsForEvent(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	var all []models.WebhookSubscription
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&all).Error; err != nil {
		return nil, err
	}
	out := make([]models.WebhookSubscription, 0, len(all))
	for _, sub := range all {
		if strings.Contains(sub.EventSetJSON, `"`+eventType+`"`) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *GormStore) RecordWebhookFailure(ctx context.Context, subscriptionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.WebhookSubscription{}).Where("id = ?", subscriptionID).
			Update("failure_count", gorm.Expr("failure_count + 1")).Error; err != nil {
			return err
		}
		// Auto-disable at failureCount >= 5 (spec §4.7).
		return tx.Model(&models.WebhookSubscription{}).
			Where("id = ? AND failure_count >= ?", subscriptionID, 5).
			Update("is_active", false).Error
	})
}

func (s *GormStore) RecordWebhookSuccess(ctx context.Context, subscriptionID string) error {
	return s.db.WithContext(ctx).Model(&models.WebhookSubscription{}).Where("id = ?", subscriptionID).Updates(map[string]interface{}{
		"failure_count":     0,
		"last_triggered_at": time.Now().UTC(),
	}).Error
}

func (s *GormStore) CreateWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	if delivery.Status == "" {
		delivery.Status = "pending"
	}
	return s.db.WithContext(ctx).Create(delivery).Error
}

// ClaimWebhookDeliveries returns up to limit pending deliveries eligible
// for an attempt right now (spec §4.7: "claims up to N pending deliveries
// whose nextRetryAt <= now and attempts < 3").
func (s *GormStore) ClaimWebhookDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	now := time.Now().UTC()
	var deliveries []models.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("status = ?", "pending").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Where("attempts < ?", 3).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (s *GormStore) MarkWebhookDeliverySuccess(ctx context.Context, id string, code int, body string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        "success",
		"attempts":      gorm.Expr("attempts + 1"),
		"response_code": code,
		"response_body": body,
		"completed_at":  now,
		"next_retry_at": nil,
	}).Error
}

// MarkWebhookDeliveryFailure increments attempts and either schedules a
// retry or marks the delivery terminally failed, per the backoff ladder
// (spec §4.7).
func (s *GormStore) MarkWebhookDeliveryFailure(ctx context.Context, id string, code int, body string, backoff []time.Duration) error {
	var delivery models.WebhookDelivery
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error; err != nil {
		return err
	}

	attempts := delivery.Attempts + 1
	updates := map[string]interface{}{
		"attempts":      attempts,
		"response_code": code,
		"response_body": body,
	}

	if attempts >= 3 {
		updates["status"] = "failed"
		updates["completed_at"] = time.Now().UTC()
		updates["next_retry_at"] = nil
	} else {
		idx := attempts - 1
		if idx < 0 || idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		next := time.Now().UTC().Add(backoff[idx])
		updates["next_retry_at"] = &next
	}

	if err := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return err
	}

	if attempts >= 3 {
		return s.RecordWebhookFailure(ctx, delivery.SubscriptionID)
	}
	return nil
}

func (s *GormStore) ListWebhookDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var deliveries []models.WebhookDelivery
	err := s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").Limit(limit).Find(&deliveries).Error
	return deliveries, err
}
