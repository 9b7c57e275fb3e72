package webhook

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("webhook not found")

// Repository persists webhooks and their delivery logs.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, w *Webhook) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *Repository) Save(ctx context.Context, w *Webhook) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *Repository) FindByID(ctx context.Context, tenantID string, id int64) (*Webhook, error) {
	var w Webhook
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ? AND deleted_at IS NULL", tenantID, id).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// List returns a tenant's webhooks, optionally filtered by status and
// entity filter membership.
func (r *Repository) List(ctx context.Context, tenantID string, status Status, entityType string) ([]Webhook, error) {
	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND deleted_at IS NULL", tenantID).
		Order("created_at ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if entityType != "" {
		// Empty filter sets subscribe to everything, so they match too.
		query = query.Where("entity_filters @> ? OR entity_filters = '[]'::jsonb", `["`+entityType+`"]`)
	}

	var hooks []Webhook
	if err := query.Find(&hooks).Error; err != nil {
		return nil, err
	}
	return hooks, nil
}

// ListActive returns a tenant's active webhooks for fan-out matching.
func (r *Repository) ListActive(ctx context.Context, tenantID string) ([]Webhook, error) {
	var hooks []Webhook
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND deleted_at IS NULL", tenantID, StatusActive).
		Find(&hooks).Error
	return hooks, err
}

func (r *Repository) SoftDelete(ctx context.Context, tenantID string, id int64) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&Webhook{}).
		Where("tenant_id = ? AND id = ? AND deleted_at IS NULL", tenantID, id).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Activate is the manual re-activation path after auto-disable. It resets
// the failure counter; there is no automatic equivalent.
func (r *Repository) Activate(ctx context.Context, tenantID string, id int64) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&Webhook{}).
		Where("tenant_id = ? AND id = ? AND deleted_at IS NULL", tenantID, id).
		Updates(map[string]any{
			"status":               StatusActive,
			"consecutive_failures": 0,
			"updated_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSuccess resets the webhook's health counters after a delivered
// attempt.
func (r *Repository) RecordSuccess(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Webhook{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_failures": 0,
			"last_success_at":      now,
			"updated_at":           now,
		}).Error
}

// RecordFailure bumps the failure counter and auto-disables the webhook
// once it crosses threshold. Returns true when this call disabled it.
func (r *Repository) RecordFailure(ctx context.Context, id int64, threshold int) (bool, error) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Webhook{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_failure_at":      now,
			"updated_at":           now,
		}).Error
	if err != nil {
		return false, err
	}

	// One-way transition; reactivation requires explicit admin action.
	result := r.db.WithContext(ctx).Model(&Webhook{}).
		Where("id = ? AND status = ? AND consecutive_failures >= ?", id, StatusActive, threshold).
		Updates(map[string]any{"status": StatusDisabled, "updated_at": now})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

/*
|--------------------------------------------------------------------------
| Delivery logs
|--------------------------------------------------------------------------
*/

func (r *Repository) CreateDeliveries(ctx context.Context, logs []DeliveryLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&logs).Error
}

// ClaimDue atomically claims up to limit due deliveries. Claimed rows have
// their attempt counter incremented and nextRetryAt pushed out as a lease,
// so an overlapping dispatcher run sees zero eligible rows for those ids.
func (r *Repository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]DeliveryLog, error) {
	var logs []DeliveryLog
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM webhook_delivery_logs
			 WHERE status IN (?, ?)
			   AND (next_retry_at IS NULL OR next_retry_at <= ?)
			 ORDER BY created_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			DeliveryPending,
			DeliveryRetrying,
			now,
			limit,
		).Scan(&logs).Error; err != nil {
			return err
		}

		if len(logs) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(logs))
		for i := range logs {
			ids = append(ids, logs[i].ID)
			logs[i].AttemptNumber++
		}

		return tx.Model(&DeliveryLog{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":         DeliveryRetrying,
				"attempt_number": gorm.Expr("attempt_number + 1"),
				"next_retry_at":  now.Add(lease),
				"updated_at":     now,
			}).Error
	})

	return logs, err
}

// ClaimByID claims a single delivery for an explicit retry, regardless of
// its schedule. Delivery ids are globally unique, so no tenant predicate is
// needed. Terminal rows are not eligible.
func (r *Repository) ClaimByID(ctx context.Context, id int64, lease time.Duration) (*DeliveryLog, error) {
	var log DeliveryLog
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM webhook_delivery_logs
			 WHERE id = ? AND status IN (?, ?)
			 FOR UPDATE SKIP LOCKED`,
			id,
			DeliveryPending,
			DeliveryRetrying,
		).Scan(&log).Error; err != nil {
			return err
		}
		if log.ID == 0 {
			return ErrNotFound
		}

		log.AttemptNumber++
		return tx.Model(&DeliveryLog{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":         DeliveryRetrying,
				"attempt_number": gorm.Expr("attempt_number + 1"),
				"next_retry_at":  now.Add(lease),
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FinishAttempt records the outcome of a claimed attempt.
func (r *Repository) FinishAttempt(ctx context.Context, log *DeliveryLog) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":               log.Status,
		"http_response_status": log.HTTPResponseStatus,
		"response_body":        log.ResponseBody,
		"error_message":        log.ErrorMessage,
		"next_retry_at":        log.NextRetryAt,
		"delivered_at":         log.DeliveredAt,
		"failed_at":            log.FailedAt,
		"updated_at":           now,
	}
	return r.db.WithContext(ctx).Model(&DeliveryLog{}).
		Where("id = ?", log.ID).
		Updates(updates).Error
}

// ListDeliveries returns delivery history for a tenant's webhook, newest
// first.
func (r *Repository) ListDeliveries(ctx context.Context, tenantID string, webhookID int64, limit int) ([]DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []DeliveryLog
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND webhook_id = ?", tenantID, webhookID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// FindWebhookForDelivery resolves the owning webhook including soft-deleted
// rows, so the dispatcher can distinguish "deleted" from "never existed".
func (r *Repository) FindWebhookForDelivery(ctx context.Context, id int64) (*Webhook, error) {
	var w Webhook
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}
