package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
)

// Records are tenant-scoped: the same key used by two tenants never
// collides.
type Record struct {
	TenantID  string          `gorm:"type:varchar(64);primaryKey"`
	Key       string          `gorm:"type:varchar(255);primaryKey"`
	Succeeded bool            `gorm:"not null"`
	Response  json.RawMessage `gorm:"type:jsonb"`
	ExpiresAt time.Time       `gorm:"not null;index"`
	CreatedAt time.Time
}

func (Record) TableName() string {
	return "idempotency_records"
}

// ErrReplayedFailure reports that a live record exists for the key and the
// recorded attempt did not succeed. The recorded response accompanies it.
var ErrReplayedFailure = errors.New("previous attempt with this key failed")

// Store reads and writes idempotency records. A lookup that finds an
// expired record deletes it and reports a miss.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND key = ?", tenantID, key).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().UTC().After(rec.ExpiresAt) {
		if err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND key = ?", tenantID, key).
			Delete(&Record{}).Error; err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec *Record) error {
	// Upsert so a failure record can be replaced by a later success.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "key"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// Executor wraps an operation with replay protection. Successful results
// are replayed for a day; failures are held just long enough to absorb a
// client retry storm, then the operation may run again.
type Executor struct {
	store      *Store
	logger     *zap.Logger
	successTTL time.Duration
	failureTTL time.Duration
}

func NewExecutor(store *Store, cfg *config.Config, logger *zap.Logger) *Executor {
	return &Executor{
		store:      store,
		logger:     logger.Named("idempotency"),
		successTTL: time.Duration(cfg.IdempotencySuccessTTLSeconds) * time.Second,
		failureTTL: time.Duration(cfg.IdempotencyFailureTTLSeconds) * time.Second,
	}
}

// Execute runs fn unless a live record for (tenantID, key) exists, in which
// case the recorded response is replayed without running fn. Store errors
// fail open: the operation runs, it just loses replay protection.
func (e *Executor) Execute(ctx context.Context, tenantID, key string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if key == "" {
		resp, err := fn(ctx)
		return resp, false, err
	}

	rec, err := e.store.Get(ctx, tenantID, key)
	if err != nil {
		e.logger.Warn("idempotency_lookup_failed",
			zap.String("tenant_id", tenantID),
			zap.String("key", key),
			zap.Error(err))
	} else if rec != nil {
		e.logger.Info("idempotency_replay",
			zap.String("tenant_id", tenantID),
			zap.String("key", key),
			zap.Bool("succeeded", rec.Succeeded))
		if rec.Succeeded {
			return rec.Response, true, nil
		}
		return rec.Response, true, ErrReplayedFailure
	}

	resp, opErr := fn(ctx)

	record := &Record{
		TenantID:  tenantID,
		Key:       key,
		Succeeded: opErr == nil,
		Response:  resp,
		ExpiresAt: time.Now().UTC().Add(e.successTTL),
	}
	if opErr != nil {
		record.ExpiresAt = time.Now().UTC().Add(e.failureTTL)
	}
	if err := e.store.Put(ctx, record); err != nil {
		e.logger.Warn("idempotency_store_failed",
			zap.String("tenant_id", tenantID),
			zap.String("key", key),
			zap.Error(err))
	}
	return resp, false, opErr
}
