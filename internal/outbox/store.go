package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/prepflowlabs/prepflow-cloud/pkg/snowflake"
)

var ErrNoTransaction = errors.New("outbox: append requires the caller's transaction")

// Store persists outbox events. Appends happen inside the caller's domain
// transaction; only the publisher mutates rows afterwards.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewStore(db *gorm.DB, node *snowflake.Node) *Store {
	return &Store{db: db, node: node}
}

// AppendParams describes one domain event to record.
type AppendParams struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
}

// Append writes an outbox row using tx, which must be the same transaction
// as the domain mutation that produced the event. There is no standalone
// commit path: if the transaction rolls back, the event never existed.
func (s *Store) Append(tx *gorm.DB, p AppendParams) (*Event, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	ev := &Event{
		ID:            s.node.GenerateID(),
		TenantID:      p.TenantID,
		AggregateType: p.AggregateType,
		AggregateID:   p.AggregateID,
		EventType:     p.EventType,
		Payload:       p.Payload,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// ClaimPending locks up to limit pending rows oldest-first. Overlapping
// publisher runs skip each other's locked rows, so claimed sets are disjoint.
func (s *Store) ClaimPending(tx *gorm.DB, limit int) ([]Event, error) {
	var events []Event
	err := tx.Raw(
		`SELECT * FROM outbox_events
		 WHERE status = ?
		 ORDER BY created_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		StatusPending,
		limit,
	).Scan(&events).Error
	return events, err
}

// MarkPublished transitions a claimed row to published. The status guard
// keeps a concurrent manual retry from clobbering a terminal row; the bool
// reports whether the row was still pending.
func (s *Store) MarkPublished(tx *gorm.DB, id int64) (bool, error) {
	now := time.Now().UTC()
	result := tx.Model(&Event{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":       StatusPublished,
			"published_at": now,
			"error":        "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed records a permanent failure. No retry is scheduled: the
// condition (for example an oversized payload) will not change.
func (s *Store) MarkFailed(tx *gorm.DB, id int64, reason string) (bool, error) {
	result := tx.Model(&Event{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status": StatusFailed,
			"error":  reason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// OldestPendingAge reports how stale the queue is. Zero when nothing is
// pending.
func (s *Store) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var oldest time.Time
	err := s.db.WithContext(ctx).Model(&Event{}).
		Select("created_at").
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(1).
		Scan(&oldest).Error
	if err != nil {
		return 0, err
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}
