package outbox

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusPublished EventStatus = "published"
	StatusFailed    EventStatus = "failed"
)

// Event is a durable record of a domain event, written in the same
// transaction as the mutation it describes. Once published the row is
// immutable except for audit fields.
type Event struct {
	ID            int64           `gorm:"primaryKey" json:"id,string"`
	TenantID      string          `gorm:"type:varchar(64);not null;index:idx_outbox_tenant" json:"tenant_id"`
	AggregateType string          `gorm:"type:varchar(100);not null" json:"aggregate_type"`
	AggregateID   string          `gorm:"type:varchar(64);not null" json:"aggregate_id"`
	EventType     string          `gorm:"type:varchar(100);not null" json:"event_type"`
	Payload       json.RawMessage `gorm:"type:jsonb" json:"payload"`
	Status        EventStatus     `gorm:"type:varchar(20);not null;index:idx_outbox_status" json:"status"`
	Error         string          `gorm:"type:text" json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

func (Event) TableName() string {
	return "outbox_events"
}
