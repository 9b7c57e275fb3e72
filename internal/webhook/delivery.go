package webhook

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

// DeliveryLog tracks one event delivery to one webhook across all of its
// attempts. Rows are never deleted online; tenants read them as delivery
// history.
type DeliveryLog struct {
	ID        int64  `gorm:"primaryKey" json:"id,string"`
	TenantID  string `gorm:"type:varchar(64);not null;index:idx_delivery_tenant" json:"tenant_id"`
	WebhookID int64     `gorm:"not null;index:idx_delivery_webhook" json:"webhook_id,string"`
	EventType EventType `gorm:"type:varchar(20);not null" json:"event_type"`

	Payload       json.RawMessage `gorm:"type:jsonb" json:"payload"`
	AttemptNumber int             `gorm:"not null;default:0" json:"attempt_number"`
	Status        DeliveryStatus  `gorm:"type:varchar(20);not null;index:idx_delivery_status" json:"status"`

	HTTPResponseStatus *int       `json:"http_response_status,omitempty"`
	ResponseBody       string     `gorm:"type:text" json:"response_body,omitempty"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message,omitempty"`
	NextRetryAt        *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DeliveryLog) TableName() string {
	return "webhook_delivery_logs"
}

// Payload is the envelope-shaped message posted to the endpoint. Stable
// across all entity types; consumers key on eventType/entityType.
type Payload struct {
	ID         string          `json:"id"`
	EventType  EventType       `json:"eventType"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	TenantID   string          `json:"tenantId"`
}

// BuildPayload constructs the delivery payload for an entity change.
func BuildPayload(eventType EventType, entityType, entityID string, data json.RawMessage, tenantID string) Payload {
	return Payload{
		ID:         ulid.Make().String(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Data:       data,
		TenantID:   tenantID,
	}
}
