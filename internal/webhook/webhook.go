package webhook

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDisabled Status = "disabled"
)

// EventType is the change kind a webhook can subscribe to.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// MaskedSecret is returned in place of secrets on every read path.
const MaskedSecret = "***"

// Defaults applied on create when the tenant does not specify a policy.
const (
	DefaultRetryCount   = 3
	DefaultRetryDelayMs = 1000
	DefaultTimeoutMs    = 30000
)

// StringList stores a string set as a jsonb array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
}

func (l StringList) contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// HeaderMap stores custom headers as a jsonb object.
type HeaderMap map[string]string

func (m HeaderMap) Value() (driver.Value, error) {
	if m == nil {
		m = HeaderMap{}
	}
	return json.Marshal(m)
}

func (m *HeaderMap) Scan(value any) error {
	if value == nil {
		*m = HeaderMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type %T for HeaderMap", value)
	}
}

// Webhook is a tenant-configured external HTTP endpoint subscribed to
// entity changes. Secrets are stored encrypted and never leave the service
// unmasked.
type Webhook struct {
	ID       int64  `gorm:"primaryKey" json:"id,string"`
	TenantID string `gorm:"type:varchar(64);not null;index:idx_webhooks_tenant" json:"tenant_id"`

	Name             string     `gorm:"type:varchar(255);not null" json:"name"`
	URL              string     `gorm:"type:text;not null" json:"url"`
	Secret           string     `gorm:"type:text" json:"secret,omitempty"`
	APIKey           string     `gorm:"type:text" json:"api_key,omitempty"`
	EventTypeFilters StringList `gorm:"type:jsonb" json:"event_type_filters"`
	EntityFilters    StringList `gorm:"type:jsonb" json:"entity_filters"`
	RetryCount       int        `gorm:"not null" json:"retry_count"`
	RetryDelayMs     int        `gorm:"not null" json:"retry_delay_ms"`
	TimeoutMs        int        `gorm:"not null" json:"timeout_ms"`
	CustomHeaders    HeaderMap  `gorm:"type:jsonb" json:"custom_headers,omitempty"`

	Status              Status     `gorm:"type:varchar(20);not null" json:"status"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"-"`
}

func (Webhook) TableName() string {
	return "outbound_webhooks"
}

// Matches reports whether an entity change should be delivered to this
// webhook. An empty filter set subscribes to everything.
func (w *Webhook) Matches(eventType EventType, entityType string) bool {
	if w.Status != StatusActive || w.DeletedAt != nil {
		return false
	}
	if len(w.EventTypeFilters) > 0 && !w.EventTypeFilters.contains(string(eventType)) {
		return false
	}
	if len(w.EntityFilters) > 0 && !w.EntityFilters.contains(entityType) {
		return false
	}
	return true
}

// Masked returns a copy safe for read APIs.
func (w Webhook) Masked() Webhook {
	if w.Secret != "" {
		w.Secret = MaskedSecret
	}
	if w.APIKey != "" {
		w.APIKey = MaskedSecret
	}
	return w
}

var (
	ErrInvalidURL        = errors.New("url must be a valid http or https URL")
	ErrInvalidEventType  = errors.New("event type filter must be one of created, updated, deleted")
	ErrInvalidEntityType = errors.New("entity filter is not a known entity type")
)

var validEventTypes = StringList{string(EventCreated), string(EventUpdated), string(EventDeleted)}

// Input is the tenant-supplied configuration for creating or updating a
// webhook.
type Input struct {
	Name             string    `json:"name"`
	URL              string    `json:"url"`
	Secret           string    `json:"secret"`
	APIKey           string    `json:"api_key"`
	EventTypeFilters []string  `json:"event_type_filters"`
	EntityFilters    []string  `json:"entity_filters"`
	RetryCount       *int      `json:"retry_count"`
	RetryDelayMs     *int      `json:"retry_delay_ms"`
	TimeoutMs        *int      `json:"timeout_ms"`
	CustomHeaders    HeaderMap `json:"custom_headers"`
}

// Validate checks an Input against the deployment's known entity set. The
// allow-list is passed in rather than read from a package global so it can
// be deployment-configured.
func (in *Input) Validate(knownEntities []string) error {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}

	for _, et := range in.EventTypeFilters {
		if !validEventTypes.contains(et) {
			return fmt.Errorf("%w: %q", ErrInvalidEventType, et)
		}
	}

	known := StringList(knownEntities)
	for _, ent := range in.EntityFilters {
		if !known.contains(ent) {
			return fmt.Errorf("%w: %q", ErrInvalidEntityType, ent)
		}
	}
	return nil
}

func (in *Input) retryCount() int {
	if in.RetryCount != nil {
		return *in.RetryCount
	}
	return DefaultRetryCount
}

func (in *Input) retryDelayMs() int {
	if in.RetryDelayMs != nil {
		return *in.RetryDelayMs
	}
	return DefaultRetryDelayMs
}

func (in *Input) timeoutMs() int {
	if in.TimeoutMs != nil {
		return *in.TimeoutMs
	}
	return DefaultTimeoutMs
}
