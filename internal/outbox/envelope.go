package outbox

import (
	"encoding/json"
	"strconv"
	"time"
)

// EnvelopeVersion is the wire version of every published event. Consumers
// reject anything else.
const EnvelopeVersion = 1

// Envelope is the versioned, self-describing wrapper placed around a domain
// event before it leaves the system. Derived from an Event, never persisted.
type Envelope struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	OccurredAt    string          `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// BuildEnvelope turns a stored event row into its wire form. Producers may
// assert a more precise domain timestamp via payload.occurredAt; anything
// missing or malformed falls back to the row's CreatedAt so every envelope
// carries a timestamp.
func BuildEnvelope(ev *Event) Envelope {
	return Envelope{
		ID:            strconv.FormatInt(ev.ID, 10),
		Version:       EnvelopeVersion,
		TenantID:      ev.TenantID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		OccurredAt:    resolveOccurredAt(ev),
		Payload:       ev.Payload,
	}
}

func resolveOccurredAt(ev *Event) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &fields); err == nil {
		if raw, ok := fields["occurredAt"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if _, err := time.Parse(time.RFC3339, s); err == nil {
					return s
				}
			}
		}
	}
	return ev.CreatedAt.UTC().Format(time.RFC3339Nano)
}
