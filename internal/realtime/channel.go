package realtime

import (
	"context"
	"fmt"
)

// Channel is the realtime pub/sub transport events are published on.
// Implementations are expected to be safe for concurrent use.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// TenantTopic is the per-tenant event stream topic.
func TenantTopic(tenantID string) string {
	return fmt.Sprintf("tenant:%s:events", tenantID)
}
