package testhelper

import (
	"context"
	"sync"
)

// MockChannel records realtime publishes and can be scripted to fail.
type MockChannel struct {
	mu        sync.Mutex
	published []PublishedMessage
	Err       error
}

type PublishedMessage struct {
	Topic   string
	Payload []byte
}

func (m *MockChannel) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.published = append(m.published, PublishedMessage{Topic: topic, Payload: payload})
	return nil
}

func (m *MockChannel) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}
