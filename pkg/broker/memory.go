package broker

import (
	"context"
	"sync"
)

// Memory is the in-process broker used by single-instance deployments and
// tests. Publishes loop straight back to subscribers, minus self-tagged
// events, which mirrors what a remote instance would receive.
type Memory struct {
	serverID string

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

var _ Broker = (*Memory)(nil)

// NewMemory creates a memory broker for the given instance id.
func NewMemory(serverID string) *Memory {
	return &Memory{serverID: serverID, handlers: make(map[int]Handler)}
}

// Publish delivers ev to every subscriber whose server id differs.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || ev.ServerID == m.serverID {
		return nil
	}
	for _, h := range m.handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler until the returned cancel runs.
func (m *Memory) Subscribe(h Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Healthy always holds for the in-process broker.
func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[int]Handler)
	return nil
}
