package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
)

// Manager owns one Queue per service and routes submissions to the
// queue matching the request's already-resolved service.
type Manager struct {
	queues map[string]*Queue
}

// NewManager builds a Queue for every service pool knows about.
func NewManager(pool *keypool.Pool, logger *zerolog.Logger) *Manager {
	m := &Manager{queues: make(map[string]*Queue)}
	for _, service := range pool.Services() {
		m.queues[service] = New(service, pool, logger)
	}
	return m
}

// Start launches every queue's scheduling loop.
func (m *Manager) Start() {
	for _, q := range m.queues {
		q.Start()
	}
}

// Stop drains and terminates every queue.
func (m *Manager) Stop() {
	for _, q := range m.queues {
		q.Stop()
	}
}

// Submit routes rc to its service's queue.
func (m *Manager) Submit(ctx context.Context, rc *pipeline.RequestContext) (<-chan Result, error) {
	q, ok := m.queues[rc.Service]
	if !ok {
		return nil, fmt.Errorf("queue: no queue configured for service %q", rc.Service)
	}
	return q.Submit(ctx, rc), nil
}

// Depths reports each service's current queue length.
func (m *Manager) Depths() map[string]int {
	out := make(map[string]int, len(m.queues))
	for service, q := range m.queues {
		out[service] = q.Len()
	}
	return out
}
