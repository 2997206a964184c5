package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Queue for tests and single-binary runs.
type Memory struct {
	mu     sync.Mutex
	items  []Envelope
	notify chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.items = append(m.items, env)
	sort.SliceStable(m.items, func(i, j int) bool {
		return m.items[i].NotBefore.Before(m.items[j].NotBefore)
	})
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Envelope, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, context.Canceled
		}
		var wait time.Duration = time.Hour
		for i, env := range m.items {
			if env.NotBefore.IsZero() || !env.NotBefore.After(time.Now()) {
				m.items = append(m.items[:i], m.items[i+1:]...)
				m.mu.Unlock()
				return &env, nil
			}
			if d := time.Until(env.NotBefore); d < wait {
				wait = d
			}
		}
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len reports the number of queued envelopes, delayed included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}
