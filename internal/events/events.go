// Package events fans transition and lifecycle notifications out to
// in-process observers. Publishing never blocks the engine: a slow
// subscriber loses events, it does not stall transitions.
package events

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindTaskTransition Kind = "task.transition"
	KindStepTransition Kind = "step.transition"
	KindTaskEnqueued   Kind = "task.enqueued"
	KindTaskFinalized  Kind = "task.finalized"
)

type Event struct {
	Kind           Kind                   `json:"kind"`
	TaskID         int64                  `json:"task_id"`
	WorkflowStepID int64                  `json:"workflow_step_id,omitempty"`
	FromState      string                 `json:"from_state,omitempty"`
	ToState        string                 `json:"to_state,omitempty"`
	At             time.Time              `json:"at"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

type Bus interface {
	Publish(ctx context.Context, ev Event)
	// Subscribe returns a receive channel and an unsubscribe func. The
	// channel is closed on unsubscribe or bus close.
	Subscribe(buffer int) (<-chan Event, func())
	Close()
}

type memoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() Bus {
	return &memoryBus{subs: make(map[int]chan Event)}
}

func (b *memoryBus) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *memoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *memoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
