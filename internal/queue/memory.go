package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process queue for single-binary deployments and tests.
type Memory struct {
	ch       chan memoryItem
	done     chan struct{}
	once     sync.Once
	acked    atomic.Int64
	nakked   atomic.Int64
	attempts sync.Map
}

type memoryItem struct {
	id string
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ch: make(chan memoryItem, capacity), done: make(chan struct{})}
}

func (m *Memory) Enqueue(ctx context.Context, executionID string) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- memoryItem{id: executionID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	select {
	case item := <-m.ch:
		n, _ := m.attempts.LoadOrStore(item.id, new(atomic.Int64))
		attempt := n.(*atomic.Int64).Add(1)
		return &memoryDelivery{q: m, id: item.id, attempt: int(attempt)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClosed
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Pending reports the number of queued, undelivered ids.
func (m *Memory) Pending() int { return len(m.ch) }

func (m *Memory) Acked() int64 { return m.acked.Load() }

func (m *Memory) Nakked() int64 { return m.nakked.Load() }

type memoryDelivery struct {
	q       *Memory
	id      string
	attempt int
	settled atomic.Bool
}

func (d *memoryDelivery) ExecutionID() string { return d.id }

func (d *memoryDelivery) Attempt() int { return d.attempt }

func (d *memoryDelivery) Ack() error {
	if d.settled.CompareAndSwap(false, true) {
		d.q.acked.Add(1)
		d.q.attempts.Delete(d.id)
	}
	return nil
}

func (d *memoryDelivery) Nak(delay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	d.q.nakked.Add(1)
	requeue := func() { _ = d.q.Enqueue(context.Background(), d.id) }
	if delay <= 0 {
		go requeue()
		return nil
	}
	time.AfterFunc(delay, requeue)
	return nil
}

func (d *memoryDelivery) InProgress() error { return nil }
