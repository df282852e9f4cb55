// Package queue is the execution-queue port: the scheduler enqueues run IDs,
// workers dequeue and claim them. Delivery is at-least-once; the claimer's
// compare-and-swap makes execution at-most-once under redelivery.
package queue

import "context"

// Queue accepts run IDs for execution.
type Queue interface {
	Enqueue(runID string) error
}

// Memory is an in-process Queue backed by a buffered channel. A full buffer
// drops the notification rather than blocking the scheduler; workers also
// poll the store for due queued runs, so a dropped notification only delays
// pickup.
type Memory struct {
	ch chan string
}

// NewMemory creates a Memory queue with the given buffer size.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{ch: make(chan string, size)}
}

// Enqueue never fails for the in-memory queue.
func (m *Memory) Enqueue(runID string) error {
	select {
	case m.ch <- runID:
	default:
	}
	return nil
}

// Dequeue blocks until a run ID arrives or ctx is done.
func (m *Memory) Dequeue(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case id := <-m.ch:
		return id, true
	}
}

// Len reports the number of buffered run IDs.
func (m *Memory) Len() int { return len(m.ch) }
