package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemory_EnqueueDequeue(t *testing.T) {
	q := NewMemory(4)
	if err := q.Enqueue("run-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id, ok := q.Dequeue(context.Background())
	if !ok || id != "run-1" {
		t.Fatalf("Dequeue = %q, %v", id, ok)
	}
}

func TestMemory_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	q := NewMemory(1)
	q.Enqueue("run-1")

	done := make(chan struct{})
	go func() {
		q.Enqueue("run-2") // must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on full buffer")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestMemory_DequeueHonorsContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("Dequeue returned ok on canceled context")
	}
}
