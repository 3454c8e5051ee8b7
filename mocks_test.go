package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// newTestService builds a Service on a fresh in-memory store with fast
// timings for tests. mutate may adjust the config before wiring.
func newTestService(t *testing.T, mutate func(*Config)) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	cfg := &Config{
		Store:            store,
		RetryBaseDelay:   time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		WaitPollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

// fireTimer waits for a timer to become ready and fires it through the
// service, failing the test on any other error.
func fireTimer(t *testing.T, svc *Service, timerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := svc.FireTimer(context.Background(), timerID)
		if err == nil {
			return
		}
		if errors.Is(err, ErrTimerNotFound) && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		t.Fatalf("fire timer %s: %v", timerID, err)
	}
}

func getExecution(t *testing.T, store Store, id string) *Execution {
	t.Helper()
	exec, err := store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution %s: %v", id, err)
	}
	return exec
}

func getSlot(t *testing.T, store Store, executionID, stepID string) *Slot {
	t.Helper()
	result, err := store.GetStepResult(context.Background(), executionID, stepID)
	if err != nil {
		t.Fatalf("get step %s/%s: %v", executionID, stepID, err)
	}
	slot, err := decodeSlot(result.Result)
	if err != nil {
		t.Fatalf("decode slot %s/%s: %v", executionID, stepID, err)
	}
	return slot
}

func saveSlotResult(t *testing.T, store Store, executionID, stepID string, slot *Slot) {
	t.Helper()
	tc := &TaskContext{execution: &Execution{ID: executionID}, store: store, logger: NoOpLogger{}}
	if err := tc.saveSlot(context.Background(), stepID, slot); err != nil {
		t.Fatalf("save slot %s/%s: %v", executionID, stepID, err)
	}
}

// recordingQueue captures enqueued messages for inspection. Enqueue fails
// for the first failFirst calls to exercise failsafe paths.
type recordingQueue struct {
	mu        sync.Mutex
	messages  []*Message
	failFirst int
	calls     int
}

func (q *recordingQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.calls <= q.failFirst {
		return fmt.Errorf("enqueue unavailable")
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, handler MessageHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out
}
