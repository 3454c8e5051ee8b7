package durable

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWaitResolvesCompletedExecution(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.Register(&Task{
		ID: "quick",
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			return map[string]string{"ok": "yes"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := svc.StartAndWait(ctx, "quick", nil, nil)
	if err != nil {
		t.Fatalf("startAndWait: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["ok"] != "yes" {
		t.Errorf("unexpected result %v", result)
	}
}

func TestWaitRejectsFailedExecutionWithStructuredError(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.Register(&Task{
		ID:          "broken",
		MaxAttempts: 1,
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			return nil, errors.New("database melted")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := svc.StartExecution(ctx, "broken", nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = svc.Wait(ctx, id, nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T %v", err, err)
	}
	if execErr.ExecutionID != id || execErr.TaskID != "broken" || execErr.Attempt != 1 {
		t.Errorf("unexpected error fields %+v", execErr)
	}
	if execErr.Cause.Message != "database melted" {
		t.Errorf("expected cause message, got %q", execErr.Cause.Message)
	}
}

func TestWaitUnknownExecutionRejectsImmediately(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Wait(ctx, "no-such-execution", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T %v", err, err)
	}
	if execErr.TaskID != "unknown" || execErr.Attempt != 0 {
		t.Errorf("expected unknown/0 placeholders, got %+v", execErr)
	}
}

func TestWaitTimesOutOnParkedExecution(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.Register(&Task{
		ID: "parked",
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			if err := run.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := svc.StartExecution(ctx, "parked", nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	_, err = svc.Wait(ctx, id, &WaitOptions{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	elapsed := time.Since(start)

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError on timeout, got %T %v", err, err)
	}
	if execErr.TaskID != "parked" {
		t.Errorf("expected task id in timeout error, got %+v", execErr)
	}
	if elapsed > time.Second {
		t.Errorf("wait did not respect timeout budget, took %v", elapsed)
	}
}

// The event bus wakes a waiter when the poller finishes the execution in
// the background.
func TestWaitWakesOnBusEvent(t *testing.T) {
	bus := NewMemoryEventBus()
	svc, _ := newTestService(t, func(c *Config) {
		c.EventBus = bus
		c.PollInterval = 5 * time.Millisecond
		// Slow polling fallback so the test exercises the bus path.
		c.WaitPollInterval = 10 * time.Second
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Register(&Task{
		ID: "napper",
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			if err := run.Sleep(ctx, time.Millisecond); err != nil {
				return nil, err
			}
			return "woke", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	id, err := svc.StartExecution(ctx, "napper", nil, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	raw, err := svc.Wait(ctx, id, &WaitOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result != "woke" {
		t.Errorf("expected woke, got %q", result)
	}
}

func TestWaitCancelledExecutionRejects(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.Register(&Task{
		ID: "to-cancel",
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			if err := run.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := svc.StartExecution(ctx, "to-cancel", nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.CancelExecution(ctx, id, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = svc.Wait(ctx, id, nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError for cancelled execution, got %T %v", err, err)
	}
}
