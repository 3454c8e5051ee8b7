package durable

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewEngineError("signal.Deliver", "lock", ErrLockContention)
	if got := err.Error(); got != "signal.Deliver: lock not acquired" {
		t.Errorf("unexpected message %q", got)
	}

	withID := &EngineError{Op: "executor.Run", Kind: "store", ID: "e1", Err: errors.New("boom")}
	if got := withID.Error(); got != "executor.Run [e1]: boom" {
		t.Errorf("unexpected message %q", got)
	}

	if !errors.Is(err, ErrLockContention) {
		t.Errorf("expected unwrap to reach the sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrLockContention,
		NewEngineError("signal.Deliver", "lock", fmt.Errorf("%w: signal:e1", ErrLockContention)),
		NewEngineError("redis.GetExecution", "store", errors.New("connection refused")),
		NewEngineError("rabbit.Enqueue", "queue", errors.New("channel closed")),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("expected retryable: %v", err)
		}
	}

	permanent := []error{
		nil,
		ErrExecutionNotFound,
		ErrScheduleRebind,
		NewEngineError("service.New", "validation", ErrInvalidConfiguration),
		NewEngineError("context.Step", "serialization", errors.New("bad json")),
		errors.New("plain handler failure"),
	}
	for _, err := range permanent {
		if IsRetryable(err) {
			t.Errorf("expected non-retryable: %v", err)
		}
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsNotFound(fmt.Errorf("%w: e1", ErrExecutionNotFound)) {
		t.Errorf("expected not-found through wrapping")
	}
	if !IsLockContention(NewEngineError("schedule.Lock", "lock", fmt.Errorf("%w: schedule:s1", ErrLockContention))) {
		t.Errorf("expected lock contention through wrapping")
	}
	if !IsSuspension(ErrSuspended) {
		t.Errorf("expected suspension sentinel to match")
	}
	if !IsValidation(ErrScheduleRequiresRule) || IsValidation(ErrLockContention) {
		t.Errorf("unexpected validation predicate results")
	}
}

func TestExecutionErrorMessage(t *testing.T) {
	err := &ExecutionError{
		ExecutionID: "e1",
		TaskID:      "order.fulfill",
		Attempt:     2,
		Cause:       ErrorInfo{Message: "database melted"},
	}
	want := "execution e1 (task order.fulfill, attempt 2): database melted"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
