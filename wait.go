package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// waitManager lets external callers block until an execution reaches a
// terminal state: event-bus subscription when available, polling fallback
// otherwise, bounded by an optional timeout budget measured from the call.
type waitManager struct {
	store     Store
	bus       EventBus
	namespace string
	logger    Logger
	pollEvery time.Duration
}

func newWaitManager(store Store, bus EventBus, namespace string, logger Logger, pollEvery time.Duration) *waitManager {
	return &waitManager{
		store:     store,
		bus:       bus,
		namespace: namespace,
		logger:    componentLogger(logger, "engine/wait"),
		pollEvery: pollEvery,
	}
}

// wait blocks until the execution terminates, the timeout budget runs out,
// or ctx is cancelled. Completed executions resolve to their result;
// failed and cancelled executions reject with *ExecutionError.
func (w *waitManager) wait(ctx context.Context, executionID string, opts *WaitOptions) (json.RawMessage, error) {
	o := WaitOptions{}
	if opts != nil {
		o = *opts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = w.pollEvery
	}
	start := time.Now()

	// Initial check: already terminal resolves without subscribing.
	if raw, done, err := w.check(ctx, executionID); done {
		return raw, err
	}

	var events <-chan *Event
	if w.bus != nil {
		ch, cancelSub, err := w.bus.Subscribe(ctx, busChannel(w.namespace, "execution:"+executionID))
		if err != nil {
			w.logger.WarnWithContext(ctx, "Event bus subscribe failed, falling back to polling", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		} else {
			defer cancelSub()
			events = ch
			// The execution may have finished between the initial check
			// and the subscription; re-check so the event is not missed.
			if raw, done, err := w.check(ctx, executionID); done {
				return raw, err
			}
		}
	}

	var timeoutCh <-chan time.Time
	if o.Timeout > 0 {
		remaining := o.Timeout - time.Since(start)
		if remaining <= 0 {
			return w.timedOut(ctx, executionID)
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return w.timedOut(ctx, executionID)

		case _, ok := <-events:
			if !ok {
				// Subscription closed underneath us; polling continues.
				events = nil
				continue
			}
			if raw, done, err := w.check(ctx, executionID); done {
				return raw, err
			}

		case <-ticker.C:
			if raw, done, err := w.check(ctx, executionID); done {
				return raw, err
			}
		}
	}
}

// check fetches the execution once. done is true when the wait can resolve.
func (w *waitManager) check(ctx context.Context, executionID string) (json.RawMessage, bool, error) {
	exec, err := w.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil, true, &ExecutionError{
				ExecutionID: executionID,
				TaskID:      "unknown",
				Attempt:     0,
				Cause:       ErrorInfo{Message: "execution not found"},
			}
		}
		return nil, true, err
	}

	switch exec.Status {
	case StatusCompleted:
		return exec.Result, true, nil
	case StatusFailed, StatusCancelled:
		cause := ErrorInfo{Message: "execution " + string(exec.Status)}
		if exec.Error != nil {
			cause = *exec.Error
		}
		return nil, true, &ExecutionError{
			ExecutionID: exec.ID,
			TaskID:      exec.TaskID,
			Attempt:     exec.Attempt,
			Cause:       cause,
		}
	default:
		return nil, false, nil
	}
}

// timedOut builds the timeout rejection, fetching the execution once more
// and tolerating store errors on that final read.
func (w *waitManager) timedOut(ctx context.Context, executionID string) (json.RawMessage, error) {
	taskID := "unknown"
	attempt := 0
	if exec, err := w.store.GetExecution(ctx, executionID); err == nil {
		taskID = exec.TaskID
		attempt = exec.Attempt
		if exec.Status == StatusCompleted {
			return exec.Result, nil
		}
	}
	return nil, &ExecutionError{
		ExecutionID: executionID,
		TaskID:      taskID,
		Attempt:     attempt,
		Cause:       ErrorInfo{Message: "timed out waiting for execution"},
	}
}
