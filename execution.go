package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

const tracerName = "github.com/stackmesh/durable"

// executionManager drives a single workflow attempt through the state
// machine: claim the execution lease, run the handler inside a durable
// context, and translate the outcome into a state transition - completed,
// sleeping, retrying, failed, compensation_failed or cancelled.
type executionManager struct {
	store     Store
	queue     Queue
	bus       EventBus
	registry  *TaskRegistry
	audit     *auditLogger
	namespace string
	workerID  string
	logger    Logger
	tracer    trace.Tracer

	lockTTL      time.Duration
	retryBase    time.Duration
	kickoffDelay time.Duration
}

func newExecutionManager(store Store, queue Queue, bus EventBus, registry *TaskRegistry, audit *auditLogger, namespace, workerID string, logger Logger, lockTTL, retryBase, kickoffDelay time.Duration) *executionManager {
	return &executionManager{
		store:        store,
		queue:        queue,
		bus:          bus,
		registry:     registry,
		audit:        audit,
		namespace:    namespace,
		workerID:     workerID,
		logger:       componentLogger(logger, "engine/executor"),
		tracer:       otel.Tracer(tracerName),
		lockTTL:      lockTTL,
		retryBase:    retryBase,
		kickoffDelay: kickoffDelay,
	}
}

// runExecution performs one attempt of an execution. It is safe to call
// concurrently from many workers: the advisory lock "execution:<id>"
// ensures at most one attempt runs at a time, and losers return nil.
func (m *executionManager) runExecution(ctx context.Context, executionID string) error {
	lockID, err := m.store.AcquireLock(ctx, "execution:"+executionID, m.lockTTL)
	if err != nil {
		return NewEngineError("executor.Run", "store", err)
	}
	if lockID == "" {
		// Another worker holds the execution.
		return nil
	}
	defer func() {
		if err := m.store.ReleaseLock(ctx, "execution:"+executionID, lockID); err != nil {
			m.logger.WarnWithContext(ctx, "Failed to release execution lock", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}()

	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	tc := newTaskContext(exec, m.store, m.bus, m.audit, m.namespace, m.logger)

	if exec.CancelRequestedAt != nil {
		// Run the handler in cancelling mode: memoized steps replay so
		// their compensations register, and the first boundary that would
		// start new work unwinds with ErrCancelled.
		tc.cancelling = true
	}

	// Total timeout is a wall-clock budget across all attempts.
	var remaining time.Duration
	if exec.TimeoutMs > 0 {
		elapsed := time.Since(exec.CreatedAt)
		remaining = time.Duration(exec.TimeoutMs)*time.Millisecond - elapsed
		if remaining <= 0 {
			return m.failTerminal(ctx, exec, &ErrorInfo{
				Message: fmt.Sprintf("execution timed out after %dms", exec.TimeoutMs),
			})
		}
	}

	task, err := m.registry.Get(exec.TaskID)
	if err != nil {
		return m.failTerminal(ctx, exec, &ErrorInfo{
			Message: fmt.Sprintf("unknown task id %q", exec.TaskID),
		})
	}

	exec.Status = StatusRunning
	exec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if remaining > 0 {
		runCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	spanCtx, span := m.tracer.Start(runCtx, "durable.attempt",
		trace.WithAttributes(
			attribute.String("durable.execution_id", exec.ID),
			attribute.String("durable.task_id", exec.TaskID),
			attribute.Int("durable.attempt", exec.Attempt),
		))

	result, runErr := m.invokeHandler(spanCtx, task, tc)

	switch {
	case runErr == nil:
		span.End()
		return m.completeTerminal(ctx, exec, result)

	case errors.Is(runErr, ErrSuspended):
		span.AddEvent("suspended")
		span.End()
		emitExecutionSuspended(ctx, exec.TaskID)
		exec.Status = StatusSleeping
		exec.UpdatedAt = time.Now().UTC()
		return m.store.UpdateExecution(ctx, exec)

	case errors.Is(runErr, ErrCancelled):
		span.AddEvent("cancelled")
		span.End()
		return m.cancelTerminal(ctx, exec, tc)

	case errors.Is(runErr, ErrCompensationFailed):
		// Rollback already parked the execution in compensation_failed.
		span.SetStatus(codes.Error, "compensation failed")
		span.End()
		return nil

	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		span.End()
		return m.handleFailure(ctx, exec, runErr)
	}
}

// invokeHandler runs the user handler with panic recovery. A panic is
// normalized into an error carrying the stack so it flows through the
// normal retry path.
func (m *executionManager) invokeHandler(ctx context.Context, task *Task, tc *TaskContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &ExecutionError{
				ExecutionID: tc.execution.ID,
				TaskID:      tc.execution.TaskID,
				Attempt:     tc.execution.Attempt,
				Cause:       ErrorInfo{Message: fmt.Sprintf("handler panic: %v", r), Stack: stack},
			}
			m.logger.ErrorWithContext(ctx, "Handler panicked", map[string]interface{}{
				"execution_id": tc.execution.ID,
				"task_id":      tc.execution.TaskID,
				"panic":        fmt.Sprintf("%v", r),
				"stack":        stack,
			})
		}
	}()
	return task.Handler(ctx, tc)
}

func (m *executionManager) completeTerminal(ctx context.Context, exec *Execution, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return m.failTerminal(ctx, exec, &ErrorInfo{
			Message: fmt.Sprintf("result serialization failed: %v", err),
		})
	}

	now := time.Now().UTC()
	exec.Status = StatusCompleted
	exec.Result = raw
	exec.Error = nil
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	m.audit.append(ctx, &AuditEntry{
		ExecutionID: exec.ID,
		Attempt:     exec.Attempt,
		Kind:        AuditExecutionCompleted,
	})
	emitExecutionCompleted(ctx, exec.TaskID)
	m.publishFinished(ctx, exec)

	m.logger.InfoWithContext(ctx, "Execution completed", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"attempt":      exec.Attempt,
	})
	return nil
}

func (m *executionManager) failTerminal(ctx context.Context, exec *Execution, info *ErrorInfo) error {
	now := time.Now().UTC()
	exec.Status = StatusFailed
	exec.Error = info
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	m.audit.append(ctx, &AuditEntry{
		ExecutionID: exec.ID,
		Attempt:     exec.Attempt,
		Kind:        AuditExecutionFailed,
		Error:       info,
	})
	emitExecutionFailed(ctx, exec.TaskID)
	m.publishFinished(ctx, exec)

	m.logger.ErrorWithContext(ctx, "Execution failed", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"attempt":      exec.Attempt,
		"error":        info.Message,
	})
	return nil
}

// cancelTerminal finishes a cancellation request: compensations of steps
// completed so far run best-effort, then the execution lands in the
// terminal cancelled state.
func (m *executionManager) cancelTerminal(ctx context.Context, exec *Execution, tc *TaskContext) error {
	_ = tc.rollback(ctx, true)

	now := time.Now().UTC()
	exec.Status = StatusCancelled
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	exec.CancelledAt = &now
	if exec.Error == nil {
		exec.Error = &ErrorInfo{Message: "execution cancelled"}
	}
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	m.audit.append(ctx, &AuditEntry{
		ExecutionID: exec.ID,
		Attempt:     exec.Attempt,
		Kind:        AuditExecutionCancelled,
	})
	emitExecutionCancelled(ctx, exec.TaskID)
	m.publishFinished(ctx, exec)

	m.logger.InfoWithContext(ctx, "Execution cancelled", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
	})
	return nil
}

// handleFailure schedules a retry with exponential backoff while the
// attempt budget lasts, and fails the execution terminally otherwise.
func (m *executionManager) handleFailure(ctx context.Context, exec *Execution, runErr error) error {
	info := errorInfoFrom(runErr)

	if exec.Attempt >= exec.MaxAttempts {
		return m.failTerminal(ctx, exec, info)
	}

	delay := m.retryBase << (exec.Attempt - 1)
	timerID := fmt.Sprintf("retry:%s:%d", exec.ID, exec.Attempt)
	fireAt := time.Now().UTC().Add(delay)

	if err := m.store.CreateTimer(ctx, &Timer{
		ID:          timerID,
		Type:        TimerRetry,
		FireAt:      fireAt,
		Status:      TimerPending,
		ExecutionID: exec.ID,
	}); err != nil {
		return err
	}

	exec.Status = StatusRetrying
	exec.Attempt++
	exec.Error = info
	exec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	m.audit.append(ctx, &AuditEntry{
		ExecutionID: exec.ID,
		Attempt:     exec.Attempt,
		Kind:        AuditRetryScheduled,
		TimerID:     timerID,
		Error:       info,
		Meta:        map[string]interface{}{"delay_ms": delay.Milliseconds()},
	})
	emitRetryScheduled(ctx, exec.TaskID, exec.Attempt)

	m.logger.WarnWithContext(ctx, "Execution attempt failed, retry scheduled", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"attempt":      exec.Attempt,
		"delay_ms":     delay.Milliseconds(),
		"error":        info.Message,
	})
	return nil
}

// publishFinished notifies waiters of any terminal transition. Best-effort:
// waiters keep a polling fallback.
func (m *executionManager) publishFinished(ctx context.Context, exec *Execution) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return
	}
	channel := busChannel(m.namespace, "execution:"+exec.ID)
	event := &Event{Type: "finished", Payload: payload, Timestamp: time.Now().UTC()}
	if err := m.bus.Publish(ctx, channel, event); err != nil {
		m.logger.DebugWithContext(ctx, "Failed to publish finished event", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
}

// resume re-enters an execution: through the queue when one is configured,
// inline on this goroutine otherwise.
func (m *executionManager) resume(ctx context.Context, executionID string) error {
	if m.queue == nil {
		return m.runExecution(ctx, executionID)
	}
	return m.queue.Enqueue(ctx, &Message{
		ID:          uuid.New().String(),
		Type:        MessageResume,
		Payload:     MessagePayload{ExecutionID: executionID},
		MaxAttempts: 5,
		CreatedAt:   time.Now().UTC(),
	})
}

// kickoff starts a freshly created execution. With a queue configured a
// kickoff failsafe timer is armed first: if the enqueue is lost, the
// polling manager starts the execution from storage alone.
func (m *executionManager) kickoff(ctx context.Context, executionID string) error {
	if m.queue == nil {
		return m.runExecution(ctx, executionID)
	}

	timerID := "kickoff:" + executionID
	if err := m.store.CreateTimer(ctx, &Timer{
		ID:          timerID,
		Type:        TimerKickoff,
		FireAt:      time.Now().UTC().Add(m.kickoffDelay),
		Status:      TimerPending,
		ExecutionID: executionID,
	}); err != nil {
		return err
	}

	if err := m.queue.Enqueue(ctx, &Message{
		ID:          uuid.New().String(),
		Type:        MessageExecute,
		Payload:     MessagePayload{ExecutionID: executionID},
		MaxAttempts: 5,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		// Leave the failsafe timer armed; the poller will kick off the
		// execution on its next cycle.
		m.logger.WarnWithContext(ctx, "Kickoff enqueue failed, relying on failsafe timer", map[string]interface{}{
			"execution_id": executionID,
			"timer_id":     timerID,
			"error":        err.Error(),
		})
		return nil
	}

	if err := m.store.DeleteTimer(ctx, timerID); err != nil && !errors.Is(err, ErrTimerNotFound) {
		m.logger.WarnWithContext(ctx, "Failed to delete kickoff failsafe timer", map[string]interface{}{
			"execution_id": executionID,
			"timer_id":     timerID,
			"error":        err.Error(),
		})
	}
	return nil
}
