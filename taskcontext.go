package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// StepFunc is the body of a durable step. Its result is serialized to JSON
// and memoized; on replay the function is not called again.
type StepFunc func(ctx context.Context) (interface{}, error)

// CompensationFunc undoes a completed step during Rollback.
type CompensationFunc func(ctx context.Context) error

// SelectorFunc picks a branch id for Switch. It runs at most once; the
// chosen branch is memoized together with the branch result.
type SelectorFunc func(ctx context.Context) (string, error)

type compensation struct {
	stepID string
	down   CompensationFunc
}

// TaskContext is the per-execution API handed to workflow handlers. All
// durable operations read and write memoized step results through the store;
// operations that cannot complete yet (a pending sleep, an undelivered
// signal) return ErrSuspended, which the handler propagates so the execution
// manager can park the attempt.
//
// A TaskContext is confined to the goroutine running the handler.
type TaskContext struct {
	execution *Execution
	store     Store
	bus       EventBus
	audit     *auditLogger
	namespace string
	logger    Logger

	compensations []compensation
	sleepSeq      int
	emitSeq       int
	signalSeq     map[string]int

	// cancelling is set by the execution manager when the attempt enters
	// with a pending cancellation request: replayed steps still register
	// their compensations, and the first step boundary unwinds with
	// ErrCancelled.
	cancelling bool

	recording bool
	shape     []FlowOp
}

// FlowOp is one recorded durable operation from DescribeFlow.
type FlowOp struct {
	Kind   string `json:"kind"` // step, sleep, wait_for_signal, emit, switch, note, rollback
	StepID string `json:"step_id,omitempty"`
	Signal string `json:"signal,omitempty"`
	Event  string `json:"event,omitempty"`
}

func newTaskContext(execution *Execution, store Store, bus EventBus, audit *auditLogger, namespace string, logger Logger) *TaskContext {
	return &TaskContext{
		execution: execution,
		store:     store,
		bus:       bus,
		audit:     audit,
		namespace: namespace,
		logger:    componentLogger(logger, "engine/context"),
		signalSeq: make(map[string]int),
	}
}

// ExecutionID returns the id of the running execution.
func (c *TaskContext) ExecutionID() string {
	return c.execution.ID
}

// Attempt returns the current attempt number, starting at 1.
func (c *TaskContext) Attempt() int {
	return c.execution.Attempt
}

// Input returns the raw execution input.
func (c *TaskContext) Input() json.RawMessage {
	return c.execution.Input
}

// BindInput unmarshals the execution input into v.
func (c *TaskContext) BindInput(v interface{}) error {
	if len(c.execution.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.execution.Input, v)
}

// Step runs fn at most once for this step id. When a memoized result
// exists it is returned without running fn; otherwise fn runs, its result
// is persisted, and subsequent attempts replay it. When fn fails nothing
// is persisted and the error propagates. Step ids must be unique within
// the workflow and stable across attempts.
func (c *TaskContext) Step(ctx context.Context, stepID string, fn StepFunc) (json.RawMessage, error) {
	return c.StepWithCompensation(ctx, stepID, fn, nil)
}

// StepWithCompensation is Step with a compensation registered alongside.
// The compensation is remembered in this attempt's in-memory stack - on
// replay too, so a later Rollback can undo steps completed in any earlier
// attempt. Compensations run in reverse registration order.
func (c *TaskContext) StepWithCompensation(ctx context.Context, stepID string, fn StepFunc, down CompensationFunc) (json.RawMessage, error) {
	if stepID == "" {
		return nil, NewEngineError("context.Step", "validation", fmt.Errorf("step id cannot be empty"))
	}
	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "step", StepID: stepID})
		return nil, nil
	}

	existing, err := c.store.GetStepResult(ctx, c.execution.ID, stepID)
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return nil, err
	}
	if existing != nil {
		// Replay is free of side effects, so it proceeds even under a
		// pending cancellation: compensations of steps completed in prior
		// attempts must re-register before the unwind.
		if down != nil {
			c.compensations = append(c.compensations, compensation{stepID: stepID, down: down})
		}
		return existing.Result, nil
	}

	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}

	out, err := fn(ctx)
	if err != nil {
		c.audit.append(ctx, &AuditEntry{
			ExecutionID: c.execution.ID,
			Attempt:     c.execution.Attempt,
			Kind:        AuditStepFailed,
			StepID:      stepID,
			Error:       errorInfoFrom(err),
		})
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, NewEngineError("context.Step", "serialization", fmt.Errorf("step %s result: %w", stepID, err))
	}

	if err := c.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: c.execution.ID,
		StepID:      stepID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditStepCompleted,
		StepID:      stepID,
	})

	if down != nil {
		c.compensations = append(c.compensations, compensation{stepID: stepID, down: down})
	}

	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}
	return raw, nil
}

// StepInto runs Step and unmarshals the memoized result into v.
func (c *TaskContext) StepInto(ctx context.Context, stepID string, fn StepFunc, v interface{}) error {
	raw, err := c.Step(ctx, stepID, fn)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Sleep parks the execution for at least d. The first call writes a waiting
// slot, arms a sleep timer and returns ErrSuspended; once the polling
// manager fires the timer and resumes the execution, the replayed call
// finds the slot completed and returns nil. Unnamed sleeps are numbered in
// call order, so the sequence of Sleep calls must be deterministic.
func (c *TaskContext) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepNamed(ctx, "", d)
}

// SleepNamed is Sleep with an explicit step id, for workflows where the
// sleep sequence is not a stable call order.
func (c *TaskContext) SleepNamed(ctx context.Context, stepID string, d time.Duration) error {
	c.sleepSeq++
	name := stepID
	if name == "" {
		name = strconv.Itoa(c.sleepSeq)
	}
	slotID := sleepSlotPrefix + name

	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "sleep", StepID: slotID})
		return nil
	}

	existing, err := c.store.GetStepResult(ctx, c.execution.ID, slotID)
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return err
	}
	if existing != nil {
		slot, err := decodeSlot(existing.Result)
		if err != nil {
			return err
		}
		switch slot.State {
		case SlotCompleted:
			return nil
		case SlotWaiting:
			if c.cancelling {
				return ErrCancelled
			}
			// Replay while the timer is still pending. Re-creating the
			// timer is a no-op when it exists and heals a crash that lost
			// it; the original deadline is preserved in the slot.
			if slot.TimerID != "" && slot.FireAt != nil {
				timer := &Timer{
					ID:          slot.TimerID,
					Type:        TimerSleep,
					FireAt:      *slot.FireAt,
					Status:      TimerPending,
					ExecutionID: c.execution.ID,
					StepID:      slotID,
				}
				if err := c.store.CreateTimer(ctx, timer); err != nil {
					return err
				}
			}
			return ErrSuspended
		default:
			return NewEngineError("context.Sleep", "invariant",
				fmt.Errorf("unexpected sleep slot state %q for %s", slot.State, slotID))
		}
	}

	if err := c.checkCancelled(ctx); err != nil {
		return err
	}

	fireAt := time.Now().UTC().Add(d)
	timerID := fmt.Sprintf("sleep:%s:%s", c.execution.ID, slotID)

	slot := &Slot{State: SlotWaiting, TimerID: timerID, FireAt: &fireAt}
	if err := c.saveSlot(ctx, slotID, slot); err != nil {
		return err
	}
	if err := c.store.CreateTimer(ctx, &Timer{
		ID:          timerID,
		Type:        TimerSleep,
		FireAt:      fireAt,
		Status:      TimerPending,
		ExecutionID: c.execution.ID,
		StepID:      slotID,
	}); err != nil {
		return err
	}

	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditSleepStarted,
		StepID:      slotID,
		TimerID:     timerID,
		Meta:        map[string]interface{}{"duration_ms": d.Milliseconds()},
	})
	return ErrSuspended
}

// WaitForSignal resolves to the payload of the next delivered signal with
// the given id. Buffered signals (delivered before the wait) resolve
// immediately in arrival order; otherwise the call records a waiting slot,
// arms an optional timeout timer, and returns ErrSuspended. When the
// timeout fires first the replayed call fails with ErrSignalTimeout.
func (c *TaskContext) WaitForSignal(ctx context.Context, signal string, opts *SignalOptions) (json.RawMessage, error) {
	o := SignalOptions{}
	if opts != nil {
		o = *opts
	}

	var slotID string
	if o.StepID != "" {
		slotID = signalSlotPrefix + o.StepID
	} else {
		// Waiters consume base slot then :1, :2, ... in call order so the
		// i-th waiter receives the i-th delivered payload.
		n := c.signalSeq[signal]
		c.signalSeq[signal] = n + 1
		if n == 0 {
			slotID = signalSlotPrefix + signal
		} else {
			slotID = fmt.Sprintf("%s%s:%d", signalSlotPrefix, signal, n)
		}
	}

	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "wait_for_signal", StepID: slotID, Signal: signal})
		return nil, nil
	}

	existing, err := c.store.GetStepResult(ctx, c.execution.ID, slotID)
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return nil, err
	}
	if existing != nil {
		slot, err := decodeSlot(existing.Result)
		if err != nil {
			return nil, err
		}
		switch slot.State {
		case SlotCompleted:
			return slot.Payload, nil
		case SlotTimedOut:
			return nil, NewEngineError("context.WaitForSignal", "timeout",
				fmt.Errorf("%w: %s", ErrSignalTimeout, signal))
		case SlotWaiting:
			if c.cancelling {
				return nil, ErrCancelled
			}
			if slot.TimerID != "" && slot.FireAt != nil {
				timer := &Timer{
					ID:          slot.TimerID,
					Type:        TimerSignalTimeout,
					FireAt:      *slot.FireAt,
					Status:      TimerPending,
					ExecutionID: c.execution.ID,
					StepID:      slotID,
				}
				if err := c.store.CreateTimer(ctx, timer); err != nil {
					return nil, err
				}
			}
			return nil, ErrSuspended
		default:
			return nil, NewEngineError("context.WaitForSignal", "invariant", ErrInvalidSignalState)
		}
	}

	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}

	slot := &Slot{State: SlotWaiting, SignalID: signal}
	var timer *Timer
	if o.Timeout > 0 {
		fireAt := time.Now().UTC().Add(o.Timeout)
		slot.TimerID = fmt.Sprintf("signal_timeout:%s:%s", c.execution.ID, slotID)
		slot.FireAt = &fireAt
		timer = &Timer{
			ID:          slot.TimerID,
			Type:        TimerSignalTimeout,
			FireAt:      fireAt,
			Status:      TimerPending,
			ExecutionID: c.execution.ID,
			StepID:      slotID,
		}
	}
	if err := c.saveSlot(ctx, slotID, slot); err != nil {
		return nil, err
	}
	if timer != nil {
		if err := c.store.CreateTimer(ctx, timer); err != nil {
			return nil, err
		}
	}

	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditSignalWaiting,
		StepID:      slotID,
		SignalID:    signal,
		TimerID:     slot.TimerID,
	})
	return nil, ErrSuspended
}

// Emit publishes a workflow-level event on the bus channel
// "event:<event>". The publish is memoized per step id so replays do not
// re-publish. Unnamed emits are numbered in call order.
func (c *TaskContext) Emit(ctx context.Context, event string, payload interface{}) error {
	return c.EmitNamed(ctx, "", event, payload)
}

// EmitNamed is Emit with an explicit step id.
func (c *TaskContext) EmitNamed(ctx context.Context, stepID, event string, payload interface{}) error {
	c.emitSeq++
	name := stepID
	if name == "" {
		name = strconv.Itoa(c.emitSeq)
	}
	slotID := emitSlotPrefix + name

	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "emit", StepID: slotID, Event: event})
		return nil
	}

	existing, err := c.store.GetStepResult(ctx, c.execution.ID, slotID)
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	if err := c.checkCancelled(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return NewEngineError("context.Emit", "serialization", err)
	}
	if c.bus != nil {
		channel := busChannel(c.namespace, "event:"+event)
		if err := c.bus.Publish(ctx, channel, &Event{
			Type:      event,
			Payload:   raw,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	if err := c.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: c.execution.ID,
		StepID:      slotID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditEventEmitted,
		StepID:      slotID,
		Message:     event,
	})
	return nil
}

type switchRecord struct {
	Branch string          `json:"branch"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Switch memoizes a branch choice: the selector runs at most once, and the
// chosen branch id together with its result is persisted under stepID.
// Replays re-enter the recorded branch's result directly. A branch id the
// branches map does not contain falls back to defaultBranch; with no
// default the switch fails.
func (c *TaskContext) Switch(ctx context.Context, stepID string, selector SelectorFunc, branches map[string]StepFunc, defaultBranch StepFunc) (json.RawMessage, error) {
	if stepID == "" {
		return nil, NewEngineError("context.Switch", "validation", fmt.Errorf("step id cannot be empty"))
	}
	slotID := switchSlotPrefix + stepID

	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "switch", StepID: slotID})
		return nil, nil
	}

	existing, err := c.store.GetStepResult(ctx, c.execution.ID, slotID)
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return nil, err
	}
	if existing != nil {
		var rec switchRecord
		if err := json.Unmarshal(existing.Result, &rec); err != nil {
			return nil, NewEngineError("context.Switch", "serialization", err)
		}
		return rec.Result, nil
	}

	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}

	branch, err := selector(ctx)
	if err != nil {
		return nil, err
	}
	fn, ok := branches[branch]
	if !ok {
		fn = defaultBranch
	}
	if fn == nil {
		return nil, NewEngineError("context.Switch", "validation",
			fmt.Errorf("switch %s: no branch for %q and no default", stepID, branch))
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(out)
	if err != nil {
		return nil, NewEngineError("context.Switch", "serialization", err)
	}
	raw, err := json.Marshal(switchRecord{Branch: branch, Result: result})
	if err != nil {
		return nil, NewEngineError("context.Switch", "serialization", err)
	}

	if err := c.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: c.execution.ID,
		StepID:      slotID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditStepCompleted,
		StepID:      slotID,
		Meta:        map[string]interface{}{"branch": branch},
	})
	return result, nil
}

// Note appends an audit note for this execution. Best-effort: a failed
// note never fails the workflow.
func (c *TaskContext) Note(ctx context.Context, message string, meta map[string]interface{}) {
	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "note"})
		return
	}
	c.audit.append(ctx, &AuditEntry{
		ExecutionID: c.execution.ID,
		Attempt:     c.execution.Attempt,
		Kind:        AuditNote,
		Message:     message,
		Meta:        meta,
	})
}

// Rollback runs the registered compensations in reverse registration order.
// When a compensation fails the execution transitions to the stuck
// compensation_failed state, remaining compensations do not run, and the
// call returns ErrCompensationFailed for the handler to propagate.
func (c *TaskContext) Rollback(ctx context.Context) error {
	if c.recording {
		c.shape = append(c.shape, FlowOp{Kind: "rollback"})
		return nil
	}
	return c.rollback(ctx, false)
}

// rollback runs compensations. In best-effort mode (cancellation path)
// failures are logged and skipped instead of marking the execution stuck.
func (c *TaskContext) rollback(ctx context.Context, bestEffort bool) error {
	for i := len(c.compensations) - 1; i >= 0; i-- {
		comp := c.compensations[i]
		if err := comp.down(ctx); err != nil {
			if bestEffort {
				c.logger.WarnWithContext(ctx, "Compensation failed during cancellation", map[string]interface{}{
					"execution_id": c.execution.ID,
					"step_id":      comp.stepID,
					"error":        err.Error(),
				})
				continue
			}

			now := time.Now().UTC()
			c.execution.Status = StatusCompensationFailed
			c.execution.Error = &ErrorInfo{Message: fmt.Sprintf("compensation for step %s failed: %v", comp.stepID, err)}
			c.execution.UpdatedAt = now
			if updateErr := c.store.UpdateExecution(ctx, c.execution); updateErr != nil {
				c.logger.ErrorWithContext(ctx, "Failed to persist compensation failure", map[string]interface{}{
					"execution_id": c.execution.ID,
					"error":        updateErr.Error(),
				})
			}
			c.audit.append(ctx, &AuditEntry{
				ExecutionID: c.execution.ID,
				Attempt:     c.execution.Attempt,
				Kind:        AuditCompensationFailed,
				StepID:      comp.stepID,
				Error:       errorInfoFrom(err),
			})
			return fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, comp.stepID, err)
		}
	}
	c.compensations = nil
	return nil
}

// checkCancelled refreshes the execution row and unwinds the handler with
// ErrCancelled when cancellation has been requested. Called at every step
// boundary before new work starts; running step functions are never
// force-cancelled, and side-effect-free replay proceeds past the check.
func (c *TaskContext) checkCancelled(ctx context.Context) error {
	if c.cancelling {
		return ErrCancelled
	}
	exec, err := c.store.GetExecution(ctx, c.execution.ID)
	if err != nil {
		return err
	}
	if exec.CancelRequestedAt != nil {
		c.cancelling = true
		return ErrCancelled
	}
	return nil
}

func (c *TaskContext) saveSlot(ctx context.Context, slotID string, slot *Slot) error {
	raw, err := json.Marshal(slot)
	if err != nil {
		return NewEngineError("context.saveSlot", "serialization", err)
	}
	return c.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: c.execution.ID,
		StepID:      slotID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	})
}

// decodeSlot parses a tagged sleep/signal slot record.
func decodeSlot(raw json.RawMessage) (*Slot, error) {
	var slot Slot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, NewEngineError("slot.decode", "invariant", ErrInvalidSignalState)
	}
	switch slot.State {
	case SlotWaiting, SlotCompleted, SlotTimedOut:
		return &slot, nil
	default:
		return nil, NewEngineError("slot.decode", "invariant", ErrInvalidSignalState)
	}
}

// DescribeFlow runs a task handler against a recording context that never
// executes user work and returns the sequence of durable operations it
// declares. Selector and step functions are not invoked; the handler's
// error, if any, is ignored.
func DescribeFlow(task *Task) []FlowOp {
	if task == nil || task.Handler == nil {
		return nil
	}
	rec := &TaskContext{
		execution: &Execution{ID: "describe", TaskID: task.ID, Attempt: 1},
		recording: true,
		signalSeq: make(map[string]int),
		logger:    NoOpLogger{},
	}
	// The handler may fail on nil step results; the shape gathered up to
	// that point is still useful.
	func() {
		defer func() { _ = recover() }()
		_, _ = task.Handler(context.Background(), rec)
	}()
	return rec.shape
}
