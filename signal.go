package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// signalHandler delivers external signals into the waiting slots of an
// execution, buffering into numbered overflow slots when nobody is waiting.
// Delivery is serialized per execution by the advisory lock "signal:<exec>".
type signalHandler struct {
	store    Store
	executor *executionManager
	audit    *auditLogger
	logger   Logger
	lockTTL  time.Duration
}

func newSignalHandler(store Store, executor *executionManager, audit *auditLogger, logger Logger, lockTTL time.Duration) *signalHandler {
	return &signalHandler{
		store:    store,
		executor: executor,
		audit:    audit,
		logger:   componentLogger(logger, "engine/signals"),
		lockTTL:  lockTTL,
	}
}

// slotCandidate is one step slot that could receive a signal.
type slotCandidate struct {
	stepID string
	slot   *Slot
	// numeric is the overflow index: 0 for the base slot, N for
	// "__signal:<id>:<N>", -1 for custom-named slots.
	numeric int
}

// deliver implements the delivery protocol. Callers racing on the same
// execution fail fast with ErrLockContention; retrying is caller policy.
func (h *signalHandler) deliver(ctx context.Context, executionID, signalID string, payload interface{}) error {
	lockID, err := h.store.AcquireLock(ctx, "signal:"+executionID, h.lockTTL)
	if err != nil {
		return NewEngineError("signal.Deliver", "store", err)
	}
	if lockID == "" {
		return NewEngineError("signal.Deliver", "lock",
			fmt.Errorf("%w: signal:%s", ErrLockContention, executionID))
	}
	defer func() {
		if err := h.store.ReleaseLock(ctx, "signal:"+executionID, lockID); err != nil {
			h.logger.WarnWithContext(ctx, "Failed to release signal lock", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}()

	raw, err := json.Marshal(payload)
	if err != nil {
		return NewEngineError("signal.Deliver", "serialization", err)
	}

	steps, err := h.store.ListStepResults(ctx, executionID)
	if err != nil {
		return err
	}
	candidates, err := h.matchSlots(steps, signalID)
	if err != nil {
		return err
	}

	if best := pickWaitingSlot(candidates); best != nil {
		if err := h.completeSlot(ctx, executionID, signalID, best, raw); err != nil {
			return err
		}
	} else if err := h.bufferSignal(ctx, executionID, signalID, candidates, raw); err != nil {
		return err
	}

	// Wake the execution so the waiter can observe the payload. Signals to
	// missing executions keep the slot for later without a resume.
	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if !exec.Status.Terminal() {
		if err := h.executor.resume(ctx, executionID); err != nil {
			return NewEngineError("signal.Deliver", "queue", err)
		}
	}
	return nil
}

// matchSlots enumerates the slots addressable by a signal id: the base slot
// "__signal:<id>", numbered overflow slots "__signal:<id>:<N>", and custom
// slots whose stored record is tagged with the signal id.
func (h *signalHandler) matchSlots(steps []*StepResult, signalID string) ([]*slotCandidate, error) {
	base := signalSlotPrefix + signalID
	var out []*slotCandidate
	for _, step := range steps {
		if !strings.HasPrefix(step.StepID, signalSlotPrefix) {
			continue
		}
		var numeric int
		switch {
		case step.StepID == base:
			numeric = 0
		case strings.HasPrefix(step.StepID, base+":"):
			n, err := strconv.Atoi(step.StepID[len(base)+1:])
			if err != nil || n < 1 {
				// Not an overflow slot; may still be a custom slot
				// tagged with this signal id.
				numeric = -1
			} else {
				numeric = n
			}
		default:
			numeric = -1
		}

		slot, err := decodeSlot(step.Result)
		if err != nil {
			return nil, err
		}
		if numeric == -1 && slot.SignalID != signalID {
			continue
		}
		out = append(out, &slotCandidate{stepID: step.StepID, slot: slot, numeric: numeric})
	}
	return out, nil
}

// pickWaitingSlot applies the preference rules: the base slot wins over
// numbered slots, the smallest numbered slot wins next, and custom slots
// come last in lexicographic step-id order.
func pickWaitingSlot(candidates []*slotCandidate) *slotCandidate {
	var waiting []*slotCandidate
	for _, c := range candidates {
		if c.slot.State == SlotWaiting {
			waiting = append(waiting, c)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		rank := func(c *slotCandidate) int {
			switch {
			case c.numeric == 0:
				return 0
			case c.numeric > 0:
				return 1
			default:
				return 2
			}
		}
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if a.numeric > 0 && b.numeric > 0 {
			return a.numeric < b.numeric
		}
		return a.stepID < b.stepID
	})
	return waiting[0]
}

// completeSlot marks a waiting slot delivered and disarms its timeout timer.
func (h *signalHandler) completeSlot(ctx context.Context, executionID, signalID string, c *slotCandidate, payload json.RawMessage) error {
	done := &Slot{State: SlotCompleted, Payload: payload, SignalID: signalID}
	raw, err := json.Marshal(done)
	if err != nil {
		return NewEngineError("signal.Deliver", "serialization", err)
	}
	if err := h.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: executionID,
		StepID:      c.stepID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if c.slot.TimerID != "" {
		if err := h.store.DeleteTimer(ctx, c.slot.TimerID); err != nil && !errors.Is(err, ErrTimerNotFound) {
			h.logger.WarnWithContext(ctx, "Failed to delete signal timeout timer", map[string]interface{}{
				"execution_id": executionID,
				"timer_id":     c.slot.TimerID,
				"error":        err.Error(),
			})
		}
	}

	h.audit.append(ctx, &AuditEntry{
		ExecutionID: executionID,
		Kind:        AuditSignalDelivered,
		StepID:      c.stepID,
		SignalID:    signalID,
	})
	emitSignalDelivered(ctx, signalID, false)
	return nil
}

// bufferSignal writes the payload into the first free overflow slot:
// "__signal:<id>", then ":1", ":2", ... up to the safety cap.
func (h *signalHandler) bufferSignal(ctx context.Context, executionID, signalID string, candidates []*slotCandidate, payload json.RawMessage) error {
	occupied := make(map[int]bool)
	for _, c := range candidates {
		if c.numeric >= 0 {
			occupied[c.numeric] = true
		}
	}

	slotID := ""
	for n := 0; n < maxSignalSlots; n++ {
		if occupied[n] {
			continue
		}
		if n == 0 {
			slotID = signalSlotPrefix + signalID
		} else {
			slotID = fmt.Sprintf("%s%s:%d", signalSlotPrefix, signalID, n)
		}
		break
	}
	if slotID == "" {
		return NewEngineError("signal.Deliver", "invariant",
			fmt.Errorf("%w: %s", ErrTooManySignalSlots, signalID))
	}

	done := &Slot{State: SlotCompleted, Payload: payload, SignalID: signalID}
	raw, err := json.Marshal(done)
	if err != nil {
		return NewEngineError("signal.Deliver", "serialization", err)
	}
	if err := h.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: executionID,
		StepID:      slotID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	h.audit.append(ctx, &AuditEntry{
		ExecutionID: executionID,
		Kind:        AuditSignalDelivered,
		StepID:      slotID,
		SignalID:    signalID,
		Message:     "buffered",
	})
	emitSignalDelivered(ctx, signalID, true)
	return nil
}
