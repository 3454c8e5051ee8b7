package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// pollingManager periodically scans the store for ready timers, claims each
// under a short lease so concurrent workers fire it at most once, and
// dispatches by timer type. Timers are deleted only after their dispatch
// succeeds; a failed dispatch leaves the row pending so the next cycle
// retries it once the claim lease expires.
type pollingManager struct {
	store     Store
	executor  *executionManager
	schedules *scheduleManager
	audit     *auditLogger
	logger    Logger

	workerID string
	interval time.Duration
	claimTTL time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPollingManager(store Store, executor *executionManager, schedules *scheduleManager, audit *auditLogger, logger Logger, workerID string, interval, claimTTL time.Duration) *pollingManager {
	return &pollingManager{
		store:     store,
		executor:  executor,
		schedules: schedules,
		audit:     audit,
		logger:    componentLogger(logger, "engine/poller"),
		workerID:  workerID,
		interval:  interval,
		claimTTL:  claimTTL,
	}
}

// start launches the poll loop. Repeated calls are no-ops.
func (p *pollingManager) start(ctx context.Context) {
	if p.running.Swap(true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)

	p.logger.Info("Polling started", map[string]interface{}{
		"worker_id":   p.workerID,
		"interval_ms": p.interval.Milliseconds(),
	})
}

// stop cancels the next tick and waits for the in-flight poll cycle.
func (p *pollingManager) stop() {
	if !p.running.Swap(false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.logger.Info("Polling stopped", map[string]interface{}{
		"worker_id": p.workerID,
	})
}

func (p *pollingManager) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce runs one scan-claim-dispatch cycle. Errors never stop the loop.
func (p *pollingManager) pollOnce(ctx context.Context) {
	timers, err := p.store.GetReadyTimers(ctx, time.Now().UTC())
	if err != nil {
		p.logger.ErrorWithContext(ctx, "Failed to scan ready timers", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	// Fire in deterministic order: fireAt ascending, ties by id.
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].FireAt.Equal(timers[j].FireAt) {
			return timers[i].ID < timers[j].ID
		}
		return timers[i].FireAt.Before(timers[j].FireAt)
	})

	for _, timer := range timers {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := p.store.ClaimTimer(ctx, timer.ID, p.workerID, p.claimTTL)
		if err != nil {
			p.logger.WarnWithContext(ctx, "Failed to claim timer", map[string]interface{}{
				"timer_id": timer.ID,
				"error":    err.Error(),
			})
			continue
		}
		if !claimed {
			continue
		}

		if err := p.handleTimer(ctx, timer); err != nil {
			p.logger.ErrorWithContext(ctx, "Timer dispatch failed", map[string]interface{}{
				"timer_id":   timer.ID,
				"timer_type": string(timer.Type),
				"error":      err.Error(),
			})
		}
	}
}

// handleTimer fires one claimed timer. Exposed to tests and to operators
// through Service.FireTimer; the claim must already be held.
func (p *pollingManager) handleTimer(ctx context.Context, timer *Timer) error {
	var err error
	switch timer.Type {
	case TimerSleep:
		err = p.fireSleep(ctx, timer)
	case TimerRetry:
		err = p.executor.resume(ctx, timer.ExecutionID)
	case TimerSignalTimeout:
		err = p.fireSignalTimeout(ctx, timer)
	case TimerScheduled:
		// onScheduledFired manages the deterministic "sched:<id>" timer
		// slot itself: the fired row must be gone before the next one is
		// created under the same id.
		if err := p.schedules.onScheduledFired(ctx, timer); err != nil {
			return err
		}
		emitTimerFired(ctx, timer.Type)
		return nil
	case TimerKickoff:
		err = p.fireKickoff(ctx, timer)
	default:
		err = fmt.Errorf("unknown timer type %q", timer.Type)
	}
	if err != nil {
		return err
	}
	emitTimerFired(ctx, timer.Type)

	if err := p.store.MarkTimerFired(ctx, timer.ID); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	if err := p.store.DeleteTimer(ctx, timer.ID); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return nil
}

// fireSleep completes the sleep slot and resumes the execution.
func (p *pollingManager) fireSleep(ctx context.Context, timer *Timer) error {
	if timer.ExecutionID == "" || timer.StepID == "" {
		return nil
	}

	slot := &Slot{State: SlotCompleted}
	raw, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	if err := p.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      timer.StepID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	p.audit.append(ctx, &AuditEntry{
		ExecutionID: timer.ExecutionID,
		Kind:        AuditSleepCompleted,
		StepID:      timer.StepID,
		TimerID:     timer.ID,
	})
	return p.executor.resume(ctx, timer.ExecutionID)
}

// fireSignalTimeout times out a still-waiting signal slot and resumes the
// execution so the waiter observes the timeout. A slot already completed
// by a racing delivery is left alone.
func (p *pollingManager) fireSignalTimeout(ctx context.Context, timer *Timer) error {
	result, err := p.store.GetStepResult(ctx, timer.ExecutionID, timer.StepID)
	if err != nil {
		if errors.Is(err, ErrStepNotFound) {
			return nil
		}
		return err
	}
	slot, err := decodeSlot(result.Result)
	if err != nil {
		return err
	}
	if slot.State != SlotWaiting {
		return nil
	}

	timedOut := &Slot{State: SlotTimedOut, SignalID: slot.SignalID}
	raw, err := json.Marshal(timedOut)
	if err != nil {
		return err
	}
	if err := p.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      timer.StepID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	p.audit.append(ctx, &AuditEntry{
		ExecutionID: timer.ExecutionID,
		Kind:        AuditSignalTimedOut,
		StepID:      timer.StepID,
		SignalID:    slot.SignalID,
		TimerID:     timer.ID,
	})
	return p.executor.resume(ctx, timer.ExecutionID)
}

// fireKickoff is the enqueue failsafe: when the execute message was lost,
// the execution is started from storage alone.
func (p *pollingManager) fireKickoff(ctx context.Context, timer *Timer) error {
	exec, err := p.store.GetExecution(ctx, timer.ExecutionID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	return p.executor.resume(ctx, timer.ExecutionID)
}
