package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// executionStarter creates and kicks off a new execution for a task. The
// schedule manager receives this narrow callback instead of the whole
// facade, keeping the dependency graph acyclic.
type executionStarter func(ctx context.Context, taskID string, input json.RawMessage) (string, error)

// scheduleManager creates and maintains recurring schedules and one-off
// timers. While a schedule is active exactly one pending timer with id
// "sched:<id>" exists; firing it creates an execution and re-arms the next.
type scheduleManager struct {
	store    Store
	registry *TaskRegistry
	audit    *auditLogger
	logger   Logger
	start    executionStarter
	lockTTL  time.Duration
}

func newScheduleManager(store Store, registry *TaskRegistry, audit *auditLogger, logger Logger, start executionStarter, lockTTL time.Duration) *scheduleManager {
	return &scheduleManager{
		store:    store,
		registry: registry,
		audit:    audit,
		logger:   componentLogger(logger, "engine/schedules"),
		start:    start,
		lockTTL:  lockTTL,
	}
}

// schedule creates a one-off timer (Delay/At) or a recurring schedule
// (Cron/Interval) and returns its id.
func (m *scheduleManager) schedule(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	if _, err := m.registry.Get(taskID); err != nil {
		return "", err
	}

	if opts.oneOff() {
		return m.scheduleOnce(ctx, taskID, input, opts)
	}

	schedType, pattern, err := recurrenceOf(opts)
	if err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	next, err := nextRun(schedType, pattern, now)
	if err != nil {
		return "", err
	}

	sched := &Schedule{
		ID:        id,
		TaskID:    taskID,
		Type:      schedType,
		Pattern:   pattern,
		Input:     input,
		Status:    ScheduleActive,
		NextRun:   &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSchedule(ctx, sched); err != nil {
		return "", err
	}
	if err := m.armTimer(ctx, sched, next); err != nil {
		return "", err
	}

	m.logger.Info("Schedule created", map[string]interface{}{
		"schedule_id": id,
		"task_id":     taskID,
		"type":        string(schedType),
		"pattern":     pattern,
		"next_run":    next.Format(time.RFC3339),
	})
	return id, nil
}

func (m *scheduleManager) scheduleOnce(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	fireAt := opts.At
	if fireAt.IsZero() {
		fireAt = time.Now().UTC().Add(opts.Delay)
	}

	onceID := uuid.New().String()
	if err := m.store.CreateTimer(ctx, &Timer{
		ID:     "once:" + onceID,
		Type:   TimerScheduled,
		FireAt: fireAt.UTC(),
		Status: TimerPending,
		TaskID: taskID,
		Input:  input,
	}); err != nil {
		return "", err
	}

	m.logger.Info("One-off run scheduled", map[string]interface{}{
		"once_id": onceID,
		"task_id": taskID,
		"fire_at": fireAt.UTC().Format(time.RFC3339),
	})
	return onceID, nil
}

// ensureSchedule is idempotent: an existing schedule with the same id and
// task has its pattern and input updated and its timer re-armed; an id
// bound to a different task is rejected with ErrScheduleRebind.
func (m *scheduleManager) ensureSchedule(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	if opts.ID == "" {
		return "", NewEngineError("schedule.Ensure", "validation",
			fmt.Errorf("%w: ensure requires a schedule id", ErrInvalidConfiguration))
	}
	if _, err := m.registry.Get(taskID); err != nil {
		return "", err
	}
	schedType, pattern, err := recurrenceOf(opts)
	if err != nil {
		return "", err
	}

	unlock, err := m.lockSchedule(ctx, opts.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, err := m.store.GetSchedule(ctx, opts.ID)
	if err != nil && !errors.Is(err, ErrScheduleNotFound) {
		return "", err
	}
	if existing == nil {
		return m.schedule(ctx, taskID, input, opts)
	}
	if existing.TaskID != taskID {
		return "", NewEngineError("schedule.Ensure", "validation",
			fmt.Errorf("%w: %s is bound to task %s", ErrScheduleRebind, opts.ID, existing.TaskID))
	}

	if err := m.rearm(ctx, existing, schedType, pattern, input); err != nil {
		return "", err
	}
	return existing.ID, nil
}

// update patches an existing schedule's pattern and/or input and re-arms.
func (m *scheduleManager) update(ctx context.Context, id string, opts ScheduleOptions, input json.RawMessage) error {
	unlock, err := m.lockSchedule(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	schedType, pattern := sched.Type, sched.Pattern
	if opts.Cron != "" || opts.Interval > 0 {
		schedType, pattern, err = recurrenceOf(opts)
		if err != nil {
			return err
		}
	}
	if input == nil {
		input = sched.Input
	}
	return m.rearm(ctx, sched, schedType, pattern, input)
}

// rearm replaces the schedule definition and its pending timer. The old
// timer is deleted before the new one is created so the deterministic
// "sched:<id>" slot is free.
func (m *scheduleManager) rearm(ctx context.Context, sched *Schedule, schedType ScheduleType, pattern string, input json.RawMessage) error {
	now := time.Now().UTC()
	next, err := nextRun(schedType, pattern, now)
	if err != nil {
		return err
	}

	if err := m.store.DeleteTimer(ctx, "sched:"+sched.ID); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}

	sched.Type = schedType
	sched.Pattern = pattern
	sched.Input = input
	sched.Status = ScheduleActive
	sched.NextRun = &next
	sched.UpdatedAt = now
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return err
	}
	return m.armTimer(ctx, sched, next)
}

func (m *scheduleManager) pause(ctx context.Context, id string) error {
	unlock, err := m.lockSchedule(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status == SchedulePaused {
		return nil
	}

	sched.Status = SchedulePaused
	sched.NextRun = nil
	sched.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return err
	}
	if err := m.store.DeleteTimer(ctx, "sched:"+id); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return nil
}

func (m *scheduleManager) resume(ctx context.Context, id string) error {
	unlock, err := m.lockSchedule(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status == ScheduleActive {
		return nil
	}
	return m.rearm(ctx, sched, sched.Type, sched.Pattern, sched.Input)
}

func (m *scheduleManager) remove(ctx context.Context, id string) error {
	unlock, err := m.lockSchedule(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.DeleteTimer(ctx, "sched:"+id); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return m.store.DeleteSchedule(ctx, id)
}

// onScheduledFired handles a claimed scheduled timer: one-off timers start
// their execution directly; schedule timers start an execution, advance
// lastRun/nextRun and arm the next timer.
func (m *scheduleManager) onScheduledFired(ctx context.Context, timer *Timer) error {
	if timer.ScheduleID == "" {
		// One-off "once:<id>" timer.
		if _, err := m.start(ctx, timer.TaskID, timer.Input); err != nil {
			return err
		}
		return m.store.DeleteTimer(ctx, timer.ID)
	}

	sched, err := m.store.GetSchedule(ctx, timer.ScheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			// Schedule removed while the timer was in flight.
			return m.store.DeleteTimer(ctx, timer.ID)
		}
		return err
	}
	if sched.Status != ScheduleActive {
		// A paused schedule's in-flight timer fires once without effect
		// and is not re-armed.
		return m.store.DeleteTimer(ctx, timer.ID)
	}

	execID, err := m.start(ctx, sched.TaskID, sched.Input)
	if err != nil {
		return err
	}
	m.audit.append(ctx, &AuditEntry{
		ExecutionID: execID,
		Kind:        AuditScheduleFired,
		Message:     sched.ID,
	})

	now := time.Now().UTC()
	next, err := nextRun(sched.Type, sched.Pattern, now)
	if err != nil {
		return err
	}

	if err := m.store.DeleteTimer(ctx, timer.ID); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	if err := m.armTimer(ctx, sched, next); err != nil {
		return err
	}

	sched.LastRun = &now
	sched.NextRun = &next
	sched.UpdatedAt = now
	return m.store.UpdateSchedule(ctx, sched)
}

func (m *scheduleManager) armTimer(ctx context.Context, sched *Schedule, fireAt time.Time) error {
	return m.store.CreateTimer(ctx, &Timer{
		ID:         "sched:" + sched.ID,
		Type:       TimerScheduled,
		FireAt:     fireAt,
		Status:     TimerPending,
		ScheduleID: sched.ID,
		TaskID:     sched.TaskID,
		Input:      sched.Input,
	})
}

// lockSchedule serializes ensure/update/pause/resume/remove per schedule.
// Contention fails fast; retrying is caller policy.
func (m *scheduleManager) lockSchedule(ctx context.Context, id string) (func(), error) {
	lockID, err := m.store.AcquireLock(ctx, "schedule:"+id, m.lockTTL)
	if err != nil {
		return nil, NewEngineError("schedule.Lock", "store", err)
	}
	if lockID == "" {
		return nil, NewEngineError("schedule.Lock", "lock",
			fmt.Errorf("%w: schedule:%s", ErrLockContention, id))
	}
	return func() {
		if err := m.store.ReleaseLock(ctx, "schedule:"+id, lockID); err != nil {
			m.logger.Warn("Failed to release schedule lock", map[string]interface{}{
				"schedule_id": id,
				"error":       err.Error(),
			})
		}
	}, nil
}

// recurrenceOf extracts the recurring rule from options. Exactly one of
// Cron or Interval must be set.
func recurrenceOf(opts ScheduleOptions) (ScheduleType, string, error) {
	switch {
	case opts.Cron != "" && opts.Interval > 0:
		return "", "", NewEngineError("schedule.Options", "validation",
			fmt.Errorf("%w: cron and interval are mutually exclusive", ErrInvalidConfiguration))
	case opts.Cron != "":
		if err := validatePattern(ScheduleCron, opts.Cron); err != nil {
			return "", "", err
		}
		return ScheduleCron, opts.Cron, nil
	case opts.Interval > 0:
		return ScheduleInterval, fmt.Sprintf("%d", opts.Interval.Milliseconds()), nil
	default:
		return "", "", NewEngineError("schedule.Options", "validation", ErrScheduleRequiresRule)
	}
}
