package durable

import (
	"context"
	"errors"
	"testing"
	"time"
)

func registerCounterTask(t *testing.T, svc *Service, id string) *int {
	t.Helper()
	runs := 0
	if err := svc.Register(&Task{
		ID: id,
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			runs++
			return "done", nil
		},
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return &runs
}

func TestEnsureScheduleRejectsRebind(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "task-a")
	registerCounterTask(t, svc, "task-b")

	if _, err := svc.EnsureSchedule(ctx, "task-a", nil, ScheduleOptions{ID: "s1", Interval: time.Second}); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	_, err := svc.EnsureSchedule(ctx, "task-b", nil, ScheduleOptions{ID: "s1", Interval: time.Second})
	if !errors.Is(err, ErrScheduleRebind) {
		t.Errorf("expected rebind rejection, got %v", err)
	}
}

func TestEnsureScheduleIsIdempotent(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "task-a")

	first, err := svc.EnsureSchedule(ctx, "task-a", nil, ScheduleOptions{ID: "s1", Interval: time.Second})
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := svc.EnsureSchedule(ctx, "task-a", nil, ScheduleOptions{ID: "s1", Interval: 2 * time.Second})
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first != second || first != "s1" {
		t.Errorf("expected stable schedule id s1, got %s / %s", first, second)
	}

	sched, err := store.GetSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.Pattern != "2000" {
		t.Errorf("expected updated pattern 2000, got %s", sched.Pattern)
	}

	// Exactly one pending timer for the schedule.
	ready, err := store.GetReadyTimers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ready timers: %v", err)
	}
	count := 0
	for _, timer := range ready {
		if timer.ID == "sched:s1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one sched:s1 timer, got %d", count)
	}
}

func TestScheduleRequiresCronOrInterval(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "task-a")

	_, err := svc.Schedule(ctx, "task-a", nil, ScheduleOptions{ID: "s1"})
	if !errors.Is(err, ErrScheduleRequiresRule) {
		t.Errorf("expected requires cron or interval, got %v", err)
	}
}

func TestScheduleUnknownTaskRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, "nope", nil, ScheduleOptions{Interval: time.Second})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected unknown task rejection, got %v", err)
	}
}

// Schedule continuity: after a scheduled timer fires, the next sched timer
// exists at the recomputed next run and lastRun advances.
func TestScheduledFireCreatesExecutionAndRearms(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	runs := registerCounterTask(t, svc, "tick")

	id, err := svc.Schedule(ctx, "tick", map[string]string{"k": "v"}, ScheduleOptions{ID: "s-tick", Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	fireTimer(t, svc, "sched:"+id)

	if *runs != 1 {
		t.Errorf("expected one execution run, got %d", *runs)
	}

	sched, err := store.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.LastRun == nil {
		t.Errorf("expected lastRun set after fire")
	}
	if sched.NextRun == nil {
		t.Fatalf("expected nextRun set after fire")
	}

	ready, err := store.GetReadyTimers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ready timers: %v", err)
	}
	found := false
	for _, timer := range ready {
		if timer.ID == "sched:"+id && timer.Status == TimerPending {
			found = true
			if !timer.FireAt.Equal(*sched.NextRun) {
				t.Errorf("timer fireAt %v != schedule nextRun %v", timer.FireAt, *sched.NextRun)
			}
		}
	}
	if !found {
		t.Errorf("expected re-armed sched timer after fire")
	}

	execs, err := store.ListExecutions(ctx, ExecutionFilter{TaskID: "tick"})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("expected one scheduled execution, got %d", len(execs))
	}
}

func TestOneOffScheduleRunsOnce(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	runs := registerCounterTask(t, svc, "once-task")

	onceID, err := svc.Schedule(ctx, "once-task", nil, ScheduleOptions{Delay: time.Millisecond})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	fireTimer(t, svc, "once:"+onceID)

	if *runs != 1 {
		t.Errorf("expected one run, got %d", *runs)
	}
	// One-off timers are not re-armed.
	ready, err := store.GetReadyTimers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ready timers: %v", err)
	}
	for _, timer := range ready {
		if timer.ID == "once:"+onceID {
			t.Errorf("expected one-off timer gone after fire")
		}
	}
}

func TestPauseAndResumeSchedule(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "pausable")

	id, err := svc.Schedule(ctx, "pausable", nil, ScheduleOptions{ID: "s-p", Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := svc.PauseSchedule(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	sched, _ := store.GetSchedule(ctx, id)
	if sched.Status != SchedulePaused {
		t.Errorf("expected paused, got %s", sched.Status)
	}
	ready, err := store.GetReadyTimers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ready timers: %v", err)
	}
	for _, timer := range ready {
		if timer.ID == "sched:"+id {
			t.Errorf("expected pending timer removed on pause")
		}
	}

	if err := svc.ResumeSchedule(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	sched, _ = store.GetSchedule(ctx, id)
	if sched.Status != ScheduleActive {
		t.Errorf("expected active after resume, got %s", sched.Status)
	}
	if sched.NextRun == nil {
		t.Errorf("expected nextRun re-armed")
	}
}

func TestRemoveScheduleDeletesTimer(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "removable")

	id, err := svc.Schedule(ctx, "removable", nil, ScheduleOptions{ID: "s-r", Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.RemoveSchedule(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := store.GetSchedule(ctx, id); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected schedule gone, got %v", err)
	}
	ready, err := store.GetReadyTimers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ready timers: %v", err)
	}
	for _, timer := range ready {
		if timer.ID == "sched:"+id {
			t.Errorf("expected timer deleted with schedule")
		}
	}
}

func TestUpdateScheduleRearms(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "tunable")

	id, err := svc.Schedule(ctx, "tunable", nil, ScheduleOptions{ID: "s-u", Interval: time.Second})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.UpdateSchedule(ctx, id, ScheduleOptions{Cron: "*/5 * * * *"}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	sched, err := store.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sched.Type != ScheduleCron || sched.Pattern != "*/5 * * * *" {
		t.Errorf("expected cron */5 * * * *, got %s %s", sched.Type, sched.Pattern)
	}
	if sched.NextRun == nil || sched.NextRun.Minute()%5 != 0 {
		t.Errorf("expected nextRun on a 5-minute boundary, got %v", sched.NextRun)
	}
}

func TestScheduleLockContentionFailsFast(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	registerCounterTask(t, svc, "locked-task")

	lockID, err := store.AcquireLock(ctx, "schedule:s-lock", time.Minute)
	if err != nil || lockID == "" {
		t.Fatalf("pre-acquire: %q %v", lockID, err)
	}

	_, err = svc.EnsureSchedule(ctx, "locked-task", nil, ScheduleOptions{ID: "s-lock", Interval: time.Second})
	if !IsLockContention(err) {
		t.Errorf("expected lock contention, got %v", err)
	}
}
