package durable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, &RedisStoreConfig{Namespace: "test"})
	return store, mr
}

func TestRedisStoreExecutionRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &Execution{
		ID: "e1", TaskID: "t1", Input: json.RawMessage(`{"a":1}`),
		Status: StatusPending, Attempt: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"a":1}`, string(got.Input))

	_, err = store.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	err = store.UpdateExecution(ctx, &Execution{ID: "missing", TaskID: "t1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	// Terminal update drops the execution from the active set.
	incomplete, err := store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, incomplete, 1)

	completedAt := now.Add(time.Second)
	got.Status = StatusCompleted
	got.CompletedAt = &completedAt
	require.NoError(t, store.UpdateExecution(ctx, got))

	incomplete, err = store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	all, err := store.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	filtered, err := store.ListExecutions(ctx, ExecutionFilter{Statuses: []ExecutionStatus{StatusFailed}})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestRedisStoreStepResults(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for _, step := range []struct {
		id string
		at time.Time
	}{
		{"b", base.Add(time.Second)},
		{"a", base},
	} {
		require.NoError(t, store.SaveStepResult(ctx, &StepResult{
			ExecutionID: "e1", StepID: step.id,
			Result: json.RawMessage(`"x"`), CompletedAt: step.at,
		}))
	}

	_, err := store.GetStepResult(ctx, "e1", "missing")
	assert.ErrorIs(t, err, ErrStepNotFound)

	results, err := store.ListStepResults(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].StepID)
	assert.Equal(t, "b", results[1].StepID)
}

func TestRedisStoreTimers(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateTimer(ctx, &Timer{
		ID: "sleep:e1:s1", Type: TimerSleep, FireAt: now.Add(-time.Second),
		Status: TimerPending, ExecutionID: "e1", StepID: "s1",
	}))
	require.NoError(t, store.CreateTimer(ctx, &Timer{
		ID: "sleep:e1:s2", Type: TimerSleep, FireAt: now.Add(time.Hour),
		Status: TimerPending, ExecutionID: "e1", StepID: "s2",
	}))

	// Duplicate create while pending keeps the original deadline.
	require.NoError(t, store.CreateTimer(ctx, &Timer{
		ID: "sleep:e1:s1", Type: TimerSleep, FireAt: now.Add(time.Hour),
		Status: TimerPending,
	}))

	ready, err := store.GetReadyTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "sleep:e1:s1", ready[0].ID)
	assert.Equal(t, "s1", ready[0].StepID)

	require.NoError(t, store.MarkTimerFired(ctx, "sleep:e1:s1"))
	ready, err = store.GetReadyTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, store.DeleteTimer(ctx, "sleep:e1:s2"))
	assert.ErrorIs(t, store.DeleteTimer(ctx, "sleep:e1:s2"), ErrTimerNotFound)
}

func TestRedisStoreClaimTimer(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.ClaimTimer(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimTimer(ctx, "t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "contested claim must lose")

	ok, err = store.ClaimTimer(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-claims its own lease")

	// Lease expiry frees the claim.
	mr.FastForward(2 * time.Minute)
	ok, err = store.ClaimTimer(ctx, "t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreAdvisoryLocks(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	lockID, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)

	contested, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, contested)

	// Compare-and-delete: a stale lock id does not release.
	require.NoError(t, store.ReleaseLock(ctx, "execution:e1", "stale"))
	contested, err = store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, contested)

	require.NoError(t, store.ReleaseLock(ctx, "execution:e1", lockID))
	fresh, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)

	// TTL expiry frees an abandoned lock.
	mr.FastForward(2 * time.Minute)
	again, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
}

func TestRedisStoreSchedules(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sched := &Schedule{
		ID: "s1", TaskID: "t1", Type: ScheduleInterval, Pattern: "1000",
		Status: ScheduleActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSchedule(ctx, sched))

	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ScheduleInterval, got.Type)

	got.Status = SchedulePaused
	require.NoError(t, store.UpdateSchedule(ctx, got))

	active, err := store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, store.UpdateSchedule(ctx, &Schedule{ID: "missing"}), ErrScheduleNotFound)

	require.NoError(t, store.DeleteSchedule(ctx, "s1"))
	_, err = store.GetSchedule(ctx, "s1")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestRedisStoreAuditEntries(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, kind := range []AuditKind{AuditNote, AuditStepCompleted, AuditExecutionCompleted} {
		require.NoError(t, store.AppendAuditEntry(ctx, &AuditEntry{
			ID: time.Duration(i).String(), ExecutionID: "e1", At: base.Add(time.Duration(i) * time.Second),
			Kind: kind,
		}))
	}

	entries, err := store.ListAuditEntries(ctx, "e1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditNote, entries[0].Kind)
	assert.Equal(t, AuditExecutionCompleted, entries[2].Kind)

	paged, err := store.ListAuditEntries(ctx, "e1", 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, AuditStepCompleted, paged[0].Kind)
}

func TestRedisStoreIdempotencyKeys(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	set, err := store.SetExecutionIDByIdempotencyKey(ctx, "t1", "k1", "e1")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = store.SetExecutionIDByIdempotencyKey(ctx, "t1", "k1", "e2")
	require.NoError(t, err)
	assert.False(t, set)

	id, err := store.GetExecutionIDByIdempotencyKey(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	id, err = store.GetExecutionIDByIdempotencyKey(ctx, "t1", "other")
	require.NoError(t, err)
	assert.Empty(t, id)
}

// The full engine runs against the Redis store: crash-resume through a
// sleep with a second service instance.
func TestEngineOnRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	beforeRuns, afterRuns := 0, 0
	task := &Task{
		ID: "redis-sleepy",
		Handler: func(ctx context.Context, run *TaskContext) (interface{}, error) {
			if _, err := run.Step(ctx, "before", func(ctx context.Context) (interface{}, error) {
				beforeRuns++
				return "before", nil
			}); err != nil {
				return nil, err
			}
			if err := run.Sleep(ctx, time.Millisecond); err != nil {
				return nil, err
			}
			if _, err := run.Step(ctx, "after", func(ctx context.Context) (interface{}, error) {
				afterRuns++
				return "after", nil
			}); err != nil {
				return nil, err
			}
			return "done", nil
		},
	}

	serviceA, err := NewService(&Config{Store: store, Namespace: "test"})
	require.NoError(t, err)
	require.NoError(t, serviceA.Register(task))

	id, err := serviceA.StartExecution(ctx, "redis-sleepy", nil, nil)
	require.NoError(t, err)

	exec, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSleeping, exec.Status)

	serviceB, err := NewService(&Config{Store: store, Namespace: "test"})
	require.NoError(t, err)
	require.NoError(t, serviceB.Register(task))

	fireTimer(t, serviceB, "sleep:"+id+":sleep:1")

	exec, err = store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, beforeRuns)
	assert.Equal(t, 1, afterRuns)
}
