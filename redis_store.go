package durable

// This file implements Store on Redis. Key layout (all keys prefixed
// "durable:<ns>:"):
//
//	exec:<id>            string  execution JSON
//	exec:index           set     all execution ids
//	active_executions    set     non-terminal execution ids
//	step:<exec>:<step>   string  step result JSON
//	steps:<exec>         zset    step ids scored by completedAt (ms)
//	timers               hash    timer id -> timer JSON
//	timers:index         zset    pending timer ids scored by fireAt (ms)
//	timerclaim:<id>      string  worker id, SET NX PX lease
//	schedules            hash    schedule id -> schedule JSON
//	audit:<exec>         list    audit entry JSON, append order
//	lock:<resource>      string  lock id, SET NX PX lease
//	idem:<task>:<key>    string  execution id, SET NX

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func newLockID() string {
	return uuid.New().String()
}

// releaseLockScript deletes a lock key only when the caller still holds it.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore implements Store on a Redis connection. The client should
// already be connected; it may be shared and is not closed by the store.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger Logger
}

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	// Namespace scopes all keys: "durable:<ns>:...". Default: "default".
	Namespace string `json:"namespace"`

	// Logger is an optional logger for store operations.
	Logger Logger `json:"-"`
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	cfg := RedisStoreConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	return &RedisStore{
		client: client,
		config: cfg,
		logger: componentLogger(cfg.Logger, "engine/redis-store"),
	}
}

func (s *RedisStore) key(parts ...string) string {
	key := nsPrefix(s.config.Namespace)
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// --- Executions ---

func (s *RedisStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id cannot be empty")
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return NewEngineError("redis.SaveExecution", "serialization", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("exec", exec.ID), data, 0)
	pipe.SAdd(ctx, s.key("exec", "index"), exec.ID)
	if exec.Status.Terminal() {
		pipe.SRem(ctx, s.key("active_executions"), exec.ID)
	} else {
		pipe.SAdd(ctx, s.key("active_executions"), exec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return NewEngineError("redis.SaveExecution", "store", err)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := s.client.Get(ctx, s.key("exec", id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, NewEngineError("redis.GetExecution", "store", err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, NewEngineError("redis.GetExecution", "serialization", err)
	}
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	exists, err := s.client.Exists(ctx, s.key("exec", exec.ID)).Result()
	if err != nil {
		return NewEngineError("redis.UpdateExecution", "store", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	return s.SaveExecution(ctx, exec)
}

func (s *RedisStore) ListIncompleteExecutions(ctx context.Context) ([]*Execution, error) {
	ids, err := s.client.SMembers(ctx, s.key("active_executions")).Result()
	if err != nil {
		return nil, NewEngineError("redis.ListIncomplete", "store", err)
	}
	execs, err := s.fetchExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, exec := range execs {
		if !exec.Status.Terminal() {
			out = append(out, exec)
		}
	}
	sortExecutions(out)
	return out, nil
}

func (s *RedisStore) ListStuckExecutions(ctx context.Context) ([]*Execution, error) {
	incomplete, err := s.ListIncompleteExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, exec := range incomplete {
		if exec.Status == StatusCompensationFailed {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	ids, err := s.client.SMembers(ctx, s.key("exec", "index")).Result()
	if err != nil {
		return nil, NewEngineError("redis.ListExecutions", "store", err)
	}
	execs, err := s.fetchExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}

	var all []*Execution
	for _, exec := range execs {
		if filter.TaskID != "" && exec.TaskID != filter.TaskID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, exec.Status) {
			continue
		}
		all = append(all, exec)
	}
	sortExecutions(all)
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (s *RedisStore) fetchExecutions(ctx context.Context, ids []string) ([]*Execution, error) {
	var out []*Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Index entry outlived its row; skip.
				continue
			}
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// --- Step results ---

func (s *RedisStore) GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error) {
	data, err := s.client.Get(ctx, s.key("step", executionID, stepID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, executionID, stepID)
	}
	if err != nil {
		return nil, NewEngineError("redis.GetStepResult", "store", err)
	}
	var result StepResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, NewEngineError("redis.GetStepResult", "serialization", err)
	}
	return &result, nil
}

func (s *RedisStore) SaveStepResult(ctx context.Context, result *StepResult) error {
	if result == nil || result.ExecutionID == "" || result.StepID == "" {
		return fmt.Errorf("step result requires execution and step ids")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return NewEngineError("redis.SaveStepResult", "serialization", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("step", result.ExecutionID, result.StepID), data, 0)
	pipe.ZAdd(ctx, s.key("steps", result.ExecutionID), &redis.Z{
		Score:  float64(result.CompletedAt.UnixMilli()),
		Member: result.StepID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return NewEngineError("redis.SaveStepResult", "store", err)
	}
	return nil
}

func (s *RedisStore) ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	stepIDs, err := s.client.ZRangeByScore(ctx, s.key("steps", executionID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, NewEngineError("redis.ListStepResults", "store", err)
	}

	var out []*StepResult
	for _, stepID := range stepIDs {
		result, err := s.GetStepResult(ctx, executionID, stepID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, result)
	}
	// ZRANGEBYSCORE orders ties lexicographically by member already, but
	// scores are truncated to milliseconds while CompletedAt keeps full
	// precision; sort on the persisted values to keep the contract exact.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

// --- Timers ---

func (s *RedisStore) CreateTimer(ctx context.Context, timer *Timer) error {
	if timer == nil || timer.ID == "" {
		return fmt.Errorf("timer id cannot be empty")
	}

	existing, err := s.getTimer(ctx, timer.ID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if existing != nil && existing.Status == TimerPending {
		// At most one non-fired timer per id.
		return nil
	}

	clone := *timer
	if clone.Status == "" {
		clone.Status = TimerPending
	}
	data, err := json.Marshal(&clone)
	if err != nil {
		return NewEngineError("redis.CreateTimer", "serialization", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key("timers"), clone.ID, data)
	pipe.ZAdd(ctx, s.key("timers", "index"), &redis.Z{
		Score:  float64(clone.FireAt.UnixMilli()),
		Member: clone.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return NewEngineError("redis.CreateTimer", "store", err)
	}
	return nil
}

func (s *RedisStore) getTimer(ctx context.Context, id string) (*Timer, error) {
	data, err := s.client.HGet(ctx, s.key("timers"), id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	if err != nil {
		return nil, NewEngineError("redis.getTimer", "store", err)
	}
	var timer Timer
	if err := json.Unmarshal(data, &timer); err != nil {
		return nil, NewEngineError("redis.getTimer", "serialization", err)
	}
	return &timer, nil
}

func (s *RedisStore) GetReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("timers", "index"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, NewEngineError("redis.GetReadyTimers", "store", err)
	}

	var out []*Timer
	for _, id := range ids {
		timer, err := s.getTimer(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if timer.Status != TimerPending {
			continue
		}
		out = append(out, timer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

func (s *RedisStore) MarkTimerFired(ctx context.Context, id string) error {
	timer, err := s.getTimer(ctx, id)
	if err != nil {
		return err
	}
	timer.Status = TimerFired
	data, err := json.Marshal(timer)
	if err != nil {
		return NewEngineError("redis.MarkTimerFired", "serialization", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key("timers"), id, data)
	pipe.ZRem(ctx, s.key("timers", "index"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return NewEngineError("redis.MarkTimerFired", "store", err)
	}
	return nil
}

func (s *RedisStore) DeleteTimer(ctx context.Context, id string) error {
	removed, err := s.client.HDel(ctx, s.key("timers"), id).Result()
	if err != nil {
		return NewEngineError("redis.DeleteTimer", "store", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.key("timers", "index"), id)
	pipe.Del(ctx, s.key("timerclaim", id))
	if _, err := pipe.Exec(ctx); err != nil {
		return NewEngineError("redis.DeleteTimer", "store", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	return nil
}

func (s *RedisStore) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, s.key("timerclaim", id), workerID, ttl).Result()
	if err != nil {
		return false, NewEngineError("redis.ClaimTimer", "store", err)
	}
	if claimed {
		return true, nil
	}
	// Re-entrant for the same worker so a retried cycle can finish its
	// own work.
	owner, err := s.client.Get(ctx, s.key("timerclaim", id)).Result()
	if err == redis.Nil {
		return s.ClaimTimer(ctx, id, workerID, ttl)
	}
	if err != nil {
		return false, NewEngineError("redis.ClaimTimer", "store", err)
	}
	return owner == workerID, nil
}

// --- Schedules ---

func (s *RedisStore) CreateSchedule(ctx context.Context, schedule *Schedule) error {
	return s.writeSchedule(ctx, schedule, "redis.CreateSchedule")
}

func (s *RedisStore) UpdateSchedule(ctx context.Context, schedule *Schedule) error {
	exists, err := s.client.HExists(ctx, s.key("schedules"), schedule.ID).Result()
	if err != nil {
		return NewEngineError("redis.UpdateSchedule", "store", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	return s.writeSchedule(ctx, schedule, "redis.UpdateSchedule")
}

func (s *RedisStore) writeSchedule(ctx context.Context, schedule *Schedule, op string) error {
	if schedule == nil || schedule.ID == "" {
		return fmt.Errorf("schedule id cannot be empty")
	}
	data, err := json.Marshal(schedule)
	if err != nil {
		return NewEngineError(op, "serialization", err)
	}
	if err := s.client.HSet(ctx, s.key("schedules"), schedule.ID, data).Err(); err != nil {
		return NewEngineError(op, "store", err)
	}
	return nil
}

func (s *RedisStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	data, err := s.client.HGet(ctx, s.key("schedules"), id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if err != nil {
		return nil, NewEngineError("redis.GetSchedule", "store", err)
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, NewEngineError("redis.GetSchedule", "serialization", err)
	}
	return &sched, nil
}

func (s *RedisStore) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.key("schedules"), id).Err(); err != nil {
		return NewEngineError("redis.DeleteSchedule", "store", err)
	}
	return nil
}

func (s *RedisStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.listSchedules(ctx, false)
}

func (s *RedisStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.listSchedules(ctx, true)
}

func (s *RedisStore) listSchedules(ctx context.Context, activeOnly bool) ([]*Schedule, error) {
	entries, err := s.client.HGetAll(ctx, s.key("schedules")).Result()
	if err != nil {
		return nil, NewEngineError("redis.ListSchedules", "store", err)
	}
	var out []*Schedule
	for _, data := range entries {
		var sched Schedule
		if err := json.Unmarshal([]byte(data), &sched); err != nil {
			return nil, NewEngineError("redis.ListSchedules", "serialization", err)
		}
		if activeOnly && sched.Status != ScheduleActive {
			continue
		}
		out = append(out, &sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Audit ---

func (s *RedisStore) AppendAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return fmt.Errorf("audit entry requires an execution id")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return NewEngineError("redis.AppendAudit", "serialization", err)
	}
	if err := s.client.RPush(ctx, s.key("audit", entry.ExecutionID), data).Err(); err != nil {
		return NewEngineError("redis.AppendAudit", "store", err)
	}
	return nil
}

func (s *RedisStore) ListAuditEntries(ctx context.Context, executionID string, offset, limit int) ([]*AuditEntry, error) {
	items, err := s.client.LRange(ctx, s.key("audit", executionID), 0, -1).Result()
	if err != nil {
		return nil, NewEngineError("redis.ListAudit", "store", err)
	}
	entries := make([]*AuditEntry, 0, len(items))
	for _, item := range items {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, NewEngineError("redis.ListAudit", "serialization", err)
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].At.Equal(entries[j].At) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].At.Before(entries[j].At)
	})
	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// --- Advisory locks ---

func (s *RedisStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	lockID := newLockID()
	acquired, err := s.client.SetNX(ctx, s.key("lock", resource), lockID, ttl).Result()
	if err != nil {
		return "", NewEngineError("redis.AcquireLock", "store", err)
	}
	if !acquired {
		return "", nil
	}
	return lockID, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, resource, lockID string) error {
	if _, err := s.client.Eval(ctx, releaseLockScript, []string{s.key("lock", resource)}, lockID).Result(); err != nil {
		return NewEngineError("redis.ReleaseLock", "store", err)
	}
	return nil
}

// --- Idempotency ---

func (s *RedisStore) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	id, err := s.client.Get(ctx, s.key("idem", taskID, key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", NewEngineError("redis.GetIdempotencyKey", "store", err)
	}
	return id, nil
}

func (s *RedisStore) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.key("idem", taskID, key), executionID, 0).Result()
	if err != nil {
		return false, NewEngineError("redis.SetIdempotencyKey", "store", err)
	}
	return set, nil
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
