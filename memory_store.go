package durable

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store for tests and
// single-process deployments. Leases (locks and timer claims) are held as
// expiry timestamps checked at read time, so expired leases free themselves
// without a background sweeper.
type MemoryStore struct {
	mu sync.RWMutex

	executions map[string]*Execution
	steps      map[string]map[string]*StepResult
	timers     map[string]*Timer
	claims     map[string]memoryLease
	schedules  map[string]*Schedule
	audits     map[string][]*AuditEntry
	locks      map[string]memoryLease
	idem       map[string]string
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

func (l memoryLease) expired(now time.Time) bool {
	return now.After(l.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		steps:      make(map[string]map[string]*StepResult),
		timers:     make(map[string]*Timer),
		claims:     make(map[string]memoryLease),
		schedules:  make(map[string]*Schedule),
		audits:     make(map[string][]*AuditEntry),
		locks:      make(map[string]memoryLease),
		idem:       make(map[string]string),
	}
}

// --- Executions ---

func (m *MemoryStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *exec
	m.executions[exec.ID] = &clone
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	clone := *exec
	return &clone, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	clone := *exec
	m.executions[exec.ID] = &clone
	return nil
}

func (m *MemoryStore) ListIncompleteExecutions(ctx context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if !exec.Status.Terminal() {
			clone := *exec
			out = append(out, &clone)
		}
	}
	sortExecutions(out)
	return out, nil
}

func (m *MemoryStore) ListStuckExecutions(ctx context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if exec.Status == StatusCompensationFailed {
			clone := *exec
			out = append(out, &clone)
		}
	}
	sortExecutions(out)
	return out, nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	var all []*Execution
	for _, exec := range m.executions {
		if filter.TaskID != "" && exec.TaskID != filter.TaskID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, exec.Status) {
			continue
		}
		clone := *exec
		all = append(all, &clone)
	}
	m.mu.RUnlock()

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

func sortExecutions(execs []*Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
}

func containsStatus(statuses []ExecutionStatus, s ExecutionStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

// --- Step results ---

func (m *MemoryStore) GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, executionID, stepID)
	}
	clone := *result
	return &clone, nil
}

func (m *MemoryStore) SaveStepResult(ctx context.Context, result *StepResult) error {
	if result == nil || result.ExecutionID == "" || result.StepID == "" {
		return fmt.Errorf("step result requires execution and step ids")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[result.ExecutionID] == nil {
		m.steps[result.ExecutionID] = make(map[string]*StepResult)
	}
	clone := *result
	m.steps[result.ExecutionID][result.StepID] = &clone
	return nil
}

func (m *MemoryStore) ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepResult
	for _, result := range m.steps[executionID] {
		clone := *result
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

// --- Timers ---

func (m *MemoryStore) CreateTimer(ctx context.Context, timer *Timer) error {
	if timer == nil || timer.ID == "" {
		return fmt.Errorf("timer id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[timer.ID]; ok && existing.Status == TimerPending {
		// At most one non-fired timer per id.
		return nil
	}
	clone := *timer
	if clone.Status == "" {
		clone.Status = TimerPending
	}
	m.timers[timer.ID] = &clone
	return nil
}

func (m *MemoryStore) GetReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Timer
	for _, timer := range m.timers {
		if timer.Status == TimerPending && !timer.FireAt.After(now) {
			clone := *timer
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

func (m *MemoryStore) MarkTimerFired(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.timers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	timer.Status = TimerFired
	return nil
}

func (m *MemoryStore) DeleteTimer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	delete(m.timers, id)
	delete(m.claims, id)
	return nil
}

func (m *MemoryStore) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if lease, ok := m.claims[id]; ok && !lease.expired(now) && lease.owner != workerID {
		return false, nil
	}
	m.claims[id] = memoryLease{owner: workerID, expiresAt: now.Add(ttl)}
	return true, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(ctx context.Context, schedule *Schedule) error {
	if schedule == nil || schedule.ID == "" {
		return fmt.Errorf("schedule id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *schedule
	m.schedules[schedule.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	clone := *sched
	return &clone, nil
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, schedule *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[schedule.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	clone := *schedule
	m.schedules[schedule.ID] = &clone
	return nil
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return m.listSchedules(false)
}

func (m *MemoryStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	return m.listSchedules(true)
}

func (m *MemoryStore) listSchedules(activeOnly bool) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, sched := range m.schedules {
		if activeOnly && sched.Status != ScheduleActive {
			continue
		}
		clone := *sched
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Audit ---

func (m *MemoryStore) AppendAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return fmt.Errorf("audit entry requires an execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.audits[entry.ExecutionID] = append(m.audits[entry.ExecutionID], &clone)
	return nil
}

func (m *MemoryStore) ListAuditEntries(ctx context.Context, executionID string, offset, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	entries := make([]*AuditEntry, 0, len(m.audits[executionID]))
	for _, entry := range m.audits[executionID] {
		clone := *entry
		entries = append(entries, &clone)
	}
	m.mu.RUnlock()

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

func (m *MemoryStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if lease, ok := m.locks[resource]; ok && !lease.expired(now) {
		return "", nil
	}
	lockID := uuid.New().String()
	m.locks[resource] = memoryLease{owner: lockID, expiresAt: now.Add(ttl)}
	return lockID, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, resource, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.locks[resource]; ok && lease.owner == lockID {
		delete(m.locks, resource)
	}
	return nil
}

// --- Idempotency ---

func (m *MemoryStore) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idem[idemKey(taskID, key)], nil
}

func (m *MemoryStore) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(taskID, key)
	if _, ok := m.idem[k]; ok {
		return false, nil
	}
	m.idem[k] = executionID
	return true, nil
}

func idemKey(taskID, key string) string {
	return strings.Join([]string{taskID, key}, ":")
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)

// MemoryEventBus is an in-process implementation of EventBus for tests and
// single-process deployments.
type MemoryEventBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan *Event
	next int
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[string]map[int]chan *Event)}
}

// Publish delivers the event to current subscribers of the channel.
// Subscribers that have fallen behind are skipped rather than blocked on.
func (b *MemoryEventBus) Publish(ctx context.Context, channel string, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a buffered subscription. The cleanup function must be
// called exactly once.
func (b *MemoryEventBus) Subscribe(ctx context.Context, channel string) (<-chan *Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan *Event, 16)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan *Event)
	}
	b.subs[channel][id] = ch

	cleanup := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[channel][id]; ok {
			delete(b.subs[channel], id)
			close(sub)
		}
	}
	return ch, cleanup, nil
}

// Compile-time interface compliance check
var _ EventBus = (*MemoryEventBus)(nil)
