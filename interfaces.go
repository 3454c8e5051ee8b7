package durable

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface.
type Logger interface {
	// Basic logging methods
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware methods for distributed tracing and request correlation
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component context support.
// When a logger is component-aware, each engine component tags its logs
// ("engine/executor", "engine/poller", "engine/signals", ...) so structured
// output can be filtered by component.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Store is the persistence contract. Implementations may be eventually
// consistent between keys but must provide per-key linearizability. All
// methods may fail with a storage error; not-found conditions are reported
// with the ErrXxxNotFound sentinels.
type Store interface {
	// --- Executions ---
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	// ListIncompleteExecutions returns executions in any non-terminal state,
	// including compensation_failed.
	ListIncompleteExecutions(ctx context.Context) ([]*Execution, error)
	// ListStuckExecutions returns executions in compensation_failed.
	ListStuckExecutions(ctx context.Context) ([]*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// --- Step results ---
	GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error)
	SaveStepResult(ctx context.Context, result *StepResult) error
	// ListStepResults returns results ordered by CompletedAt ascending,
	// ties broken by StepID.
	ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)

	// --- Timers ---
	// CreateTimer persists a timer. When a pending timer with the same id
	// already exists the call is a no-op, preserving the invariant of at
	// most one non-fired timer per id; a fired timer with the same id is
	// replaced.
	CreateTimer(ctx context.Context, timer *Timer) error
	// GetReadyTimers returns pending timers with FireAt <= now, ordered by
	// FireAt ascending, ties broken by id.
	GetReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error)
	MarkTimerFired(ctx context.Context, id string) error
	DeleteTimer(ctx context.Context, id string) error
	// ClaimTimer takes a short lease on a timer for firing. It returns true
	// iff this caller now holds the lease; when several pollers race, at
	// most one wins and the losers skip the timer.
	ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error)

	// --- Schedules ---
	CreateSchedule(ctx context.Context, schedule *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)

	// --- Audit ---
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	// ListAuditEntries returns entries for an execution ordered by At
	// ascending, ties broken by id. A limit of 0 means no limit.
	ListAuditEntries(ctx context.Context, executionID string, offset, limit int) ([]*AuditEntry, error)

	// --- Advisory locks ---
	// AcquireLock takes a leased advisory lock on a resource. It returns an
	// opaque lock id, or "" when another holder has the lock. The lease
	// expires after ttl; holders take short leases and re-acquire.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
	// ReleaseLock releases the lock iff lockID still holds it; releasing a
	// lock held by someone else is a no-op.
	ReleaseLock(ctx context.Context, resource, lockID string) error

	// --- Idempotency ---
	GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error)
	// SetExecutionIDByIdempotencyKey has SET-if-absent semantics: it
	// returns false when another execution id already owns the key.
	SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error)
}

// MessageHandler processes one queue delivery. A non-nil error nacks the
// message according to the queue's requeue policy.
type MessageHandler func(ctx context.Context, msg *Message) error

// Queue delivers execute/resume messages to workers at least once, to
// exactly one consumer per message. Optional: when nil the engine runs
// kickoff and resume inline on the caller's goroutine.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	// Consume blocks, invoking handler for each delivery, until ctx is
	// cancelled or the queue is closed.
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// EventBus is a best-effort publish/subscribe transport used to notify
// waiters of execution completion and to deliver ctx.Emit events. Waiters
// always keep a polling fallback.
type EventBus interface {
	Publish(ctx context.Context, channel string, event *Event) error
	// Subscribe returns a channel of events and a cleanup function that
	// must be called exactly once when done.
	Subscribe(ctx context.Context, channel string) (<-chan *Event, func(), error)
}
