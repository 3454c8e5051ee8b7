package durable

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending            ExecutionStatus = "pending"
	StatusRunning            ExecutionStatus = "running"
	StatusRetrying           ExecutionStatus = "retrying"
	StatusSleeping           ExecutionStatus = "sleeping"
	StatusCompleted          ExecutionStatus = "completed"
	StatusFailed             ExecutionStatus = "failed"
	StatusCompensationFailed ExecutionStatus = "compensation_failed"
	StatusCancelled          ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state. Note that
// compensation_failed is NOT terminal: it is a stuck state waiting for an
// operator to retry the rollback or force-fail the execution.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorInfo is the persisted form of a failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Execution is one run of one registered task.
type Execution struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Input  json.RawMessage `json:"input,omitempty"`

	Status ExecutionStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`

	// Attempt starts at 1 and never exceeds MaxAttempts.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// TimeoutMs is a wall-clock budget across all attempts, measured from
	// CreatedAt. Zero means no limit.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
}

// StepResult is the memoized output of one named step inside an execution.
// Unique by (ExecutionID, StepID), write-once under normal flow.
type StepResult struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// SlotState tags the state of a sleep or signal step slot.
type SlotState string

const (
	SlotWaiting   SlotState = "waiting"
	SlotCompleted SlotState = "completed"
	SlotTimedOut  SlotState = "timed_out"
)

// Slot is the tagged record stored as the step result of sleeps and signal
// waits. A waiting slot may carry the id of the timer that will wake it and,
// for signal slots, the signal id it matches.
type Slot struct {
	State    SlotState       `json:"state"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SignalID string          `json:"signal_id,omitempty"`
	TimerID  string          `json:"timer_id,omitempty"`
	FireAt   *time.Time      `json:"fire_at,omitempty"`
}

// TimerType identifies what a timer wakes up.
type TimerType string

const (
	TimerSleep         TimerType = "sleep"
	TimerRetry         TimerType = "retry"
	TimerScheduled     TimerType = "scheduled"
	TimerSignalTimeout TimerType = "signal_timeout"
	TimerKickoff       TimerType = "kickoff"
)

// TimerStatus is the firing state of a timer.
type TimerStatus string

const (
	TimerPending TimerStatus = "pending"
	TimerFired   TimerStatus = "fired"
)

// Timer is a persisted future wake-up event. Timer ids are deterministic
// where memoization matters: "retry:<exec>:<attempt>", "sleep:<exec>:<step>",
// "signal_timeout:<exec>:<step>", "sched:<schedule>", "once:<id>",
// "kickoff:<exec>". At most one non-fired timer exists per id.
type Timer struct {
	ID     string      `json:"id"`
	Type   TimerType   `json:"type"`
	FireAt time.Time   `json:"fire_at"`
	Status TimerStatus `json:"status"`

	ExecutionID string          `json:"execution_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ScheduleType distinguishes cron schedules from fixed intervals.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// ScheduleStatus is the activation state of a schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Schedule is a recurring trigger definition. While active there is exactly
// one pending scheduled timer with id "sched:<ID>".
type Schedule struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Type   ScheduleType    `json:"type"`
	// Pattern is a 5-field cron expression for cron schedules, or the
	// interval in milliseconds as a decimal string for interval schedules.
	Pattern string          `json:"pattern"`
	Input   json.RawMessage `json:"input,omitempty"`
	Status  ScheduleStatus  `json:"status"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditKind classifies audit entries.
type AuditKind string

const (
	AuditNote               AuditKind = "note"
	AuditStepCompleted      AuditKind = "step_completed"
	AuditStepFailed         AuditKind = "step_failed"
	AuditSleepStarted       AuditKind = "sleep_started"
	AuditSleepCompleted     AuditKind = "sleep_completed"
	AuditSignalWaiting      AuditKind = "signal_waiting"
	AuditSignalDelivered    AuditKind = "signal_delivered"
	AuditSignalTimedOut     AuditKind = "signal_timed_out"
	AuditRetryScheduled     AuditKind = "retry_scheduled"
	AuditExecutionCompleted AuditKind = "execution_completed"
	AuditExecutionFailed    AuditKind = "execution_failed"
	AuditExecutionCancelled AuditKind = "execution_cancelled"
	AuditCompensationFailed AuditKind = "compensation_failed"
	AuditScheduleFired      AuditKind = "schedule_fired"
	AuditEventEmitted       AuditKind = "event_emitted"
)

// AuditEntry is a structured, append-only event. The id is timestamp-prefixed
// ("<epochMs>:<rand>") so ordering survives across nodes with roughly
// synchronized clocks.
type AuditEntry struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Attempt     int        `json:"attempt,omitempty"`
	At          time.Time  `json:"at"`
	Kind        AuditKind  `json:"kind"`
	Message     string     `json:"message,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	SignalID    string     `json:"signal_id,omitempty"`
	TimerID     string     `json:"timer_id,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`

	Meta map[string]interface{} `json:"meta,omitempty"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Statuses []ExecutionStatus
	TaskID   string
	Limit    int
	Offset   int
}

// ExecuteOptions customize StartExecution / StartAndWait.
type ExecuteOptions struct {
	// Timeout is the total wall-clock budget across all attempts.
	Timeout time.Duration
	// MaxAttempts overrides the task's retry budget when > 0.
	MaxAttempts int
	// IdempotencyKey makes StartExecution return the id of an existing
	// execution started earlier with the same task and key.
	IdempotencyKey string
	// WaitPollInterval overrides the polling cadence used by StartAndWait
	// when the event bus is unavailable.
	WaitPollInterval time.Duration
}

// WaitOptions customize Wait.
type WaitOptions struct {
	// Timeout bounds the wait. Zero means wait indefinitely.
	Timeout time.Duration
	// PollInterval is the polling cadence when no event bus is configured
	// or subscribing fails. Default 500ms.
	PollInterval time.Duration
}

// ScheduleOptions configure Schedule and EnsureSchedule. Exactly one of
// Delay/At (one-off) or Cron/Interval (recurring) must be set.
type ScheduleOptions struct {
	// ID names a recurring schedule. Generated when empty.
	ID string
	// Cron is a standard 5-field cron expression (minute, hour, day of
	// month, month, day of week) evaluated in UTC.
	Cron string
	// Interval schedules a run every fixed duration.
	Interval time.Duration
	// Delay schedules a single run after the given duration.
	Delay time.Duration
	// At schedules a single run at the given instant.
	At time.Time
}

func (o ScheduleOptions) oneOff() bool {
	return o.Delay > 0 || !o.At.IsZero()
}

// SignalOptions customize TaskContext.WaitForSignal.
type SignalOptions struct {
	// Timeout arms a signal_timeout timer; when it fires before delivery
	// the wait fails with ErrSignalTimeout. Zero means wait forever.
	Timeout time.Duration
	// StepID names the waiting slot explicitly. Needed when the same
	// signal is awaited at different points that must stay distinct
	// across replays.
	StepID string
}

// Event is the payload published on the event bus.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageType is the kind of queue message.
type MessageType string

const (
	MessageExecute MessageType = "execute"
	MessageResume  MessageType = "resume"
)

// MessagePayload addresses the execution a queue message is about.
type MessagePayload struct {
	ExecutionID string `json:"executionId"`
}

// Message is the wire format for queue deliveries.
type Message struct {
	ID          string         `json:"id"`
	Type        MessageType    `json:"type"`
	Payload     MessagePayload `json:"payload"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
}

const (
	signalSlotPrefix = "__signal:"
	sleepSlotPrefix  = "sleep:"
	emitSlotPrefix   = "emit:"
	switchSlotPrefix = "switch:"

	// maxSignalSlots caps the overflow scan when buffering signals.
	maxSignalSlots = 10000
)
