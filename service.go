package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Service is the engine facade. It wires the managers together and exposes
// the public API: starting and awaiting executions, signalling, scheduling,
// cancellation, recovery, operator actions and the worker lifecycle.
type Service struct {
	config   Config
	store    Store
	queue    Queue
	bus      EventBus
	logger   Logger
	workerID string

	registry  *TaskRegistry
	audit     *auditLogger
	executor  *executionManager
	signals   *signalHandler
	waiter    *waitManager
	schedules *scheduleManager
	poller    *pollingManager

	running       atomic.Bool
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewService validates the configuration and wires the engine.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		return nil, NewEngineError("service.New", "validation",
			fmt.Errorf("%w: config cannot be nil", ErrInvalidConfiguration))
	}
	cfg := *config
	if cfg.Store == nil {
		return nil, NewEngineError("service.New", "validation",
			fmt.Errorf("%w: store is required", ErrInvalidConfiguration))
	}
	if cfg.Namespace != "" && strings.TrimSpace(cfg.Namespace) == "" {
		return nil, NewEngineError("service.New", "validation",
			fmt.Errorf("%w: namespace cannot be blank", ErrInvalidConfiguration))
	}
	cfg.applyDefaults()
	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NoOpLogger{}
	}

	s := &Service{
		config:   cfg,
		store:    cfg.Store,
		queue:    cfg.Queue,
		bus:      cfg.EventBus,
		logger:   componentLogger(logger, "engine/service"),
		workerID: cfg.WorkerID,
		registry: NewTaskRegistry(logger),
	}

	s.audit = newAuditLogger(cfg.Store, cfg.EventBus, cfg.Namespace, logger)
	s.executor = newExecutionManager(cfg.Store, cfg.Queue, cfg.EventBus, s.registry, s.audit,
		cfg.Namespace, cfg.WorkerID, logger, cfg.LockTTL, cfg.RetryBaseDelay, cfg.KickoffFailsafeDelay)
	s.signals = newSignalHandler(cfg.Store, s.executor, s.audit, logger, cfg.LockTTL)
	s.waiter = newWaitManager(cfg.Store, cfg.EventBus, cfg.Namespace, logger, cfg.WaitPollInterval)
	s.schedules = newScheduleManager(cfg.Store, s.registry, s.audit, logger, s.startForSchedule, cfg.LockTTL)
	s.poller = newPollingManager(cfg.Store, s.executor, s.schedules, s.audit, logger,
		cfg.WorkerID, cfg.PollInterval, cfg.ClaimTTL)

	return s, nil
}

// Register adds a workflow task to this worker's registry.
func (s *Service) Register(task *Task) error {
	return s.registry.Register(task)
}

// Registry exposes the task registry, mainly for introspection.
func (s *Service) Registry() *TaskRegistry {
	return s.registry
}

// Start launches the polling loop and, when a queue is configured, the
// queue consumer. Repeated calls are no-ops.
func (s *Service) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	s.poller.start(ctx)

	if s.queue != nil {
		consumeCtx, cancel := context.WithCancel(ctx)
		s.consumeCancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.queue.Consume(consumeCtx, s.handleMessage); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Queue consumer stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	s.logger.Info("Durable service started", map[string]interface{}{
		"worker_id": s.workerID,
		"namespace": s.config.Namespace,
		"queue":     s.queue != nil,
		"event_bus": s.bus != nil,
	})
	return nil
}

// Stop halts the polling loop and queue consumer, waiting for the in-flight
// poll cycle to complete. Outstanding timer handlers finish best-effort.
func (s *Service) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.poller.stop()
	if s.consumeCancel != nil {
		s.consumeCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Durable service stopped", map[string]interface{}{
		"worker_id": s.workerID,
	})
	return nil
}

// handleMessage dispatches one queue delivery to the execution manager.
func (s *Service) handleMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MessageExecute, MessageResume:
		return s.executor.runExecution(ctx, msg.Payload.ExecutionID)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// StartExecution creates a new execution of a task and kicks it off:
// through the queue when one is configured, inline on this goroutine
// otherwise. It returns the execution id.
func (s *Service) StartExecution(ctx context.Context, taskID string, input interface{}, opts *ExecuteOptions) (string, error) {
	task, err := s.registry.Get(taskID)
	if err != nil {
		return "", err
	}
	o := ExecuteOptions{}
	if opts != nil {
		o = *opts
	}

	if o.IdempotencyKey != "" {
		existing, err := s.store.GetExecutionIDByIdempotencyKey(ctx, taskID, o.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, nil
		}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", NewEngineError("service.Start", "serialization", err)
	}

	exec := s.newExecution(task, raw, o)
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		return "", err
	}

	if o.IdempotencyKey != "" {
		set, err := s.store.SetExecutionIDByIdempotencyKey(ctx, taskID, o.IdempotencyKey, exec.ID)
		if err != nil {
			return "", err
		}
		if !set {
			// Lost the race: another starter owns the key. Retire our row
			// and hand back the winner.
			now := time.Now().UTC()
			exec.Status = StatusCancelled
			exec.Error = &ErrorInfo{Message: "superseded by idempotent execution"}
			exec.UpdatedAt = now
			exec.CompletedAt = &now
			exec.CancelledAt = &now
			if err := s.store.UpdateExecution(ctx, exec); err != nil {
				s.logger.WarnWithContext(ctx, "Failed to retire superseded execution", map[string]interface{}{
					"execution_id": exec.ID,
					"error":        err.Error(),
				})
			}
			return s.store.GetExecutionIDByIdempotencyKey(ctx, taskID, o.IdempotencyKey)
		}
	}

	if err := s.executor.kickoff(ctx, exec.ID); err != nil {
		return "", err
	}
	return exec.ID, nil
}

func (s *Service) newExecution(task *Task, input json.RawMessage, o ExecuteOptions) *Execution {
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = s.config.DefaultMaxAttempts
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = task.Timeout
	}

	now := time.Now().UTC()
	return &Execution{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Input:       input,
		Status:      StatusPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		TimeoutMs:   timeout.Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// startForSchedule is the narrow executionStarter handed to the schedule
// manager.
func (s *Service) startForSchedule(ctx context.Context, taskID string, input json.RawMessage) (string, error) {
	var decoded interface{}
	if len(input) > 0 {
		decoded = json.RawMessage(input)
	}
	return s.StartExecution(ctx, taskID, decoded, nil)
}

// StartAndWait starts an execution and blocks for its result.
func (s *Service) StartAndWait(ctx context.Context, taskID string, input interface{}, opts *ExecuteOptions) (json.RawMessage, error) {
	id, err := s.StartExecution(ctx, taskID, input, opts)
	if err != nil {
		return nil, err
	}
	waitOpts := &WaitOptions{}
	if opts != nil {
		waitOpts.Timeout = opts.Timeout
		waitOpts.PollInterval = opts.WaitPollInterval
	}
	return s.Wait(ctx, id, waitOpts)
}

// Wait blocks until the execution reaches a terminal state. Completed
// executions resolve to their result; failed and cancelled executions
// reject with *ExecutionError.
func (s *Service) Wait(ctx context.Context, executionID string, opts *WaitOptions) (json.RawMessage, error) {
	return s.waiter.wait(ctx, executionID, opts)
}

// Signal delivers an external signal to an execution's waiting slot,
// buffering it when nobody is waiting yet.
func (s *Service) Signal(ctx context.Context, executionID, signal string, payload interface{}) error {
	return s.signals.deliver(ctx, executionID, signal, payload)
}

// CancelExecution requests cooperative cancellation. Running steps are not
// interrupted; the execution terminates at the next step boundary, running
// compensations of completed steps best-effort.
func (s *Service) CancelExecution(ctx context.Context, executionID, reason string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if exec.CancelRequestedAt == nil {
		now := time.Now().UTC()
		exec.CancelRequestedAt = &now
		exec.UpdatedAt = now
		if err := s.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		s.audit.append(ctx, &AuditEntry{
			ExecutionID: executionID,
			Attempt:     exec.Attempt,
			Kind:        AuditNote,
			Message:     "cancellation requested",
			Meta:        map[string]interface{}{"reason": reason},
		})
	}
	// Wake the execution so a parked attempt observes the request.
	return s.executor.resume(ctx, executionID)
}

// Schedule creates a one-off (Delay/At) or recurring (Cron/Interval)
// schedule for a task and returns its id.
func (s *Service) Schedule(ctx context.Context, taskID string, input interface{}, opts ScheduleOptions) (string, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.schedules.schedule(ctx, taskID, raw, opts)
}

// EnsureSchedule idempotently creates or updates a named recurring
// schedule. Rebinding the id to a different task fails.
func (s *Service) EnsureSchedule(ctx context.Context, taskID string, input interface{}, opts ScheduleOptions) (string, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.schedules.ensureSchedule(ctx, taskID, raw, opts)
}

// PauseSchedule stops future runs. The schedule definition is kept.
func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	return s.schedules.pause(ctx, id)
}

// ResumeSchedule re-activates a paused schedule and arms its next run.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	return s.schedules.resume(ctx, id)
}

// GetSchedule returns a schedule by id.
func (s *Service) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns all schedules.
func (s *Service) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// UpdateSchedule patches a schedule's recurrence and/or input and re-arms
// its timer.
func (s *Service) UpdateSchedule(ctx context.Context, id string, opts ScheduleOptions, input interface{}) error {
	var raw json.RawMessage
	if input != nil {
		var err error
		raw, err = marshalInput(input)
		if err != nil {
			return err
		}
	}
	return s.schedules.update(ctx, id, opts, raw)
}

// RemoveSchedule deletes a schedule and its pending timer.
func (s *Service) RemoveSchedule(ctx context.Context, id string) error {
	return s.schedules.remove(ctx, id)
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions returns executions matching the filter.
func (s *Service) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// ListStuckExecutions returns executions parked in compensation_failed.
func (s *Service) ListStuckExecutions(ctx context.Context) ([]*Execution, error) {
	return s.store.ListStuckExecutions(ctx)
}

// ListAuditEntries returns an execution's audit trail in order.
func (s *Service) ListAuditEntries(ctx context.Context, executionID string, offset, limit int) ([]*AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, executionID, offset, limit)
}

// Recover re-kicks all non-terminal executions, typically after a crash or
// deploy. It is idempotent: executions that are already being worked on are
// protected by their advisory locks, and replays of parked attempts
// re-suspend without side effects.
func (s *Service) Recover(ctx context.Context) error {
	incomplete, err := s.store.ListIncompleteExecutions(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, exec := range incomplete {
		if exec.Status == StatusCompensationFailed {
			// Stuck: waits for an operator, not for a worker.
			continue
		}
		if err := s.executor.resume(ctx, exec.ID); err != nil {
			s.logger.WarnWithContext(ctx, "Failed to recover execution", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
			continue
		}
		recovered++
	}

	s.logger.Info("Recovery pass complete", map[string]interface{}{
		"incomplete": len(incomplete),
		"recovered":  recovered,
	})
	return nil
}

// --- Operator actions ---

// RetryRollback resets a compensation_failed execution to pending and
// kicks it off again so the handler re-runs and may retry its rollback.
func (s *Service) RetryRollback(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusCompensationFailed {
		return NewEngineError("service.RetryRollback", "validation",
			fmt.Errorf("%w: execution %s is %s, not compensation_failed", ErrInvalidConfiguration, executionID, exec.Status))
	}

	exec.Status = StatusPending
	exec.Error = nil
	exec.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	s.audit.append(ctx, &AuditEntry{
		ExecutionID: executionID,
		Attempt:     exec.Attempt,
		Kind:        AuditNote,
		Message:     "rollback retried by operator",
	})
	return s.executor.kickoff(ctx, executionID)
}

// ForceFail terminally fails a non-terminal execution.
func (s *Service) ForceFail(ctx context.Context, executionID, message string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if message == "" {
		message = "failed by operator"
	}
	return s.executor.failTerminal(ctx, exec, &ErrorInfo{Message: message})
}

// SkipStep writes a null result for a step so the next attempt replays
// past it without running the step function.
func (s *Service) SkipStep(ctx context.Context, executionID, stepID string) error {
	return s.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      json.RawMessage("null"),
		CompletedAt: time.Now().UTC(),
	})
}

// EditStepResult overwrites a step's memoized result.
func (s *Service) EditStepResult(ctx context.Context, executionID, stepID string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return NewEngineError("service.EditStepResult", "serialization", err)
	}
	return s.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      raw,
		CompletedAt: time.Now().UTC(),
	})
}

// FireTimer claims and fires one ready timer by id, bypassing the poll
// interval. Useful for tests and operational nudging.
func (s *Service) FireTimer(ctx context.Context, timerID string) error {
	timers, err := s.store.GetReadyTimers(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, timer := range timers {
		if timer.ID != timerID {
			continue
		}
		claimed, err := s.store.ClaimTimer(ctx, timer.ID, s.workerID, s.config.ClaimTTL)
		if err != nil {
			return err
		}
		if !claimed {
			return NewEngineError("service.FireTimer", "lock",
				fmt.Errorf("%w: timer %s", ErrLockContention, timerID))
		}
		return s.poller.handleTimer(ctx, timer)
	}
	return fmt.Errorf("%w: %s", ErrTimerNotFound, timerID)
}

// DescribeTaskFlow records the durable operation shape of a registered
// task without executing any user work.
func (s *Service) DescribeTaskFlow(taskID string) ([]FlowOp, error) {
	task, err := s.registry.Get(taskID)
	if err != nil {
		return nil, err
	}
	return DescribeFlow(task), nil
}

func marshalInput(input interface{}) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, NewEngineError("service.Input", "serialization", err)
	}
	return raw, nil
}
