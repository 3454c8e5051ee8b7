package durable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler is a user workflow function. It receives the durable run context
// and returns the execution result, which is serialized to JSON. Handlers
// must perform durable operations (Step, Sleep, WaitForSignal, ...) in a
// deterministic order so replays line up with memoized state, and must
// propagate errors from the run context unchanged - ErrSuspended in
// particular is how an attempt parks itself.
type Handler func(ctx context.Context, run *TaskContext) (interface{}, error)

// Task binds a stable id to a workflow handler and its defaults.
type Task struct {
	// ID is the stable task identifier, e.g. "order.fulfill".
	ID string
	// Handler is the workflow function.
	Handler Handler
	// MaxAttempts is the default retry budget for executions of this task.
	// Zero falls back to the service default.
	MaxAttempts int
	// Timeout is the default total wall-clock budget across attempts.
	// Zero means no limit.
	Timeout time.Duration
}

// TaskRegistry maps task ids to their runnable handlers.
type TaskRegistry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger Logger
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger Logger) *TaskRegistry {
	return &TaskRegistry{
		tasks:  make(map[string]*Task),
		logger: componentLogger(logger, "engine/registry"),
	}
}

// Register adds a task. Registering the same id twice replaces the handler,
// which keeps hot-reload scenarios simple; concurrent executions pick up the
// new handler on their next attempt.
func (r *TaskRegistry) Register(task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Handler == nil {
		return fmt.Errorf("task %q has no handler", task.ID)
	}

	r.mu.Lock()
	_, replaced := r.tasks[task.ID]
	r.tasks[task.ID] = task
	r.mu.Unlock()

	r.logger.Info("Task registered", map[string]interface{}{
		"task_id":  task.ID,
		"replaced": replaced,
	})
	return nil
}

// Get returns the task for an id.
func (r *TaskRegistry) Get(id string) (*Task, error) {
	r.mu.RLock()
	task, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, NewEngineError("registry.Get", "validation", fmt.Errorf("%w: %s", ErrTaskNotFound, id))
	}
	return task, nil
}

// IDs returns the registered task ids, sorted.
func (r *TaskRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
