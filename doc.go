// Package durable is a durable workflow engine. It runs registered task
// handlers so that every execution completes at least once across process
// crashes, worker restarts, retries, sleeps and external signals, while each
// completed step inside a workflow runs effectively at most once: step
// results are memoized through a pluggable Store and replayed on resume.
//
// The engine is transport-agnostic. Persistence (Store), work distribution
// (Queue) and completion notification (EventBus) are narrow interfaces with
// in-memory reference implementations for tests, a Redis-backed store and
// event bus, and a RabbitMQ-backed queue. When no queue is configured the
// engine runs executions inline on the caller's goroutine.
//
// Typical usage:
//
//	svc, _ := durable.NewService(&durable.Config{Store: durable.NewMemoryStore()})
//	svc.Register(&durable.Task{
//		ID: "order.fulfill",
//		Handler: func(ctx context.Context, run *durable.TaskContext) (interface{}, error) {
//			if _, err := run.Step(ctx, "reserve", reserveStock); err != nil {
//				return nil, err
//			}
//			if err := run.Sleep(ctx, 24*time.Hour); err != nil {
//				return nil, err
//			}
//			return run.Step(ctx, "charge", chargeCard)
//		},
//	})
//	id, _ := svc.StartExecution(ctx, "order.fulfill", input, nil)
//
// Handlers must be deterministic in the sequence of durable operations they
// perform: on every attempt the handler re-runs from the top and previously
// completed steps short-circuit from the store. Sleep and WaitForSignal
// suspend the attempt by returning ErrSuspended, which handlers propagate
// like any other error.
package durable
