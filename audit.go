package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// auditLogger appends structured audit entries through the store and,
// when an event bus is configured, emits them on the execution's audit
// channel. Audit writes must never fail workflow progress: every error is
// logged and swallowed.
type auditLogger struct {
	store     Store
	bus       EventBus
	namespace string
	logger    Logger
}

func newAuditLogger(store Store, bus EventBus, namespace string, logger Logger) *auditLogger {
	return &auditLogger{
		store:     store,
		bus:       bus,
		namespace: namespace,
		logger:    componentLogger(logger, "engine/audit"),
	}
}

// append persists one entry, assigning a timestamp-prefixed id so ordering
// is preserved across nodes with roughly synchronized clocks.
func (a *auditLogger) append(ctx context.Context, entry *AuditEntry) {
	if entry == nil {
		return
	}
	now := time.Now().UTC()
	entry.ID = fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.New().String()[:8])
	entry.At = now

	if err := a.store.AppendAuditEntry(ctx, entry); err != nil {
		a.logger.WarnWithContext(ctx, "Failed to append audit entry", map[string]interface{}{
			"execution_id": entry.ExecutionID,
			"kind":         string(entry.Kind),
			"error":        err.Error(),
		})
		return
	}

	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	channel := busChannel(a.namespace, "audit:"+entry.ExecutionID)
	event := &Event{Type: "audit", Payload: payload, Timestamp: now}
	if err := a.bus.Publish(ctx, channel, event); err != nil {
		a.logger.DebugWithContext(ctx, "Failed to emit audit event", map[string]interface{}{
			"execution_id": entry.ExecutionID,
			"error":        err.Error(),
		})
	}
}
