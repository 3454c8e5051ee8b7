package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// NoOpLogger discards all log output. Components fall back to it when no
// logger is configured, so call sites never need a nil check twice.
type NoOpLogger struct{}

func (NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {}
func (NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {}

// ProductionLogger writes structured logs, one JSON object per line.
// It implements ComponentAwareLogger so engine components can tag their
// output ("engine/executor", "engine/poller", ...) for filtering.
type ProductionLogger struct {
	level     string
	component string
	service   string
	format    string // "json" or "text"
	output    io.Writer
	mu        *sync.Mutex
}

// ProductionLoggerConfig configures a ProductionLogger.
type ProductionLoggerConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	// Default: info.
	Level string
	// Service names the emitting process in every entry.
	Service string
	// Format is "json" (default) or "text" for local development.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// NewProductionLogger creates a structured logger with sensible defaults.
func NewProductionLogger(config *ProductionLoggerConfig) *ProductionLogger {
	cfg := ProductionLoggerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return &ProductionLogger{
		level:   strings.ToLower(cfg.Level),
		service: cfg.Service,
		format:  cfg.Format,
		output:  cfg.Output,
		mu:      &sync.Mutex{},
	}
}

// WithComponent returns a logger that tags every entry with the component.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.logEvent("debug", msg, fields)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("debug", msg, fields)
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[p.level] {
		return
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"message":   msg,
		}
		if p.service != "" {
			entry["service"] = p.service
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		p.mu.Lock()
		fmt.Fprintln(p.output, string(data))
		p.mu.Unlock()
		return
	}

	// Human-readable for local development
	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "%s [%s] %s%s\n", timestamp, strings.ToUpper(level), msg, fieldStr.String())
	p.mu.Unlock()
}

// componentLogger narrows a logger to a component if it supports it.
func componentLogger(logger Logger, component string) Logger {
	if logger == nil {
		return NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
