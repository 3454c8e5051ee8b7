package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestProductionLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&ProductionLoggerConfig{
		Service: "worker-1",
		Output:  &buf,
	})

	logger.Info("Execution completed", map[string]interface{}{
		"execution_id": "e1",
		"attempt":      2,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON object per line: %v (%q)", err, buf.String())
	}
	if entry["level"] != "info" || entry["message"] != "Execution completed" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["service"] != "worker-1" || entry["execution_id"] != "e1" {
		t.Errorf("expected service and fields in entry, got %v", entry)
	}
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&ProductionLoggerConfig{Level: "warn", Output: &buf})

	logger.Debug("hidden", nil)
	logger.Info("hidden too", nil)
	logger.Warn("visible", nil)
	logger.Error("also visible", nil)

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if buf.Len() == 0 || lines != 2 {
		t.Errorf("expected 2 entries at warn level, got %d: %q", lines, buf.String())
	}
}

func TestProductionLoggerComponentTagging(t *testing.T) {
	var buf bytes.Buffer
	base := NewProductionLogger(&ProductionLoggerConfig{Output: &buf})
	tagged := base.WithComponent("engine/poller")

	tagged.Info("tick", nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["component"] != "engine/poller" {
		t.Errorf("expected component tag, got %v", entry)
	}

	// The base logger stays untagged.
	buf.Reset()
	base.Info("tick", nil)
	entry = map[string]interface{}{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := entry["component"]; ok {
		t.Errorf("base logger must not carry a component, got %v", entry)
	}
}

func TestComponentLoggerFallsBackToNoOp(t *testing.T) {
	logger := componentLogger(nil, "engine/test")
	// Must not panic.
	logger.Info("discarded", map[string]interface{}{"k": "v"})
	logger.ErrorWithContext(context.Background(), "discarded", nil)
}
