package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, &buf)

	logger.Info("ingest accepted", DeviceID("dev-1"), Partition("p_202507"))

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if entry.Message != "ingest accepted" {
		t.Errorf("Message = %q, want %q", entry.Message, "ingest accepted")
	}
	if entry.DeviceID != "dev-1" {
		t.Errorf("DeviceID = %q, want %q", entry.DeviceID, "dev-1")
	}
	if entry.Partition != "p_202507" {
		t.Errorf("Partition = %q, want %q", entry.Partition, "p_202507")
	}
	if entry.Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
}

func TestLoggerRespectsMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, &buf)

	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected INFO to be dropped below WARN level, got %q", buf.String())
	}

	logger.Warn("should be kept")
	if buf.Len() == 0 {
		t.Fatalf("expected WARN to be written")
	}
}

func TestFieldsFromContextCarriesIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, &buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithDeviceID(ctx, "dev-9")

	logger.WithContext(ctx).Info("handled")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry.RequestID != "req-1" || entry.DeviceID != "dev-9" {
		t.Errorf("expected context fields to propagate, got %+v", entry)
	}
}
