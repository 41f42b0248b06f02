package health

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
)

type recordingChannel struct {
	events []AlertEvent
}

func (r *recordingChannel) Notify(ctx context.Context, evt AlertEvent) error {
	r.events = append(r.events, evt)
	return nil
}

func TestAlertEngineSkipsFirstObservation(t *testing.T) {
	rec := &recordingChannel{}
	e := newAlertEngine(30*time.Minute, logging.Default(), rec)
	e.evaluate(context.Background(), "p_202507", model.HealthCritical, 9000, 1000)

	if len(rec.events) != 0 {
		t.Fatalf("expected no alert on first-ever observation, got %d", len(rec.events))
	}
}

func TestAlertEngineFiresOnDegradation(t *testing.T) {
	rec := &recordingChannel{}
	e := newAlertEngine(30*time.Minute, logging.Default(), rec)

	e.evaluate(context.Background(), "p_202507", model.HealthHealthy, 10, 10)
	e.evaluate(context.Background(), "p_202507", model.HealthWarning, 2100, 10)

	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one alert on HEALTHY->WARNING, got %d", len(rec.events))
	}
	if rec.events[0].Current != model.HealthWarning {
		t.Errorf("expected current status WARNING, got %v", rec.events[0].Current)
	}
}

func TestAlertEngineCooldownSuppressesRepeatedDegradation(t *testing.T) {
	rec := &recordingChannel{}
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	e := newAlertEngine(30*time.Minute, logging.Default(), rec)
	e.now = func() time.Time { return now }

	e.evaluate(context.Background(), "p_202507", model.HealthHealthy, 10, 10)
	e.evaluate(context.Background(), "p_202507", model.HealthWarning, 2100, 10)
	e.evaluate(context.Background(), "p_202507", model.HealthCritical, 9000, 10)

	if len(rec.events) != 1 {
		t.Fatalf("expected cooldown to suppress the second degradation, got %d events", len(rec.events))
	}
}

func TestAlertEngineRecoveryAlwaysFires(t *testing.T) {
	rec := &recordingChannel{}
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	e := newAlertEngine(30*time.Minute, logging.Default(), rec)
	e.now = func() time.Time { return now }

	e.evaluate(context.Background(), "p_202507", model.HealthHealthy, 10, 10)
	e.evaluate(context.Background(), "p_202507", model.HealthCritical, 9000, 10)
	e.evaluate(context.Background(), "p_202507", model.HealthHealthy, 10, 10)

	if len(rec.events) != 2 {
		t.Fatalf("expected degradation and recovery to both fire, got %d events", len(rec.events))
	}
	if rec.events[1].Current != model.HealthHealthy {
		t.Errorf("expected second event to be the recovery, got %v", rec.events[1].Current)
	}
}
