// Package health is the Health & Size Monitor: periodic sampling of
// partition size and row count, overall database footprint, sentinel
// query latency, and connection liveness, classified against the active
// ThresholdProfile and routed through a cooldown-gated, state-transition
// alert engine with Prometheus metrics and email/webhook delivery.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/telemetry/internal/config"
	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/partition"
)

// DB is the narrow slice of *pgxpool.Pool the monitor needs beyond the
// catalog: a sentinel query and a liveness ping.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// defaultMaxRows bounds row count independent of MiB size: a partition
// this large has outgrown monthly granularity regardless of how compact
// its rows are.
const defaultMaxRows = 50_000_000

// livenessWindow is generous relative to the scheduler's 30-minute
// health_sample cadence so a single missed tick never trips it.
const livenessWindow = 3 * time.Hour

// PartitionSample is one partition's last classified observation,
// exposed for an operational-status endpoint.
type PartitionSample struct {
	Name   string
	SizeMB float64
	Rows   int64
	Status model.HealthStatus
	Tier   model.PartitionTier
	At     time.Time
}

// Monitor is the Health & Size Monitor.
type Monitor struct {
	catalog *partition.Catalog
	db      DB
	cfg     *config.Config
	logger  *logging.Logger

	thresholds     model.ThresholdProfile
	tierThresholds model.TierThresholds

	cache    *sampleCache
	alerts   *alertEngine
	liveness *deadlockDetector

	now func() time.Time
}

// NewMonitor builds a Monitor wired to catalog and db. channels is the
// alert fan-out beyond the always-on log channel; pass none to log only.
func NewMonitor(catalog *partition.Catalog, db DB, cfg *config.Config, logger *logging.Logger, channels ...AlertChannel) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	thresholds := model.ThresholdProfile{
		WarnMB:      cfg.Partition.WarnMB,
		CriticalMB:  cfg.Partition.CriticalMB,
		EmergencyMB: cfg.Partition.EmergencyMB,
		MaxRows:     defaultMaxRows,
	}
	cooldown := time.Duration(cfg.Alerts.CooldownMS) * time.Millisecond
	allChannels := append([]AlertChannel{NewLogChannel(logger)}, channels...)

	m := &Monitor{
		catalog:        catalog,
		db:             db,
		cfg:            cfg,
		logger:         logger,
		thresholds:     thresholds,
		tierThresholds: model.DefaultTierThresholds(),
		cache:          newSampleCache(time.Now),
		alerts:         newAlertEngine(cooldown, logger, allChannels...),
		now:            time.Now,
	}
	m.liveness = newDeadlockDetector(livenessWindow, func() {
		m.logger.Error("health sampler stalled: no Sample() observed within the liveness window", nil,
			logging.Component("health"))
	})
	m.liveness.start()
	return m
}

// Close stops the liveness watchdog goroutine.
func (m *Monitor) Close() {
	m.liveness.close()
}

// Sample refreshes every partition's classification, measures database
// footprint, sentinel query latency, and connection liveness, and routes
// every observation through the alert engine and Prometheus. Satisfies
// scheduler.HealthSampler.
func (m *Monitor) Sample(ctx context.Context) error {
	m.liveness.heartbeat()

	snapshot, err := m.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing partitions for health sample: %w", err)
	}
	for _, p := range snapshot {
		m.sampleOne(ctx, p)
		m.cache.setExists(p.Name, true)
	}

	if err := m.sampleFootprint(ctx); err != nil {
		m.logger.Warn("database footprint sample failed", logging.Component("health"))
	}
	if err := m.sampleSentinelLatency(ctx); err != nil {
		m.logger.Warn("sentinel query latency sample failed", logging.Component("health"))
	}
	m.sampleConnection(ctx)

	return nil
}

// ResampleAboveWarn re-evaluates every partition currently at WARNING or
// worse, bypassing nothing extra beyond what Sample already does — the
// catalog listing itself is a cheap pg_catalog probe, not a table scan —
// but skips HEALTHY partitions so the hourly size-guard cadence stays
// light. Satisfies scheduler.HealthSampler.
func (m *Monitor) ResampleAboveWarn(ctx context.Context) error {
	snapshot, err := m.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing partitions for size guard: %w", err)
	}
	for _, p := range snapshot {
		status := m.thresholds.Classify(p.SizeMB, p.RowCount)
		if status == model.HealthHealthy {
			if cached, fresh := m.cache.size(p.Name); !fresh || m.thresholds.Classify(cached.sizeMB, cached.rows) == model.HealthHealthy {
				continue
			}
		}
		m.sampleOne(ctx, p)
	}
	return nil
}

// ReportSummary logs an aggregate fleet-wide line and refreshes the
// per-partition Prometheus gauges. Satisfies scheduler.HealthSampler.
func (m *Monitor) ReportSummary(ctx context.Context) error {
	snapshot, err := m.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing partitions for summary report: %w", err)
	}

	byStatus := map[model.HealthStatus]int{}
	var totalMB float64
	var totalRows int64

	for _, p := range snapshot {
		status := m.thresholds.Classify(p.SizeMB, p.RowCount)
		byStatus[status]++
		totalMB += p.SizeMB
		totalRows += p.RowCount
		recordPartitionGauges(p.Name, p.SizeMB, p.RowCount)
		recordPartitionStatus(p.Name, status)
	}

	m.logger.Info("partition fleet summary",
		logging.Component("health"),
		logging.Int("partitions", len(snapshot)),
		logging.Float64("total_size_mb", totalMB),
		logging.Int64("total_rows", totalRows),
		logging.Int("warning_count", byStatus[model.HealthWarning]),
		logging.Int("critical_count", byStatus[model.HealthCritical]),
	)
	return nil
}

// PartitionReady reports whether name exists, preferring the 5-minute
// existence cache over a schema probe. refresh forces a live Exists
// check, used by the ingestion path right before it would otherwise fail
// a write against a partition that may have just been created.
func (m *Monitor) PartitionReady(ctx context.Context, name string, refresh bool) (bool, error) {
	if !refresh {
		if exists, fresh := m.cache.exists(name); fresh {
			return exists, nil
		}
	}
	exists, err := m.catalog.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	m.cache.setExists(name, exists)
	return exists, nil
}

// Snapshot returns every cached partition sample, classified, as of the
// last Sample or ResampleAboveWarn call that touched it.
func (m *Monitor) Snapshot() []PartitionSample {
	raw := m.cache.snapshot()
	out := make([]PartitionSample, 0, len(raw))
	for name, s := range raw {
		tier, err := m.catalog.TierOf(name, m.tierThresholds, m.now())
		if err != nil {
			continue
		}
		out = append(out, PartitionSample{
			Name:   name,
			SizeMB: s.sizeMB,
			Rows:   s.rows,
			Status: m.thresholds.Classify(s.sizeMB, s.rows),
			Tier:   tier,
			At:     s.at,
		})
	}
	return out
}

// OpenAlertCount reports the number of partitions currently classified
// above HEALTHY, i.e. with an open, unresolved alert per the cooldown-
// gated alert engine. Satisfies fanout.AlertSource for the §4.7 "request
// stats" reply.
func (m *Monitor) OpenAlertCount() (int, error) {
	n := 0
	for _, s := range m.Snapshot() {
		if s.Status != model.HealthHealthy {
			n++
		}
	}
	return n, nil
}

func (m *Monitor) sampleOne(ctx context.Context, p model.PartitionInfo) {
	m.cache.setSize(p.Name, sizeSample{sizeMB: p.SizeMB, rows: p.RowCount, at: m.now()})
	status := m.thresholds.Classify(p.SizeMB, p.RowCount)
	recordPartitionGauges(p.Name, p.SizeMB, p.RowCount)
	recordPartitionStatus(p.Name, status)
	m.alerts.evaluate(ctx, p.Name, status, p.SizeMB, p.RowCount)
}

func (m *Monitor) sampleFootprint(ctx context.Context) error {
	var bytes int64
	if err := m.db.QueryRow(ctx, "SELECT pg_database_size(current_database())").Scan(&bytes); err != nil {
		return err
	}
	recordFootprint(float64(bytes) / (1024 * 1024))
	return nil
}

// sentinelQuerySQL is a representative, index-friendly query used purely
// to measure round-trip latency, not to serve a caller.
func sentinelQuerySQL() string {
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE device_ts >= now() - interval '24 hours'", partition.TableName)
}

func (m *Monitor) sampleSentinelLatency(ctx context.Context) error {
	start := m.now()
	var count int64
	if err := m.db.QueryRow(ctx, sentinelQuerySQL()).Scan(&count); err != nil {
		return err
	}
	recordSentinelLatency(float64(m.now().Sub(start).Milliseconds()))
	return nil
}

func (m *Monitor) sampleConnection(ctx context.Context) {
	err := m.db.Ping(ctx)
	recordConnectionUp(err == nil)
	if err != nil {
		m.logger.Error("database connection liveness check failed", err, logging.Component("health"))
	}
}
