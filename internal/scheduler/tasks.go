package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
)

// runHeartbeat verifies the current-month partition exists, creating it
// immediately if it does not — the emergency path for a partition that
// should have been seeded by an earlier daily_maint run.
func (s *Scheduler) runHeartbeat(ctx context.Context) error {
	now := s.now()
	name := partitionNameFor(now)
	exists, err := s.catalog.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	s.logger.Warn("current-month partition missing, creating emergency partition",
		logging.Component("scheduler"), logging.Partition(name))
	return s.catalog.Create(ctx, now.Year(), int(now.Month()))
}

func (s *Scheduler) runHealthSample(ctx context.Context) error {
	return s.health.Sample(ctx)
}

func (s *Scheduler) runSizeGuard(ctx context.Context) error {
	return s.health.ResampleAboveWarn(ctx)
}

// runDailyMaint ensures the current partition plus the configured number of
// future partitions exist, then optimizes the partitions still taking
// writes (ACTIVE tier).
func (s *Scheduler) runDailyMaint(ctx context.Context) error {
	now := s.now()
	future := s.cfg.Partition.FutureMonths

	year, month := now.Year(), int(now.Month())
	for i := 0; i <= future; i++ {
		if err := s.catalog.Create(ctx, year, month); err != nil {
			return fmt.Errorf("ensuring future partition %d/%d: %w", year, month, err)
		}
		year, month = nextMonthOf(year, month)
	}

	snapshot, err := s.catalog.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range snapshot {
		tier, err := s.catalog.TierOf(p.Name, tierThresholds(), now)
		if err != nil {
			continue
		}
		if tier == model.TierActive {
			if err := s.catalog.Optimize(ctx, p.Name); err != nil {
				s.logger.Warn("optimize failed during daily maintenance", logging.Component("scheduler"), logging.Partition(p.Name))
			}
		}
	}
	return nil
}

// runTierAnalysis classifies every partition and compresses any WARM
// partition that is not yet compressed.
func (s *Scheduler) runTierAnalysis(ctx context.Context) error {
	now := s.now()
	snapshot, err := s.catalog.List(ctx)
	if err != nil {
		return err
	}

	for _, p := range snapshot {
		tier, err := s.catalog.TierOf(p.Name, tierThresholds(), now)
		if err != nil {
			continue
		}
		if tier != model.TierWarm {
			continue
		}
		compressed, err := s.catalog.IsCompressed(ctx, p.Name)
		if err != nil {
			s.logger.Warn("compression check failed", logging.Component("scheduler"), logging.Partition(p.Name))
			continue
		}
		if compressed {
			continue
		}
		if err := s.catalog.Compress(ctx, p.Name); err != nil {
			return fmt.Errorf("compressing %s: %w", p.Name, err)
		}
	}
	return nil
}

func (s *Scheduler) runMetricsReport(ctx context.Context) error {
	return s.health.ReportSummary(ctx)
}

// runArchive exports every ARCHIVE-tier partition, verifies the export,
// then drops the source. While a tier-analysis (compression) run is in
// flight, the whole archive run is deferred to its next tick.
func (s *Scheduler) runArchive(ctx context.Context) error {
	if s.guards[taskTierAnalysis].running.Load() {
		s.logger.Info("deferring archive, tier analysis still running", logging.Component("scheduler"))
		return nil
	}
	return s.archive.ArchiveEligible(ctx, s.now())
}

func (s *Scheduler) runStorageOpt(ctx context.Context) error {
	snapshot, err := s.catalog.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range snapshot {
		compressed, err := s.catalog.IsCompressed(ctx, p.Name)
		if err != nil || !compressed {
			continue
		}
		if err := s.catalog.Optimize(ctx, p.Name); err != nil {
			s.logger.Warn("reoptimize failed", logging.Component("scheduler"), logging.Partition(p.Name))
		}
	}
	return s.archive.Consolidate(ctx)
}

// runRetention drops partitions older than the configured retention
// window, when auto_cleanup is enabled. While a tier-analysis
// (compression) run is in flight, the whole retention run is deferred, so
// no partition is dropped mid-compression.
func (s *Scheduler) runRetention(ctx context.Context) error {
	if !s.cfg.Partition.AutoCleanup {
		return nil
	}
	if s.guards[taskTierAnalysis].running.Load() {
		s.logger.Info("deferring retention, tier analysis still running", logging.Component("scheduler"))
		return nil
	}

	now := s.now()
	snapshot, err := s.catalog.List(ctx)
	if err != nil {
		return err
	}

	retention := s.cfg.Partition.RetentionMonths
	for _, p := range snapshot {
		age := monthsSince(p.Year, p.Month, now)
		if age <= retention {
			continue
		}
		if err := s.catalog.Drop(ctx, p.Name); err != nil {
			return fmt.Errorf("retention drop of %s: %w", p.Name, err)
		}
	}
	return nil
}

func partitionNameFor(t time.Time) string {
	return fmt.Sprintf("p_%04d%02d", t.Year(), int(t.Month()))
}

func nextMonthOf(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}

func monthsSince(year, month int, now time.Time) int {
	months := (now.Year()-year)*12 + (int(now.Month()) - month)
	if months < 0 {
		return 0
	}
	return months
}
