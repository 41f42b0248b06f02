// Package scheduler is the Lifecycle Scheduler: the time-driven, not
// event-driven, cadence that keeps the Partition Catalog ahead of incoming
// writes and behind retention policy. Each task class runs behind its own
// guard so an overlapping tick is skipped rather than queued, the same
// single-goroutine periodic-persistence pattern used elsewhere in this
// codebase.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/telemetry/internal/config"
	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/partition"
)

// HealthSampler is the C4 surface the scheduler drives on its 30-minute and
// hourly cadences.
type HealthSampler interface {
	Sample(ctx context.Context) error
	ResampleAboveWarn(ctx context.Context) error
	ReportSummary(ctx context.Context) error
}

// Archiver is the C3-adjacent package that exports ARCHIVE-tier partitions
// and verifies them before the scheduler drops the source.
type Archiver interface {
	ArchiveEligible(ctx context.Context, asOf time.Time) error
	Consolidate(ctx context.Context) error
}

// Scheduler drives every cadence in the lifecycle table against a Catalog,
// a HealthSampler, and an Archiver.
type Scheduler struct {
	catalog *partition.Catalog
	health  HealthSampler
	archive Archiver
	cfg     *config.Config
	logger  *logging.Logger

	now func() time.Time

	guards map[string]*taskGuard

	mu     sync.RWMutex
	status map[string]TaskStatus

	stop chan struct{}
	wg   sync.WaitGroup
}

// TaskStatus is the per-task-class operational surface returned by Status().
type TaskStatus struct {
	LastRun     time.Time
	LastOutcome string // "ok", "skipped-overlap", "error"
	LastErr     string
}

const (
	taskHeartbeat     = "heartbeat"
	taskHealthSample  = "health_sample"
	taskSizeGuard     = "size_guard"
	taskDailyMaint    = "daily_maint"
	taskTierAnalysis  = "tier_analysis"
	taskMetricsReport = "metrics_report"
	taskArchive       = "archive"
	taskStorageOpt    = "storage_opt"
	taskRetention     = "retention"
)

var allTasks = []string{
	taskHeartbeat, taskHealthSample, taskSizeGuard, taskDailyMaint,
	taskTierAnalysis, taskMetricsReport, taskArchive, taskStorageOpt, taskRetention,
}

// New builds a Scheduler. now defaults to time.Now and is overridable for
// deterministic tests of the cadence-computation helpers.
func New(catalog *partition.Catalog, health HealthSampler, archive Archiver, cfg *config.Config, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		catalog: catalog,
		health:  health,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		guards:  make(map[string]*taskGuard),
		status:  make(map[string]TaskStatus),
		stop:    make(chan struct{}),
	}
	for _, t := range allTasks {
		s.guards[t] = &taskGuard{}
	}
	return s
}

// Status reports the last run time and outcome for every task class.
func (s *Scheduler) Status() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TaskStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

func (s *Scheduler) record(task string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := TaskStatus{LastRun: s.now()}
	if err != nil {
		st.LastOutcome = "error"
		st.LastErr = err.Error()
	} else {
		st.LastOutcome = "ok"
	}
	s.status[task] = st
}

func (s *Scheduler) recordSkip(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[task]
	st.LastOutcome = "skipped-overlap"
	s.status[task] = st
}

// run executes fn under task's guard; an overlapping invocation is skipped.
func (s *Scheduler) run(ctx context.Context, task string, fn func(context.Context) error) {
	g := s.guards[task]
	if !g.running.CompareAndSwap(false, true) {
		s.recordSkip(task)
		return
	}
	defer g.running.Store(false)

	err := fn(ctx)
	s.record(task, err)
	if err != nil {
		s.logger.Error("scheduled task failed", err, logging.Component("scheduler"), logging.String("task", task))
	}
}

type taskGuard struct {
	running atomic.Bool
}

// Start launches one goroutine per cadence. Stop cancels all of them.
func (s *Scheduler) Start(ctx context.Context) {
	s.startEvery(ctx, taskHeartbeat, 5*time.Minute, s.runHeartbeat)
	s.startEvery(ctx, taskHealthSample, 30*time.Minute, s.runHealthSample)
	s.startEvery(ctx, taskSizeGuard, time.Hour, s.runSizeGuard)
	s.startDaily(ctx, taskDailyMaint, 2, 0, s.runDailyMaint)
	s.startDaily(ctx, taskTierAnalysis, 3, 0, s.runTierAnalysis)
	s.startDaily(ctx, taskMetricsReport, 6, 0, s.runMetricsReport)
	s.startWeekly(ctx, taskArchive, time.Sunday, 2, 0, s.runArchive)
	s.startMonthly(ctx, taskStorageOpt, 1, 4, 0, s.runStorageOpt)
	s.startMonthly(ctx, taskRetention, 2, 2, 0, s.runRetention)
}

// Stop signals every cadence goroutine to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) startEvery(ctx context.Context, task string, d time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, task, fn)
			}
		}
	}()
}

func (s *Scheduler) startDaily(ctx context.Context, task string, hour, min int, fn func(context.Context) error) {
	s.startAt(ctx, task, 24*time.Hour, func(t time.Time) time.Time {
		return nextClockTime(t, hour, min)
	}, fn)
}

func (s *Scheduler) startWeekly(ctx context.Context, task string, weekday time.Weekday, hour, min int, fn func(context.Context) error) {
	s.startAt(ctx, task, 7*24*time.Hour, func(t time.Time) time.Time {
		next := nextClockTime(t, hour, min)
		for next.Weekday() != weekday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}, fn)
}

func (s *Scheduler) startMonthly(ctx context.Context, task string, day, hour, min int, fn func(context.Context) error) {
	s.startAt(ctx, task, 0, func(t time.Time) time.Time {
		candidate := time.Date(t.Year(), t.Month(), day, hour, min, 0, 0, t.Location())
		if !candidate.After(t) {
			candidate = candidate.AddDate(0, 1, 0)
		}
		return candidate
	}, fn)
}

// startAt runs fn at each occurrence nextOccurrence computes, resolved
// against s.now() each iteration so missed wakeups (process paused, clock
// skew) self-correct rather than drift.
func (s *Scheduler) startAt(ctx context.Context, task string, _ time.Duration, nextOccurrence func(time.Time) time.Time, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := nextOccurrence(s.now())
			wait := time.Until(next)
			if wait < 0 {
				wait = time.Second
			}
			timer := time.NewTimer(wait)
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.run(ctx, task, fn)
			}
		}
	}()
}

func nextClockTime(t time.Time, hour, min int) time.Time {
	candidate := time.Date(t.Year(), t.Month(), t.Day(), hour, min, 0, 0, t.Location())
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func tierThresholds() model.TierThresholds {
	return model.DefaultTierThresholds()
}
