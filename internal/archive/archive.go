// Package archive implements the scheduler.Archiver contract: exporting
// ARCHIVE-tier partitions to a durable dump file before dropping them
// from the live database, and periodically consolidating those dumps.
// It shells out to pg_dump via os/exec.CommandContext and only considers
// an export complete once its output file is verified on disk, scoped to
// a single partition table per call, verifying before drop rather than
// before upload.
package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// DBConn describes the connection parameters pg_dump needs on its command
// line, mirroring backup.BackupConfig's DB* fields.
type DBConn struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// Catalog is the subset of *partition.Catalog the archiver drives.
type Catalog interface {
	List(ctx context.Context) ([]model.PartitionInfo, error)
	TierOf(name string, t model.TierThresholds, asOf time.Time) (model.PartitionTier, error)
	Drop(ctx context.Context, name string) error
}

// Archiver exports and drops ARCHIVE-tier partitions, and consolidates
// previously exported dump files. It satisfies scheduler.Archiver.
type Archiver struct {
	catalog    Catalog
	conn       DBConn
	dir        string
	thresholds model.TierThresholds
	logger     *logging.Logger

	pgDump func(ctx context.Context, name string, outFile string, conn DBConn) error
}

// New builds an Archiver writing dumps under dir (created if absent),
// using conn to invoke pg_dump, and classifying tiers with thresholds.
func New(catalog Catalog, conn DBConn, dir string, thresholds model.TierThresholds, logger *logging.Logger) *Archiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Archiver{catalog: catalog, conn: conn, dir: dir, thresholds: thresholds, logger: logger, pgDump: runPgDump}
}

// dumpTimestampLayout is the "20060102_150405" backup ID format, applied
// per-partition instead of per whole-database run.
const dumpTimestampLayout = "20060102_150405"

// ArchiveEligible exports and drops every partition that has aged into
// the ARCHIVE tier as of asOf. A
// partition is only dropped after its dump file is confirmed present
// and non-empty; a failed export or verification leaves the partition
// untouched so the next scheduler tick retries it.
func (a *Archiver) ArchiveEligible(ctx context.Context, asOf time.Time) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating archive directory %s: %v", telemetryerr.ErrStorageUnavailable, a.dir, err)
	}

	partitions, err := a.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing partitions for archival: %w", err)
	}

	var failures []string
	for _, p := range partitions {
		tier, err := a.catalog.TierOf(p.Name, a.thresholds, asOf)
		if err != nil {
			a.logger.Warn("skipping partition with unparseable name", logging.Partition(p.Name), logging.Component("archive"))
			continue
		}
		if tier != model.TierArchive {
			continue
		}

		if err := a.archiveOne(ctx, p.Name, asOf); err != nil {
			a.logger.Error("archiving partition failed", err, logging.Partition(p.Name), logging.Component("archive"))
			failures = append(failures, p.Name)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w: failed to archive partitions %v", telemetryerr.ErrArchiveVerificationFailed, failures)
	}
	return nil
}

func (a *Archiver) archiveOne(ctx context.Context, name string, asOf time.Time) error {
	outFile := filepath.Join(a.dir, fmt.Sprintf("%s_%s.sql", name, asOf.Format(dumpTimestampLayout)))

	if err := a.pgDump(ctx, name, outFile, a.conn); err != nil {
		return fmt.Errorf("pg_dump for %s: %w", name, err)
	}

	info, err := os.Stat(outFile)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: dump for %s missing or empty at %s", telemetryerr.ErrArchiveVerificationFailed, name, outFile)
	}

	if err := a.catalog.Drop(ctx, name); err != nil {
		return fmt.Errorf("dropping archived partition %s: %w", name, err)
	}

	a.logger.Info("partition archived", logging.Partition(name), logging.Component("archive"),
		logging.String("dump_file", outFile), logging.Int64("dump_bytes", info.Size()))
	return nil
}

// runPgDump shells out to pg_dump for a single table, matching the
// teacher's --format flag style but scoped with --table so the dump
// holds only the partition being retired.
func runPgDump(ctx context.Context, table, outFile string, conn DBConn) error {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", conn.Host,
		"-p", conn.Port,
		"-U", conn.User,
		"-d", conn.Name,
		"--table="+table,
		"--format=plain",
		"--file="+outFile,
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", conn.Password))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump failed: %w, output: %s", err, string(output))
	}
	return nil
}
