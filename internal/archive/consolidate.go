package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// consolidateAfter is how long a loose .sql dump sits in the archive
// directory before it is folded into a monthly tarball: long enough that
// an operator restoring last week's export still finds a plain file.
const consolidateAfter = 30 * 24 * time.Hour

// Consolidate groups dump files older than consolidateAfter by the
// calendar month embedded in their filename into a single
// "archive-YYYYMM.tar.gz" per month (tar via os/exec), then removes the
// originals once the tarball is confirmed non-empty. Partitions whose
// dump is already consolidated are skipped.
func (a *Archiver) Consolidate(ctx context.Context) error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading archive directory: %v", telemetryerr.ErrStorageUnavailable, err)
	}

	groups := make(map[string][]string)
	cutoff := time.Now().Add(-consolidateAfter)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		month := monthKeyFromDumpName(e.Name())
		if month == "" {
			continue
		}
		groups[month] = append(groups[month], e.Name())
	}

	var months []string
	for m := range groups {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, month := range months {
		if err := a.consolidateMonth(ctx, month, groups[month]); err != nil {
			return err
		}
	}
	return nil
}

// monthKeyFromDumpName extracts "YYYYMM" from a "p_YYYYMM_YYYYMMDD_HHMMSS.sql"
// dump filename, the month the *archived partition* covers, not the
// day it was exported.
func monthKeyFromDumpName(name string) string {
	if !strings.HasPrefix(name, "p_") || len(name) < 8 {
		return ""
	}
	return name[2:8]
}

func (a *Archiver) consolidateMonth(ctx context.Context, month string, files []string) error {
	tarball := filepath.Join(a.dir, fmt.Sprintf("archive-%s.tar.gz", month))

	args := append([]string{"-czf", tarball, "-C", a.dir}, files...)
	cmd := exec.CommandContext(ctx, "tar", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: consolidating month %s: %v, output: %s", telemetryerr.ErrStorageUnavailable, month, err, string(output))
	}

	info, err := os.Stat(tarball)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: consolidated tarball for %s missing or empty", telemetryerr.ErrArchiveVerificationFailed, month)
	}

	for _, f := range files {
		os.Remove(filepath.Join(a.dir, f))
	}

	a.logger.Info("archive month consolidated", logging.Component("archive"),
		logging.String("month", month), logging.Int("files", len(files)), logging.Int64("tarball_bytes", info.Size()))
	return nil
}
