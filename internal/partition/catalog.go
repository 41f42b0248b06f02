package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
	"github.com/fleetwatch/telemetry/internal/tstamp"
)

// Executor is the subset of pgxpool.Pool the catalog needs. The package's
// tests exercise only the helpers that need no database (naming, name
// parsing, tiering, duplicate-error detection) and pass no Executor.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableName is the parent (or, pre-conversion, the unpartitioned) table
// that backs position history.
const TableName = "positions"

// Catalog is the Partition Catalog: list/exists/create/drop/optimize/
// analyze/compress/convert_to_partitioned over TableName's partitions.
type Catalog struct {
	db     Executor
	logger *logging.Logger

	mu       sync.RWMutex
	snapshot []model.PartitionInfo
}

// New builds a Catalog over db, logging through logger.
func New(db Executor, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Default()
	}
	return &Catalog{db: db, logger: logger}
}

// Snapshot returns the most recently captured metadata snapshot without
// touching the database. List() builds a new slice and swaps it in under
// the lock, so readers never see a partially-built one.
func (c *Catalog) Snapshot() []model.PartitionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.PartitionInfo, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// TierOf classifies name's age against t using the partition's embedded
// year/month, independent of any cached snapshot.
func (c *Catalog) TierOf(name string, t model.TierThresholds, asOf time.Time) (model.PartitionTier, error) {
	year, month, err := parseName(name)
	if err != nil {
		return "", err
	}
	age := monthsBetween(year, month, asOf)
	return t.TierForAge(age), nil
}

func monthsBetween(year, month int, asOf time.Time) int {
	months := (asOf.Year()-year)*12 + (int(asOf.Month()) - month)
	if months < 0 {
		months = 0
	}
	return months
}

func parseName(name string) (year, month int, err error) {
	if !ValidName(name) {
		return 0, 0, fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	digits := name[2:]
	fmt.Sscanf(digits[:4], "%d", &year)
	fmt.Sscanf(digits[4:6], "%d", &month)
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("%w: %q has invalid month", telemetryerr.ErrValidation, name)
	}
	return year, month, nil
}

// List queries Postgres for every current partition of TableName, its row
// count and on-disk size, and atomically swaps the cached Snapshot().
func (c *Catalog) List(ctx context.Context) ([]model.PartitionInfo, error) {
	rows, err := c.db.Query(ctx, listPartitionsSQL, TableName)
	if err != nil {
		return nil, fmt.Errorf("%w: listing partitions: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.PartitionInfo
	for rows.Next() {
		var name string
		var sizeBytes int64
		var rowCount int64
		var compression string
		var createdAt *time.Time
		if err := rows.Scan(&name, &sizeBytes, &rowCount, &compression, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning partition row: %w", err)
		}
		if !ValidName(name) {
			c.logger.Warn("skipping partition with unexpected name", logging.Partition(name), logging.Component("partition"))
			continue
		}
		year, month, err := parseName(name)
		if err != nil {
			continue
		}
		info := model.PartitionInfo{
			Name:       name,
			Year:       year,
			Month:      month,
			RowCount:   rowCount,
			SizeMB:     float64(sizeBytes) / (1024 * 1024),
			Compressed: compression == "l",
		}
		if createdAt != nil {
			info.CreatedAt = tstamp.FromTime(*createdAt)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating partitions: %w", err)
	}

	c.mu.Lock()
	c.snapshot = out
	c.mu.Unlock()

	return out, nil
}

// listPartitionsSQL enumerates direct children of TableName via
// pg_inherits, their size/row estimates, whether compressedColumns[0]
// carries the lz4 TOAST compression setting (mirroring IsCompressed),
// and the creation time recorded in partition_registry — Postgres
// exposes no native relation-creation timestamp, so that table is the
// only source for it. A partition created outside Catalog.Create (e.g.
// restored from a backup) has no registry row and comes back with a
// zero CreatedAt rather than failing the listing.
var listPartitionsSQL = fmt.Sprintf(`
SELECT
	c.relname,
	pg_total_relation_size(c.oid) AS size_bytes,
	c.reltuples::bigint AS row_count,
	COALESCE(a.attcompression, '') AS compression,
	r.created_at
FROM pg_inherits i
JOIN pg_class c ON c.oid = i.inhrelid
LEFT JOIN pg_attribute a ON a.attrelid = c.oid AND a.attname = '%s'
LEFT JOIN partition_registry r ON r.name = c.relname
WHERE i.inhparent = $1::regclass
ORDER BY c.relname`, compressedColumns[0])

// Exists reports whether name is currently a partition of TableName.
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	var exists bool
	err := c.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM pg_inherits i JOIN pg_class c ON c.oid = i.inhrelid
		WHERE i.inhparent = $1::regclass AND c.relname = $2)`, TableName, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: checking existence of %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	return exists, nil
}
