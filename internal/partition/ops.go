package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// Create installs the partition for (year, month), idempotently. A
// duplicate-object error from Postgres (the partition already exists)
// collapses to success rather than propagating as a failure, matching the
// catalog's retry-safe contract.
func (c *Catalog) Create(ctx context.Context, year, month int) error {
	name := Name(year, month)
	nextYear, nextMonth := nextMonth(year, month)

	from := fmt.Sprintf("%04d-%02d-01", year, month)
	to := fmt.Sprintf("%04d-%02d-01", nextYear, nextMonth)

	safeName := pgx.Identifier{name}.Sanitize()
	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, TableName, from, to,
	)

	if _, err := c.db.Exec(ctx, createSQL); err != nil {
		if isDuplicateObject(err) {
			c.logger.Info("partition already present", logging.Partition(name), logging.Component("partition"))
			c.registerLocked(ctx, name)
			return nil
		}
		return fmt.Errorf("%w: creating partition %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}

	c.registerLocked(ctx, name)
	c.logger.Info("partition created", logging.Partition(name), logging.Component("partition"))
	return nil
}

// registerLocked records name's creation time in partition_registry, the
// side table List() joins against for CreatedAt since Postgres has no
// native relation-creation timestamp. Best-effort: a registry write
// failure logs and does not fail the surrounding Create, since the
// partition itself is already usable.
func (c *Catalog) registerLocked(ctx context.Context, name string) {
	const sql = `INSERT INTO partition_registry (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	if _, err := c.db.Exec(ctx, sql, name); err != nil {
		c.logger.Warn("recording partition_registry entry failed", logging.Partition(name), logging.Component("partition"))
	}
}

// Drop removes name and all of its rows. It refuses names that do not match
// the strict p_YYYYMM form, since the DROP TABLE this builds is otherwise
// unguarded against operator typos.
func (c *Catalog) Drop(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: refusing to drop %q, does not match p_YYYYMM", telemetryerr.ErrValidation, name)
	}

	safeName := pgx.Identifier{name}.Sanitize()
	if _, err := c.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)); err != nil {
		return fmt.Errorf("%w: dropping partition %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}

	if _, err := c.db.Exec(ctx, `DELETE FROM partition_registry WHERE name = $1`, name); err != nil {
		c.logger.Warn("removing partition_registry entry failed", logging.Partition(name), logging.Component("partition"))
	}

	c.logger.Info("partition dropped", logging.Partition(name), logging.Component("partition"))
	return nil
}

// Optimize runs an engine-level reorganization (VACUUM) of name. Purely
// advisory to the read path: it never changes row visibility.
func (c *Catalog) Optimize(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	safeName := pgx.Identifier{name}.Sanitize()
	if _, err := c.db.Exec(ctx, fmt.Sprintf("VACUUM (ANALYZE) %s", safeName)); err != nil {
		return fmt.Errorf("%w: optimizing %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	c.logger.Info("partition optimized", logging.Partition(name), logging.Component("partition"))
	return nil
}

// Analyze refreshes the query planner's statistics for name.
func (c *Catalog) Analyze(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	safeName := pgx.Identifier{name}.Sanitize()
	if _, err := c.db.Exec(ctx, fmt.Sprintf("ANALYZE %s", safeName)); err != nil {
		return fmt.Errorf("%w: analyzing %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	c.logger.Info("partition analyzed", logging.Partition(name), logging.Component("partition"))
	return nil
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42P07 duplicate_table, 42710 duplicate_object
		return pgErr.Code == "42P07" || pgErr.Code == "42710"
	}
	return strings.Contains(err.Error(), "already exists")
}
