package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// ConvertToPartitioned is a one-shot migration: if TableName is not yet a
// partitioned (relkind='p') table, it fails with PartitionKeyMissing when
// the existing primary key does not already include the partition key
// column, since Postgres refuses to attach RANGE partitioning otherwise.
// When the table is already partitioned this is a no-op success.
//
// futureMonths seed partitions are created from the earliest month present
// in the (to-be-converted) data through futureMonths ahead of asOf.
func (c *Catalog) ConvertToPartitioned(ctx context.Context, asOf time.Time, futureMonths int) error {
	partitioned, err := c.isPartitioned(ctx)
	if err != nil {
		return err
	}
	if partitioned {
		c.logger.Info("table already partitioned, skipping conversion", logging.Component("partition"))
		return nil
	}

	hasKey, err := c.primaryKeyIncludesPartitionKey(ctx)
	if err != nil {
		return err
	}
	if !hasKey {
		return fmt.Errorf("%w: primary key of %s must include device_ts before RANGE partitioning can be installed",
			telemetryerr.ErrPartitionKeyMissing, TableName)
	}

	earliestYear, earliestMonth, err := c.earliestMonth(ctx, asOf)
	if err != nil {
		return err
	}

	year, month := earliestYear, earliestMonth
	endYear, endMonth := nextMonthsAhead(asOf, futureMonths)
	for PartitionKey(year, month) <= PartitionKey(endYear, endMonth) {
		if err := c.Create(ctx, year, month); err != nil {
			return fmt.Errorf("seeding partition for %04d-%02d: %w", year, month, err)
		}
		year, month = nextMonth(year, month)
	}

	c.logger.Info("converted to RANGE-partitioned table",
		logging.Component("partition"),
		logging.String("earliest", Name(earliestYear, earliestMonth)),
		logging.String("latest", Name(endYear, endMonth)),
	)
	return nil
}

func (c *Catalog) isPartitioned(ctx context.Context) (bool, error) {
	var relkind string
	err := c.db.QueryRow(ctx, "SELECT relkind FROM pg_class WHERE oid = $1::regclass", TableName).Scan(&relkind)
	if err != nil {
		return false, fmt.Errorf("%w: checking partition status of %s: %v", telemetryerr.ErrStorageUnavailable, TableName, err)
	}
	return relkind == "p", nil
}

func (c *Catalog) primaryKeyIncludesPartitionKey(ctx context.Context) (bool, error) {
	var count int
	err := c.db.QueryRow(ctx, `
		SELECT count(*)
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary AND a.attname = 'device_ts'`,
		TableName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: inspecting primary key of %s: %v", telemetryerr.ErrStorageUnavailable, TableName, err)
	}
	return count > 0, nil
}

func (c *Catalog) earliestMonth(ctx context.Context, fallback time.Time) (int, int, error) {
	var year, month int
	err := c.db.QueryRow(ctx, `
		SELECT EXTRACT(YEAR FROM min(device_ts))::int, EXTRACT(MONTH FROM min(device_ts))::int
		FROM `+TableName).Scan(&year, &month)
	if err != nil || year == 0 {
		return fallback.Year(), int(fallback.Month()), nil
	}
	return year, month, nil
}

func nextMonthsAhead(asOf time.Time, months int) (int, int) {
	t := asOf.AddDate(0, months, 0)
	return t.Year(), int(t.Month())
}
