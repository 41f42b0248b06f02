package partition

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// Compress switches name's physical storage to a compressed column
// encoding in place, then runs VACUUM (FULL, ANALYZE) to materialize the
// change on existing rows (ALTER COLUMN SET COMPRESSION only affects
// newly-written TOAST values until a rewrite happens). Before/after size is logged so
// operators can see the space recovered.
func (c *Catalog) Compress(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	safeName := pgx.Identifier{name}.Sanitize()

	before, err := c.sizeOf(ctx, name)
	if err != nil {
		return err
	}

	for _, col := range compressedColumns {
		alterSQL := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET COMPRESSION lz4", safeName, col)
		if _, err := c.db.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("%w: setting compression on %s.%s: %v", telemetryerr.ErrStorageUnavailable, name, col, err)
		}
	}

	// VACUUM FULL rewrites every row under the new TOAST compression
	// setting; Optimize alone (plain VACUUM) would not force a rewrite.
	if _, err := c.db.Exec(ctx, fmt.Sprintf("VACUUM (FULL, ANALYZE) %s", safeName)); err != nil {
		return fmt.Errorf("%w: compacting %s after compression: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}

	after, err := c.sizeOf(ctx, name)
	if err != nil {
		return err
	}

	reduction := 0.0
	if before > 0 {
		reduction = 100 * (1 - after/before)
	}
	c.logger.Info("partition compressed",
		logging.Partition(name),
		logging.Component("partition"),
		logging.Float64("size_before_mb", before),
		logging.Float64("size_after_mb", after),
		logging.Float64("reduction_pct", reduction),
	)
	return nil
}

// compressedColumns names the position-history columns worth TOAST
// compression: the wide textual fields, not the fixed-width numeric ones.
var compressedColumns = []string{"course", "imei", "serial_no"}

// IsCompressed reports whether name's first compressed column already
// carries the lz4 TOAST compression setting.
func (c *Catalog) IsCompressed(ctx context.Context, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("%w: %q", telemetryerr.ErrValidation, name)
	}
	var compression string
	err := c.db.QueryRow(ctx, `
		SELECT attcompression FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = $2`, name, compressedColumns[0]).Scan(&compression)
	if err != nil {
		return false, fmt.Errorf("%w: checking compression of %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	return compression == "l", nil
}

func (c *Catalog) sizeOf(ctx context.Context, name string) (float64, error) {
	var bytes int64
	err := c.db.QueryRow(ctx, "SELECT pg_total_relation_size($1::regclass)", name).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: sizing %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	return float64(bytes) / (1024 * 1024), nil
}
