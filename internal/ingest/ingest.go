// Package ingest is the Ingestion Path: a synchronous, de-duplicating
// upsert of position reports into the current partition, with the
// Last-Known Location projection and bus events as side effects of an
// accepted LIVE report. The accept/reject/duplicate three-way result and
// the last-writer-wins conflict resolution are expressed as a single
// ON CONFLICT ... DO UPDATE ... WHERE statement so the database itself
// enforces the merge rule atomically instead of a read-modify-write
// round trip.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/telemetry/internal/dbx"
	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/partition"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
	"github.com/fleetwatch/telemetry/internal/tstamp"
)

// Status is the categorical outcome returned to the caller:
// ingest(report) -> {Accepted | Duplicate | Rejected(reason)}.
type Status string

const (
	Accepted  Status = "ACCEPTED"
	Duplicate Status = "DUPLICATE"
	Rejected  Status = "REJECTED"
)

// DB is the subset of *pgxpool.Pool the ingestion path writes through.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PartitionChecker answers whether a partition is ready to accept writes,
// preferring a cache over a live schema probe (see health.Monitor.PartitionReady).
type PartitionChecker interface {
	PartitionReady(ctx context.Context, name string, refresh bool) (bool, error)
}

// LastKnownCache is the projection-update seam, satisfied by cachex.Cache.
type LastKnownCache interface {
	SetIfNewer(ctx context.Context, loc model.LastKnownLocation) (bool, error)
}

// Bus is the internal event sink the Fan-out Hub subscribes to.
type Bus interface {
	PublishLocation(evt model.LocationUpdate)
	PublishPanic(evt model.PanicAlert)
}

// deadline is the end-to-end ingest deadline: exceeding it returns
// Timeout and the caller is expected to retry.
const deadline = 30 * time.Second

// Path is the Ingestion Path.
type Path struct {
	db         DB
	partitions PartitionChecker
	cache      LastKnownCache
	bus        Bus
	logger     *logging.Logger
}

// New builds a Path over db, the partition readiness checker, the
// last-known-location cache, and the fan-out bus.
func New(db DB, partitions PartitionChecker, cache LastKnownCache, bus Bus, logger *logging.Logger) *Path {
	if logger == nil {
		logger = logging.Default()
	}
	return &Path{db: db, partitions: partitions, cache: cache, bus: bus, logger: logger}
}

// Ingest validates, routes, and upserts report, returning a categorical
// Status. Side effects (last-known projection update, LocationUpdate,
// PanicAlert) only fire when the row was actually written or merged, not
// on a no-op duplicate.
func (p *Path) Ingest(ctx context.Context, report model.PositionReport) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := report.Validate(); err != nil {
		return Rejected, fmt.Errorf("%w: %v", telemetryerr.ErrValidation, err)
	}
	if err := validateCoordinates(report); err != nil {
		return Rejected, err
	}

	name := partition.Name(report.DeviceTS.Year(), report.DeviceTS.Month())
	ready, err := p.partitions.PartitionReady(ctx, name, false)
	if err != nil {
		return Rejected, fmt.Errorf("%w: checking partition %s: %v", telemetryerr.ErrStorageUnavailable, name, err)
	}
	if !ready {
		return Rejected, fmt.Errorf("%w: %s (device clock may have drifted ahead of the scheduler)", telemetryerr.ErrPartitionMissing, name)
	}

	final, written, err := p.upsert(ctx, report)
	if err != nil {
		if ctx.Err() != nil {
			return Rejected, fmt.Errorf("%w: %v", telemetryerr.ErrTimeout, err)
		}
		return Rejected, fmt.Errorf("%w: upserting report: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	if !written {
		return Duplicate, nil
	}

	p.fireSideEffects(ctx, final)
	return Accepted, nil
}

func validateCoordinates(r model.PositionReport) error {
	if math.IsNaN(r.Lat) || math.IsInf(r.Lat, 0) || math.IsNaN(r.Lon) || math.IsInf(r.Lon, 0) {
		return fmt.Errorf("%w: lat/lon must be finite", telemetryerr.ErrValidation)
	}
	return nil
}

// mergedRow is what the upsert's RETURNING clause gives back: the row's
// state *after* the merge, used to drive LIVE/panic side effects against
// the value that actually landed rather than the caller's raw input.
type mergedRow struct {
	model.PositionReport
}

// fireSideEffects runs the side effects of an accepted report: update the
// Last-Known Location projection when the merged row is LIVE and newer,
// emit a PanicAlert when the merged row's panic flag is set, and emit a
// LocationUpdate for every LIVE accept.
func (p *Path) fireSideEffects(ctx context.Context, final mergedRow) {
	if final.Status == model.StatusLive {
		loc := model.LastKnownLocation{
			DeviceID:      final.DeviceID,
			DeviceTS:      final.DeviceTS,
			Lat:           final.Lat,
			Lon:           final.Lon,
			Speed:         final.Speed,
			Course:        final.Course,
			Ignition:      final.Ignition,
			VehicleStatus: final.VehicleStatus,
			Panic:         final.Panic,
			UpdatedAt:     final.DeviceTS,
		}
		if _, err := p.cache.SetIfNewer(ctx, loc); err != nil {
			p.logger.Warn("last-known-location cache update failed", logging.Component("ingest"),
				logging.DeviceID(final.DeviceID))
		}
		p.bus.PublishLocation(model.LocationUpdate{
			DeviceID:      final.DeviceID,
			DeviceTS:      final.DeviceTS,
			Lat:           final.Lat,
			Lon:           final.Lon,
			Speed:         final.Speed,
			Course:        final.Course,
			Ignition:      final.Ignition,
			VehicleStatus: final.VehicleStatus,
			Owner:         final.Owner,
		})
	}

	if final.Panic {
		p.bus.PublishPanic(model.PanicAlert{
			DeviceID: final.DeviceID,
			DeviceTS: final.DeviceTS,
			Lat:      final.Lat,
			Lon:      final.Lon,
			Owner:    final.Owner,
		})
	}
}

// upsertSQL implements the merge rule in a single statement: a
// conflicting row updates its mutable fields wholesale when both the
// stored and incoming rows are LIVE (last-writer-wins), otherwise only
// fields whose stored value is null/UNKNOWN are filled in, and the
// WHERE clause on the DO UPDATE blocks the write entirely (0 rows
// returned) when a HISTORY row would land on top of a LIVE one.
const upsertSQL = `
INSERT INTO positions (
	device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status,
	status, panic, gsm_strength, sequence_no, imei, serial_no,
	superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id
) VALUES (
	$1, $2::timestamp, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
)
ON CONFLICT (device_id, device_ts) DO UPDATE SET
	lat = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.lat
		WHEN positions.lat = 0 AND positions.lon = 0 THEN EXCLUDED.lat
		ELSE positions.lat END,
	lon = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.lon
		WHEN positions.lat = 0 AND positions.lon = 0 THEN EXCLUDED.lon
		ELSE positions.lon END,
	speed = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.speed
		WHEN positions.speed = 0 THEN EXCLUDED.speed
		ELSE positions.speed END,
	course = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.course
		WHEN positions.course IS NULL OR positions.course = '' THEN EXCLUDED.course
		ELSE positions.course END,
	ignition = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.ignition
		WHEN positions.ignition = 'UNKNOWN' THEN EXCLUDED.ignition
		ELSE positions.ignition END,
	vehicle_status = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.vehicle_status
		WHEN positions.vehicle_status = 'UNKNOWN' THEN EXCLUDED.vehicle_status
		ELSE positions.vehicle_status END,
	panic = CASE
		WHEN positions.status = 'LIVE' AND EXCLUDED.status = 'LIVE' THEN EXCLUDED.panic
		ELSE positions.panic OR EXCLUDED.panic END,
	gsm_strength = CASE WHEN positions.gsm_strength = 0 THEN EXCLUDED.gsm_strength ELSE positions.gsm_strength END,
	sequence_no = CASE WHEN positions.sequence_no IS NULL OR positions.sequence_no = '' THEN EXCLUDED.sequence_no ELSE positions.sequence_no END,
	imei = CASE WHEN positions.imei IS NULL OR positions.imei = '' THEN EXCLUDED.imei ELSE positions.imei END,
	serial_no = CASE WHEN positions.serial_no IS NULL OR positions.serial_no = '' THEN EXCLUDED.serial_no ELSE positions.serial_no END,
	status = CASE WHEN positions.status = 'LIVE' THEN 'LIVE' ELSE EXCLUDED.status END
WHERE NOT (positions.status = 'LIVE' AND EXCLUDED.status = 'HISTORY')
RETURNING device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status,
	status, panic, gsm_strength, sequence_no, imei, serial_no,
	superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id`

// upsert runs the merge statement, retrying a transient storage failure a
// few times with backoff before surfacing it to the caller, who otherwise
// has no recourse within the 30s deadline.
func (p *Path) upsert(ctx context.Context, r model.PositionReport) (mergedRow, bool, error) {
	var out model.PositionReport
	var deviceTS time.Time
	var noRows bool

	upsertStart := time.Now()
	_, err := dbx.RetryWithBackoff(ctx, dbx.DefaultRetryConfig, telemetryerr.Retryable, func() error {
		noRows = false
		scanErr := p.db.QueryRow(ctx, upsertSQL,
			r.DeviceID, r.DeviceTS.String(), r.Lat, r.Lon, r.Speed, r.Course, string(r.Ignition), string(r.VehicleStatus),
			string(r.Status), r.Panic, r.GSMStrength, r.SequenceNo, r.IMEI, r.SerialNo,
			r.Owner.SuperadminID, r.Owner.AdminID, r.Owner.DealerID, r.Owner.ClientID, r.Owner.UserID, r.Owner.DriverID,
		).Scan(
			&out.DeviceID, &deviceTS, &out.Lat, &out.Lon, &out.Speed, &out.Course, &out.Ignition, &out.VehicleStatus,
			&out.Status, &out.Panic, &out.GSMStrength, &out.SequenceNo, &out.IMEI, &out.SerialNo,
			&out.Owner.SuperadminID, &out.Owner.AdminID, &out.Owner.DealerID, &out.Owner.ClientID, &out.Owner.UserID, &out.Owner.DriverID,
		)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			noRows = true
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("%w: %v", telemetryerr.ErrStorageUnavailable, scanErr)
		}
		return nil
	})
	logging.LogSlowQuery(ctx, "upsert position report", time.Since(upsertStart))
	if err != nil {
		return mergedRow{}, false, err
	}
	if noRows {
		return mergedRow{}, false, nil
	}
	out.DeviceTS = tstamp.FromTime(deviceTS)
	return mergedRow{PositionReport: out}, true, nil
}
