// Package query is the Query Path: partition-pruned reads over the
// position history, scoped by the caller's principal chain. Every
// operation requires a device_ts range so Postgres can prune to the
// partitions the RANGE scheme already maintains; no operation here ever
// scans the full table unfiltered.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
	"github.com/fleetwatch/telemetry/internal/tstamp"
)

// DB is the subset of *pgxpool.Pool the query path needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LastKnownCache serves latest() in O(1), falling back to the
// last_known_location table on a cache miss.
type LastKnownCache interface {
	Get(ctx context.Context, deviceID string) (model.LastKnownLocation, bool, error)
}

// Path is the Query Path.
type Path struct {
	db     DB
	cache  LastKnownCache
	scope  model.ScopeResolver
	logger *logging.Logger
}

// New builds a Path over db, the last-known-location cache, and the
// external scope resolver used for dealer/client authorization.
func New(db DB, cache LastKnownCache, scope model.ScopeResolver, logger *logging.Logger) *Path {
	if logger == nil {
		logger = logging.Default()
	}
	return &Path{db: db, cache: cache, scope: scope, logger: logger}
}

// Authorize is the shared pre-filter every device-scoped operation calls
// before touching the database: SUPERADMIN/ADMIN may read any device;
// every other role must own deviceID somewhere in its chain, which is an
// external scope question resolved via model.ScopeResolver.
func (p *Path) Authorize(principal model.Principal, deviceID string) error {
	if principal.Role == model.RoleSuperadmin || principal.Role == model.RoleAdmin {
		return nil
	}
	owns, err := p.scope.OwnsDevice(principal, deviceID)
	if err != nil {
		return fmt.Errorf("%w: resolving device ownership: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	if !owns {
		return fmt.Errorf("%w: principal %d (%s) does not own device %s", telemetryerr.ErrUnauthorized, principal.UserID, principal.Role, deviceID)
	}
	return nil
}

// RoutePoint is the trimmed tuple route_points() returns: only reports
// with a valid fix, in ascending device_ts order.
type RoutePoint struct {
	Lat, Lon  float64
	DeviceTS  tstamp.T
	Speed     float64
	Course    string
}

// BBox optionally narrows route_points() to a geographic bounding box.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// DailySummary is one calendar-date row of daily_summary().
type DailySummary struct {
	Date         string
	RowCount     int64
	AvgSpeed     float64
	MaxSpeed     float64
	MinSpeed     float64
	PanicCount   int64
	IgnitionOnCount int64
}

// FleetSummaryRow is one (date, device) row of fleet_summary().
type FleetSummaryRow struct {
	Date     string
	DeviceID string
	RowCount int64
	AvgSpeed float64
	MaxSpeed float64
}

// ParkingDuration is one completed PARKED interval from parking_durations().
type ParkingDuration struct {
	DeviceID string
	Start    tstamp.T
	End      tstamp.T
	Duration time.Duration
}

// History returns every accepted report for deviceID in [from, to],
// ascending by device_ts.
func (p *Path) History(ctx context.Context, principal model.Principal, deviceID string, from, to tstamp.T) ([]model.PositionReport, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, historySQL, deviceID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: history query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.PositionReport
	for rows.Next() {
		r, err := scanPositionReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const historySQL = `
SELECT device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status,
	status, panic, gsm_strength, sequence_no, imei, serial_no,
	superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id
FROM positions
WHERE device_id = $1 AND device_ts BETWEEN $2::timestamp AND $3::timestamp
ORDER BY device_ts ASC`

// Latest reads the Last-Known Location projection directly, in O(1),
// preferring the Redis cache and falling back to the persisted table on
// a cache miss.
func (p *Path) Latest(ctx context.Context, principal model.Principal, deviceID string) (model.LastKnownLocation, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return model.LastKnownLocation{}, err
	}
	if loc, ok, err := p.cache.Get(ctx, deviceID); err == nil && ok {
		return loc, nil
	}

	var loc model.LastKnownLocation
	var ts, updatedAt time.Time
	err := p.db.QueryRow(ctx, `
		SELECT device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status, panic, updated_at
		FROM last_known_location WHERE device_id = $1`, deviceID).
		Scan(&loc.DeviceID, &ts, &loc.Lat, &loc.Lon, &loc.Speed, &loc.Course, &loc.Ignition, &loc.VehicleStatus, &loc.Panic, &updatedAt)
	if err != nil {
		return model.LastKnownLocation{}, fmt.Errorf("%w: reading last-known location for %s: %v", telemetryerr.ErrStorageUnavailable, deviceID, err)
	}
	loc.DeviceTS = tstamp.FromTime(ts)
	loc.UpdatedAt = tstamp.FromTime(updatedAt)
	return loc, nil
}

// RoutePoints returns only fixed positions, optionally bounded by bbox.
func (p *Path) RoutePoints(ctx context.Context, principal model.Principal, deviceID string, from, to tstamp.T, bbox *BBox) ([]RoutePoint, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return nil, err
	}

	sql := `
	SELECT lat, lon, device_ts, speed, course FROM positions
	WHERE device_id = $1 AND device_ts BETWEEN $2::timestamp AND $3::timestamp
	AND lat <> 0 AND lon <> 0`
	args := []any{deviceID, from.String(), to.String()}
	if bbox != nil {
		sql += " AND lat BETWEEN $4 AND $5 AND lon BETWEEN $6 AND $7"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	sql += " ORDER BY device_ts ASC"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: route_points query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []RoutePoint
	for rows.Next() {
		var rp RoutePoint
		var ts time.Time
		if err := rows.Scan(&rp.Lat, &rp.Lon, &ts, &rp.Speed, &rp.Course); err != nil {
			return nil, err
		}
		rp.DeviceTS = tstamp.FromTime(ts)
		out = append(out, rp)
	}
	return out, rows.Err()
}

// PanicEvents returns panic-flagged rows. deviceID nil means fleet-wide,
// which only ADMIN/SUPERADMIN may request.
func (p *Path) PanicEvents(ctx context.Context, principal model.Principal, deviceID *string, from, to tstamp.T) ([]model.PositionReport, error) {
	if deviceID != nil {
		if err := p.Authorize(principal, *deviceID); err != nil {
			return nil, err
		}
	} else if principal.Role != model.RoleSuperadmin && principal.Role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: fleet-wide panic_events requires ADMIN or SUPERADMIN", telemetryerr.ErrUnauthorized)
	}

	sql := `
	SELECT device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status,
		status, panic, gsm_strength, sequence_no, imei, serial_no,
		superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id
	FROM positions
	WHERE panic = true AND device_ts BETWEEN $1::timestamp AND $2::timestamp`
	args := []any{from.String(), to.String()}
	if deviceID != nil {
		sql += " AND device_id = $3"
		args = append(args, *deviceID)
	}
	sql += " ORDER BY device_ts ASC"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: panic_events query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.PositionReport
	for rows.Next() {
		r, err := scanPositionReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SpeedViolations returns rows whose speed exceeds limitKMH.
func (p *Path) SpeedViolations(ctx context.Context, principal model.Principal, deviceID string, from, to tstamp.T, limitKMH float64) ([]model.PositionReport, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `
		SELECT device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status,
			status, panic, gsm_strength, sequence_no, imei, serial_no,
			superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id
		FROM positions
		WHERE device_id = $1 AND device_ts BETWEEN $2::timestamp AND $3::timestamp AND speed > $4
		ORDER BY device_ts ASC`, deviceID, from.String(), to.String(), limitKMH)
	if err != nil {
		return nil, fmt.Errorf("%w: speed_violations query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.PositionReport
	for rows.Next() {
		r, err := scanPositionReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DailySummary groups deviceID's reports by calendar date.
func (p *Path) DailySummary(ctx context.Context, principal model.Principal, deviceID string, from, to tstamp.T) ([]DailySummary, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `
		SELECT to_char(device_ts, 'YYYY-MM-DD') AS d,
			count(*),
			avg(speed), max(speed), min(speed),
			count(*) FILTER (WHERE panic),
			count(*) FILTER (WHERE ignition = 'ON')
		FROM positions
		WHERE device_id = $1 AND device_ts BETWEEN $2::timestamp AND $3::timestamp
		GROUP BY d ORDER BY d ASC`, deviceID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: daily_summary query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var s DailySummary
		if err := rows.Scan(&s.Date, &s.RowCount, &s.AvgSpeed, &s.MaxSpeed, &s.MinSpeed, &s.PanicCount, &s.IgnitionOnCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FleetSummary groups every device under adminID by date x device. Only a
// SUPERADMIN, or an ADMIN requesting their own id, may call this.
func (p *Path) FleetSummary(ctx context.Context, principal model.Principal, adminID int64, from, to tstamp.T) ([]FleetSummaryRow, error) {
	if principal.Role != model.RoleSuperadmin && !(principal.Role == model.RoleAdmin && principal.UserID == adminID) {
		return nil, fmt.Errorf("%w: fleet_summary requires ADMIN (own id) or SUPERADMIN", telemetryerr.ErrUnauthorized)
	}
	rows, err := p.db.Query(ctx, `
		SELECT to_char(device_ts, 'YYYY-MM-DD') AS d, device_id, count(*), avg(speed), max(speed)
		FROM positions
		WHERE admin_id = $1 AND device_ts BETWEEN $2::timestamp AND $3::timestamp
		GROUP BY d, device_id ORDER BY d ASC, device_id ASC`, adminID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: fleet_summary query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []FleetSummaryRow
	for rows.Next() {
		var r FleetSummaryRow
		if err := rows.Scan(&r.Date, &r.DeviceID, &r.RowCount, &r.AvgSpeed, &r.MaxSpeed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ParkingDurations computes, for every PARKED row, the gap to the next
// PARKED row as a duration, via a LEAD window over device_ts.
func (p *Path) ParkingDurations(ctx context.Context, principal model.Principal, deviceID string, from, to tstamp.T) ([]ParkingDuration, error) {
	if err := p.Authorize(principal, deviceID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `
		SELECT device_ts, lead(device_ts) OVER (ORDER BY device_ts)
		FROM positions
		WHERE device_id = $1 AND vehicle_status = 'PARKED'
			AND device_ts BETWEEN $2::timestamp AND $3::timestamp
		ORDER BY device_ts ASC`, deviceID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: parking_durations query: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []ParkingDuration
	for rows.Next() {
		var start time.Time
		var next *time.Time
		if err := rows.Scan(&start, &next); err != nil {
			return nil, err
		}
		if next == nil {
			continue
		}
		out = append(out, ParkingDuration{
			DeviceID: deviceID,
			Start:    tstamp.FromTime(start),
			End:      tstamp.FromTime(*next),
			Duration: next.Sub(start),
		})
	}
	return out, rows.Err()
}

func scanPositionReport(rows pgx.Rows) (model.PositionReport, error) {
	var r model.PositionReport
	var ts time.Time
	if err := rows.Scan(
		&r.DeviceID, &ts, &r.Lat, &r.Lon, &r.Speed, &r.Course, &r.Ignition, &r.VehicleStatus,
		&r.Status, &r.Panic, &r.GSMStrength, &r.SequenceNo, &r.IMEI, &r.SerialNo,
		&r.Owner.SuperadminID, &r.Owner.AdminID, &r.Owner.DealerID, &r.Owner.ClientID, &r.Owner.UserID, &r.Owner.DriverID,
	); err != nil {
		return model.PositionReport{}, fmt.Errorf("scanning position report: %w", err)
	}
	r.DeviceTS = tstamp.FromTime(ts)
	return r, nil
}
