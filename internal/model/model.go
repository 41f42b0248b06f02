// Package model holds the entities shared across the ingestion, query,
// partition, and fan-out components: the position report, its last-known
// projection, and the value types that describe partition health.
package model

import (
	"fmt"

	"github.com/fleetwatch/telemetry/internal/tstamp"
)

// Ignition is a tri-state reported by the device.
type Ignition string

const (
	IgnitionOn      Ignition = "ON"
	IgnitionOff     Ignition = "OFF"
	IgnitionUnknown Ignition = "UNKNOWN"
)

// VehicleStatus is the device-reported motion state.
type VehicleStatus string

const (
	VehicleRunning VehicleStatus = "RUNNING"
	VehicleIdle    VehicleStatus = "IDLE"
	VehicleParked  VehicleStatus = "PARKED"
	VehicleMoving  VehicleStatus = "MOVING"
	VehicleUnknown VehicleStatus = "UNKNOWN"
)

// ReportStatus distinguishes real-time telemetry from backfill.
type ReportStatus string

const (
	StatusLive    ReportStatus = "LIVE"
	StatusHistory ReportStatus = "HISTORY"
)

// Valid reports whether s is one of the two accepted values.
func (s ReportStatus) Valid() bool {
	return s == StatusLive || s == StatusHistory
}

// OwnerChain carries the optional ownership ids by value, avoiding any
// cross-table navigation at ingest or query time.
type OwnerChain struct {
	SuperadminID *int64
	AdminID      *int64
	DealerID     *int64
	ClientID     *int64
	UserID       *int64
	DriverID     *int64
}

// PositionReport is a single telemetry sample from a device. device_ts is
// carried as an opaque tstamp.T — it is never normalized to UTC and never
// adjusted for a server-local zone.
type PositionReport struct {
	DeviceID      string
	DeviceTS      tstamp.T
	Lat           float64
	Lon           float64
	Speed         float64
	Course        string
	Ignition      Ignition
	VehicleStatus VehicleStatus
	Status        ReportStatus
	Panic         bool
	GSMStrength   int
	SequenceNo    string
	IMEI          string
	SerialNo      string
	Owner         OwnerChain
}

// HasFix reports whether both coordinates are nonzero, i.e. a valid GPS
// fix as opposed to a report sent while the device has no satellite lock.
func (p PositionReport) HasFix() bool {
	return p.Lat != 0 && p.Lon != 0
}

// PartitionKey returns the p_YYYYMM-style routing key for this report,
// derived strictly from the reported month, never from server time.
func (p PositionReport) PartitionKey() int {
	return p.DeviceTS.PartitionKey()
}

// Validate checks the invariants from the ingestion contract that do not
// require a database round-trip: non-empty device id within length bound,
// a set device_ts, a LIVE/HISTORY status, and a non-negative speed. It does
// not check coordinates; the ingestion path rejects non-finite lat/lon
// separately.
func (p PositionReport) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id must be non-empty")
	}
	if len(p.DeviceID) > 64 {
		return fmt.Errorf("device_id exceeds 64 chars")
	}
	if p.DeviceTS.IsZero() {
		return fmt.Errorf("device_ts must be set")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("status must be LIVE or HISTORY, got %q", p.Status)
	}
	if p.Speed < 0 {
		return fmt.Errorf("speed must be non-negative")
	}
	return nil
}

// NaturalKey returns the (device_id, device_ts) tuple that uniquely
// identifies a row for upsert purposes.
func (p PositionReport) NaturalKey() (string, string) {
	return p.DeviceID, p.DeviceTS.String()
}

// LastKnownLocation is the most recent LIVE PositionReport per device,
// updated at-least-once on ingestion.
type LastKnownLocation struct {
	DeviceID      string
	DeviceTS      tstamp.T
	Lat           float64
	Lon           float64
	Speed         float64
	Course        string
	Ignition      Ignition
	VehicleStatus VehicleStatus
	Panic         bool
	UpdatedAt     tstamp.T
}

// PartitionTier is the age-derived physical lifecycle state of a
// partition.
type PartitionTier string

const (
	TierActive  PartitionTier = "ACTIVE"
	TierWarm    PartitionTier = "WARM"
	TierCold    PartitionTier = "COLD"
	TierArchive PartitionTier = "ARCHIVE"
)

// TierThresholds gives the age-in-months boundaries (inclusive) for
// ACTIVE, WARM, and COLD; anything older is ARCHIVE. Defaults: 3/6/24.
type TierThresholds struct {
	ActiveMonths int
	WarmMonths   int
	ColdMonths   int
}

// DefaultTierThresholds returns the documented default tier boundaries.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{ActiveMonths: 3, WarmMonths: 6, ColdMonths: 24}
}

// TierForAge classifies a partition's age in whole months against t.
func (t TierThresholds) TierForAge(ageMonths int) PartitionTier {
	switch {
	case ageMonths <= t.ActiveMonths:
		return TierActive
	case ageMonths <= t.WarmMonths:
		return TierWarm
	case ageMonths <= t.ColdMonths:
		return TierCold
	default:
		return TierArchive
	}
}

// tierRank orders tiers from least to most aged, for WorseTier to pick
// the more aged of two tiers.
var tierRank = map[PartitionTier]int{
	TierActive:  0,
	TierWarm:    1,
	TierCold:    2,
	TierArchive: 3,
}

// WorseTier returns whichever of a, b ranks as more degraded.
func WorseTier(a, b PartitionTier) PartitionTier {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// ThresholdProfile classifies a partition's size into a health status.
type ThresholdProfile struct {
	WarnMB      float64
	CriticalMB  float64
	EmergencyMB float64
	MaxRows     int64
}

// HealthStatus is the severity classification for a sampled partition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// statusRank orders statuses from least to most severe, used the same
// way as tierRank to resolve a size/row disagreement.
var statusRank = map[HealthStatus]int{
	HealthHealthy:  0,
	HealthWarning:  1,
	HealthCritical: 2,
}

// WorseStatus returns whichever of a, b is more severe.
func WorseStatus(a, b HealthStatus) HealthStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Classify maps a (size, rows) sample to a HealthStatus: CRITICAL when
// size >= emergency or rows >= maxRows; WARNING when size >= warn or
// rows >= 0.9*maxRows.
func (t ThresholdProfile) Classify(sizeMB float64, rows int64) HealthStatus {
	bySize := HealthHealthy
	switch {
	case sizeMB >= t.EmergencyMB:
		bySize = HealthCritical
	case sizeMB >= t.WarnMB:
		bySize = HealthWarning
	}

	byRows := HealthHealthy
	switch {
	case t.MaxRows > 0 && rows >= t.MaxRows:
		byRows = HealthCritical
	case t.MaxRows > 0 && float64(rows) >= 0.9*float64(t.MaxRows):
		byRows = HealthWarning
	}

	return WorseStatus(bySize, byRows)
}

// PartitionInfo is a metadata snapshot of one physical partition.
type PartitionInfo struct {
	Name      string
	Year      int
	Month     int
	RowCount  int64
	SizeMB    float64
	Compressed bool
	CreatedAt  tstamp.T
}
