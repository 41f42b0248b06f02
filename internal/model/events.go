package model

import "github.com/fleetwatch/telemetry/internal/tstamp"

// LocationUpdate is the internal-bus event emitted for every LIVE accept
// in the Ingestion Path. It carries just enough of the report for the
// Fan-out Hub to route and render it without a second database read.
type LocationUpdate struct {
	DeviceID      string
	DeviceTS      tstamp.T
	Lat           float64
	Lon           float64
	Speed         float64
	Course        string
	Ignition      Ignition
	VehicleStatus VehicleStatus
	Owner         OwnerChain
}

// PanicAlert is the internal-bus event emitted whenever an accepted
// report carries panic=true, regardless of LIVE/HISTORY status.
type PanicAlert struct {
	DeviceID string
	DeviceTS tstamp.T
	Lat      float64
	Lon      float64
	Owner    OwnerChain
}
