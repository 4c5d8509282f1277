package model

import "time"

// Status is the operational state of a vehicle. Changes go through the
// state machine; nothing writes the field directly.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusMoving      Status = "moving"
	StatusArrived     Status = "arrived"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusMoving, StatusArrived, StatusOffline, StatusMaintenance:
		return true
	}
	return false
}

// Direction is the travel direction along the route's stop sequence.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

// Reverse flips the traversal direction. Used at both route ends so the
// oscillation rule lives in one place.
func (d Direction) Reverse() Direction {
	if d == DirectionForward {
		return DirectionBackward
	}
	return DirectionForward
}

type Stop struct {
	ID      string
	Name    string
	Lat     float64
	Lng     float64
	Order   int
	RouteID string
}

type Route struct {
	ID    string
	Name  string
	Stops []Stop // ordered by Order, strictly increasing
}

// Simulable reports whether the route has enough stops to drive a
// simulated vehicle back and forth.
func (r *Route) Simulable() bool {
	return r != nil && len(r.Stops) >= 2
}

type Vehicle struct {
	ID            string
	Name          string // fleet number
	Capacity      int
	RouteID       string
	DriverID      string // empty when unassigned
	Lat           float64
	Lng           float64
	SpeedKmh      float64
	Status        Status
	Direction     Direction
	CurrentStopID string
	NextStopID    string
	LastUpdate    time.Time

	Route *Route // populated by LoadTrackableVehicles
}

// SampleSource tags where a location sample came from.
type SampleSource string

const (
	SourceGPS       SampleSource = "gps"
	SourceManual    SampleSource = "manual"
	SourceSimulated SampleSource = "simulated"
)

// LocationSample is an immutable historical position record. Append
// only; retention is handled outside the tracking engine.
type LocationSample struct {
	VehicleID string
	Lat       float64
	Lng       float64
	SpeedKmh  float64
	Source    SampleSource
	Timestamp time.Time
}
