package hub

import (
	"time"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/model"
)

// Event is a single named frame delivered to subscribers.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

const (
	EventConnected         = "connected"
	EventLocationUpdate    = "locationUpdate"
	EventStateChange       = "stateChange"
	EventRouteETAUpdate    = "routeEtaUpdate"
	EventAnnouncement      = "announcement"
	EventSubscriptionAck   = "subscribed"
	EventSubscriptionError = "subscriptionError"
)

type LocationUpdate struct {
	VehicleID string    `json:"vehicleId"`
	RouteID   string    `json:"routeId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedKmh  float64   `json:"speedKmh"`
	Timestamp time.Time `json:"timestamp"`
}

type StateChange struct {
	VehicleID     string       `json:"vehicleId"`
	RouteID       string       `json:"routeId"`
	PreviousState model.Status `json:"previousState"`
	CurrentState  model.Status `json:"currentState"`
	AutoUpdate    bool         `json:"autoUpdate,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

type RouteETAUpdate struct {
	VehicleID string        `json:"vehicleId"`
	Etas      []eta.StopETA `json:"etas"`
}

type Announcement struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type Connected struct {
	Message string `json:"message"`
}

type SubscriptionAck struct {
	Topic string `json:"topic"`
}

type SubscriptionError struct {
	Message string `json:"message"`
}
