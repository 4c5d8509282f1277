package storage

import (
	"context"
	"errors"
	"time"

	"fleet-tracker/internal/model"
)

var (
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrRouteNotFound   = errors.New("route not found")
)

// Store is the persistence boundary of the tracking engine. The engine
// is the owner of a vehicle's live state; the store is the system of
// record behind it.
type Store interface {
	// LoadTrackableVehicles returns every vehicle eligible for
	// tracking, with its route and ordered stops populated.
	LoadTrackableVehicles(ctx context.Context) ([]model.Vehicle, error)
	LoadVehicle(ctx context.Context, id string) (model.Vehicle, error)
	LoadRoute(ctx context.Context, id string) (model.Route, error)

	SaveVehiclePosition(ctx context.Context, id string, lat, lng, speedKmh float64, ts time.Time) error
	SaveVehicleStops(ctx context.Context, id, currentStopID, nextStopID string) error
	SaveVehicleStatus(ctx context.Context, id string, status model.Status, ts time.Time) error
	AppendLocationSample(ctx context.Context, sample model.LocationSample) error
}
