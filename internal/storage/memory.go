package storage

import (
	"context"
	"sync"
	"time"

	"fleet-tracker/internal/model"
)

// Memory is an in-memory Store used by tests and local development
// without a database. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	vehicles map[string]model.Vehicle
	routes   map[string]model.Route
	samples  []model.LocationSample
}

func NewMemory() *Memory {
	return &Memory{
		vehicles: make(map[string]model.Vehicle),
		routes:   make(map[string]model.Route),
	}
}

func (m *Memory) PutRoute(r model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
}

func (m *Memory) PutVehicle(v model.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Route = nil // relations resolve through routes on load
	m.vehicles[v.ID] = v
}

// Vehicle returns the stored copy for assertions.
func (m *Memory) Vehicle(id string) (model.Vehicle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	return v, ok
}

// Samples returns a copy of all appended location samples.
func (m *Memory) Samples() []model.LocationSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LocationSample, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *Memory) LoadTrackableVehicles(_ context.Context) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Vehicle
	for _, v := range m.vehicles {
		switch v.Status {
		case model.StatusIdle, model.StatusMoving, model.StatusArrived:
		default:
			continue
		}
		if r, ok := m.routes[v.RouteID]; ok {
			route := r
			v.Route = &route
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) LoadVehicle(_ context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrVehicleNotFound
	}
	if r, ok := m.routes[v.RouteID]; ok {
		route := r
		v.Route = &route
	}
	return v, nil
}

func (m *Memory) LoadRoute(_ context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrRouteNotFound
	}
	return r, nil
}

func (m *Memory) SaveVehiclePosition(_ context.Context, id string, lat, lng, speedKmh float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrVehicleNotFound
	}
	v.Lat, v.Lng, v.SpeedKmh, v.LastUpdate = lat, lng, speedKmh, ts
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SaveVehicleStops(_ context.Context, id, currentStopID, nextStopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrVehicleNotFound
	}
	v.CurrentStopID, v.NextStopID = currentStopID, nextStopID
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SaveVehicleStatus(_ context.Context, id string, status model.Status, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrVehicleNotFound
	}
	v.Status, v.LastUpdate = status, ts
	m.vehicles[id] = v
	return nil
}

func (m *Memory) AppendLocationSample(_ context.Context, sample model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}
