package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleet-tracker/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres implements Store on top of database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

const vehicleColumns = `id, name, capacity, route_id, COALESCE(driver_id, ''),
	COALESCE(lat, 0), COALESCE(lng, 0), COALESCE(speed_kmh, 0),
	status, direction, COALESCE(current_stop_id, ''), COALESCE(next_stop_id, ''),
	COALESCE(last_update, 'epoch'::timestamptz)`

func scanVehicle(row interface{ Scan(...any) error }) (model.Vehicle, error) {
	var v model.Vehicle
	err := row.Scan(&v.ID, &v.Name, &v.Capacity, &v.RouteID, &v.DriverID,
		&v.Lat, &v.Lng, &v.SpeedKmh, &v.Status, &v.Direction,
		&v.CurrentStopID, &v.NextStopID, &v.LastUpdate)
	return v, err
}

// LoadTrackableVehicles returns vehicles flagged for tracking that are
// in a simulable status, each with its route and ordered stops.
func (p *Postgres) LoadTrackableVehicles(ctx context.Context) ([]model.Vehicle, error) {
	q := fmt.Sprintf(`SELECT %s FROM vehicles
		WHERE tracked AND status IN ('idle', 'moving', 'arrived')
		ORDER BY id`, vehicleColumns)
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query trackable vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range vehicles {
		if vehicles[i].RouteID == "" {
			continue
		}
		route, err := p.LoadRoute(ctx, vehicles[i].RouteID)
		if err != nil {
			return nil, err
		}
		vehicles[i].Route = &route
	}
	return vehicles, nil
}

func (p *Postgres) LoadVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	q := fmt.Sprintf(`SELECT %s FROM vehicles WHERE id = $1`, vehicleColumns)
	v, err := scanVehicle(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrVehicleNotFound
	}
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("query vehicle %s: %w", id, err)
	}
	return v, nil
}

func (p *Postgres) LoadRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name FROM routes WHERE id = $1`, id).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrRouteNotFound
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("query route %s: %w", id, err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, lat, lng, stop_order, route_id
		 FROM stops WHERE route_id = $1 ORDER BY stop_order ASC`, id)
	if err != nil {
		return model.Route{}, fmt.Errorf("query stops for route %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lng, &s.Order, &s.RouteID); err != nil {
			return model.Route{}, err
		}
		r.Stops = append(r.Stops, s)
	}
	return r, rows.Err()
}

func (p *Postgres) SaveVehiclePosition(ctx context.Context, id string, lat, lng, speedKmh float64, ts time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE vehicles SET lat = $2, lng = $3, speed_kmh = $4, last_update = $5 WHERE id = $1`,
		id, lat, lng, speedKmh, ts)
	return err
}

func (p *Postgres) SaveVehicleStatus(ctx context.Context, id string, status model.Status, ts time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE vehicles SET status = $2, last_update = $3 WHERE id = $1`,
		id, status, ts)
	return err
}

func (p *Postgres) AppendLocationSample(ctx context.Context, sample model.LocationSample) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO location_samples (vehicle_id, lat, lng, speed_kmh, source, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.VehicleID, sample.Lat, sample.Lng, sample.SpeedKmh, sample.Source, sample.Timestamp)
	return err
}

// SaveVehicleStops records the simulator's current/next stop pointers
// so a restart resumes from the last known leg.
func (p *Postgres) SaveVehicleStops(ctx context.Context, id, currentStopID, nextStopID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE vehicles SET current_stop_id = $2, next_stop_id = $3 WHERE id = $1`,
		id, currentStopID, nextStopID)
	return err
}
