package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fsm"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/model"
	"fleet-tracker/internal/storage"
)

var (
	ErrNotRunning        = errors.New("simulation not running")
	ErrNotVehicleDriver  = errors.New("vehicle is not assigned to this driver")
	ErrRouteNotSimulable = errors.New("route not simulable")
)

// Broadcaster is the slice of the hub the engine publishes through.
type Broadcaster interface {
	PublishLocation(loc hub.LocationUpdate, etas hub.RouteETAUpdate)
}

// Metrics is the slice of the collector the engine reports to.
type Metrics interface {
	TrackedVehiclesSet(n int)
	VehicleAddedInc()
	VehicleSkippedInc(reason string)
	TickObserve(d time.Duration)
	StorageWriteErrInc()
}

// Report is a driver-originated position update. The caller identity
// must already be authenticated; the engine only verifies the driver
// is assigned to the vehicle.
type Report struct {
	DriverID  string
	VehicleID string
	Lat       float64
	Lng       float64
	SpeedKmh  float64
	Source    model.SampleSource
}

// Engine advances simulated vehicle positions on a fixed tick and
// ingests reported positions. Every mutation of one vehicle funnels
// through that vehicle's actor goroutine, so ticks and reports for the
// same vehicle never race.
type Engine struct {
	store     storage.Store
	machine   *fsm.Machine
	broadcast Broadcaster
	metrics   Metrics

	tickInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	runCtx  context.Context
	actors  map[string]*actor
	wg      sync.WaitGroup
}

// Status is the administrative view of the running simulation.
type Status struct {
	Running      bool     `json:"running"`
	TickSeconds  float64  `json:"tickSeconds"`
	VehicleCount int      `json:"vehicleCount"`
	VehicleIDs   []string `json:"vehicleIds"`
}

func New(store storage.Store, machine *fsm.Machine, broadcast Broadcaster, m Metrics, tickInterval time.Duration) *Engine {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Engine{
		store:        store,
		machine:      machine,
		broadcast:    broadcast,
		metrics:      m,
		tickInterval: tickInterval,
		actors:       make(map[string]*actor),
	}
}

// Start loads every trackable vehicle, spawns its actor and begins the
// tick loop. The run context detaches from the caller's, so a
// request-scoped context cannot tear the simulation down after the
// handler returns. Calling Start while running is a warning, not an
// error.
func (e *Engine) Start(ctx context.Context) error {
	// running flips before the load so a concurrent Start cannot spawn
	// a second actor set.
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		log.Warn().Msg("simulation already running")
		return nil
	}
	e.running = true
	e.mu.Unlock()

	vehicles, err := e.store.LoadTrackableVehicles(ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	if !e.running {
		// Stop won the race during the load; nothing was spawned yet.
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.cancel = cancel
	e.runCtx = runCtx
	for i := range vehicles {
		e.spawnLocked(runCtx, &vehicles[i])
	}
	count := len(e.actors)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx)

	log.Info().Int("vehicles", count).Dur("interval", e.tickInterval).Msg("simulation started")
	return nil
}

// Stop cancels the tick loop and drops all in-memory vehicle state.
// Persisted rows are untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	// cancel is nil when Stop interrupts a Start that is still loading.
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.actors = make(map[string]*actor)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TrackedVehiclesSet(0)
	}
	log.Info().Msg("simulation stopped")
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	return Status{
		Running:      e.running,
		TickSeconds:  e.tickInterval.Seconds(),
		VehicleCount: len(ids),
		VehicleIDs:   ids,
	}
}

// AddVehicle pulls one vehicle into the running simulation without a
// restart.
func (e *Engine) AddVehicle(ctx context.Context, vehicleID string) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := e.actors[vehicleID]; exists {
		e.mu.Unlock()
		log.Warn().Str("vehicle", vehicleID).Msg("vehicle already simulated")
		return nil
	}
	e.mu.Unlock()

	v, err := e.store.LoadVehicle(ctx, vehicleID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.VehicleSkippedInc("not_found")
		}
		return err
	}
	if v.Route == nil && v.RouteID != "" {
		route, err := e.store.LoadRoute(ctx, v.RouteID)
		if err != nil {
			return err
		}
		v.Route = &route
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if !e.spawnLocked(e.runCtx, &v) {
		return ErrRouteNotSimulable
	}
	log.Info().Str("vehicle", vehicleID).Msg("vehicle added to simulation")
	return nil
}

// RemoveVehicle drops one vehicle from the running simulation.
func (e *Engine) RemoveVehicle(vehicleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[vehicleID]
	if !ok {
		log.Warn().Str("vehicle", vehicleID).Msg("vehicle was not simulated")
		return false
	}
	a.cancel()
	delete(e.actors, vehicleID)
	if e.metrics != nil {
		e.metrics.TrackedVehiclesSet(len(e.actors))
	}
	log.Info().Str("vehicle", vehicleID).Msg("vehicle removed from simulation")
	return true
}

// spawnLocked validates a vehicle for simulation and starts its actor.
// Vehicles without a simulable route or an assigned driver are logged
// and skipped, never treated as errors.
func (e *Engine) spawnLocked(ctx context.Context, v *model.Vehicle) bool {
	reason := ""
	switch {
	case v.Route == nil || v.RouteID == "":
		reason = "no_route"
	case !v.Route.Simulable():
		reason = "short_route"
	case v.DriverID == "":
		reason = "no_driver"
	}
	if reason != "" {
		if e.metrics != nil {
			e.metrics.VehicleSkippedInc(reason)
		}
		log.Info().Str("vehicle", v.ID).Str("reason", reason).Msg("vehicle excluded from simulation")
		return false
	}

	a := newActor(v)
	actorCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	e.actors[v.ID] = a
	if e.metrics != nil {
		e.metrics.VehicleAddedInc()
		e.metrics.TrackedVehiclesSet(len(e.actors))
	}
	go a.loop(actorCtx, e)
	return true
}

func (e *Engine) persistStops(ctx context.Context, id, currentStopID, nextStopID string) {
	if err := e.store.SaveVehicleStops(ctx, id, currentStopID, nextStopID); err != nil {
		if e.metrics != nil {
			e.metrics.StorageWriteErrInc()
		}
		log.Error().Err(err).Str("vehicle", id).Msg("stop pointer write failed")
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			e.tickAll()
			if e.metrics != nil {
				e.metrics.TickObserve(time.Since(start))
			}
		}
	}
}

// tickAll dispatches one tick to every actor and joins them before
// returning, so a tick never overlaps itself for the same vehicle. An
// actor with a full queue skips this tick.
func (e *Engine) tickAll() {
	e.mu.Lock()
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		if !a.offer(command{kind: cmdTick, tickWG: &wg}) {
			wg.Done()
		}
	}
	wg.Wait()
}

// HandleReport validates and applies a driver-originated position
// update. The ownership check runs strictly before any mutation. If
// the vehicle is currently simulated the update serializes through its
// actor; otherwise it is applied directly against the store.
func (e *Engine) HandleReport(ctx context.Context, r Report) (model.Vehicle, error) {
	v, err := e.store.LoadVehicle(ctx, r.VehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}
	if v.DriverID == "" || v.DriverID != r.DriverID {
		return model.Vehicle{}, ErrNotVehicleDriver
	}
	if r.Source == "" {
		r.Source = model.SourceGPS
	}

	e.mu.Lock()
	a, simulated := e.actors[r.VehicleID]
	e.mu.Unlock()

	if simulated {
		reply := make(chan reportResult, 1)
		if a.offer(command{kind: cmdReport, report: &r, reply: reply}) {
			select {
			case res := <-reply:
				if !errors.Is(res.err, errActorStopped) {
					return res.vehicle, res.err
				}
			case <-ctx.Done():
				return model.Vehicle{}, ctx.Err()
			}
		}
		// Actor gone or its queue saturated; apply through the store
		// path below instead of losing the report.
	}

	// Not simulated: apply directly. Route may be missing; ETAs then
	// cover whatever stops the route load yields.
	now := time.Now()
	v.Lat, v.Lng, v.SpeedKmh, v.LastUpdate = r.Lat, r.Lng, r.SpeedKmh, now
	e.persistPosition(ctx, v.ID, r.Lat, r.Lng, r.SpeedKmh, now)
	e.appendSample(ctx, r, now)

	var stops []model.Stop
	if v.RouteID != "" {
		if route, err := e.store.LoadRoute(ctx, v.RouteID); err == nil {
			stops = route.Stops
		} else {
			log.Warn().Err(err).Str("route", v.RouteID).Msg("route load failed for report")
		}
	}
	e.evaluateAndPublish(ctx, v.ID, v.RouteID, r.Lat, r.Lng, r.SpeedKmh, now, stops)
	return v, nil
}

func (e *Engine) persistPosition(ctx context.Context, id string, lat, lng, speed float64, ts time.Time) {
	if err := e.store.SaveVehiclePosition(ctx, id, lat, lng, speed, ts); err != nil {
		// In-memory state keeps advancing so position continuity
		// survives a lagging store.
		if e.metrics != nil {
			e.metrics.StorageWriteErrInc()
		}
		log.Error().Err(err).Str("vehicle", id).Msg("position write failed")
	}
}

func (e *Engine) appendSample(ctx context.Context, r Report, ts time.Time) {
	err := e.store.AppendLocationSample(ctx, model.LocationSample{
		VehicleID: r.VehicleID,
		Lat:       r.Lat,
		Lng:       r.Lng,
		SpeedKmh:  r.SpeedKmh,
		Source:    r.Source,
		Timestamp: ts,
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.StorageWriteErrInc()
		}
		log.Error().Err(err).Str("vehicle", r.VehicleID).Msg("location sample write failed")
	}
}

// evaluateAndPublish runs the tail both update paths share: status
// auto-evaluation, route ETA recomputation and event fan-out.
func (e *Engine) evaluateAndPublish(ctx context.Context, vehicleID, routeID string, lat, lng, speed float64, ts time.Time, remaining []model.Stop) {
	if e.machine != nil {
		if _, err := e.machine.AutoEvaluate(ctx, vehicleID, speed); err != nil {
			log.Warn().Err(err).Str("vehicle", vehicleID).Msg("auto state evaluation failed")
		}
	}

	if e.broadcast == nil {
		log.Warn().Str("vehicle", vehicleID).Msg("broadcast hub not wired, dropping update")
		return
	}

	pos := eta.Position{Lat: lat, Lng: lng, SpeedKmh: speed, LastUpdated: ts}
	etas := eta.RouteETAs(pos, remaining, ts)

	e.broadcast.PublishLocation(hub.LocationUpdate{
		VehicleID: vehicleID,
		RouteID:   routeID,
		Lat:       lat,
		Lng:       lng,
		SpeedKmh:  math.Round(speed),
		Timestamp: ts,
	}, hub.RouteETAUpdate{VehicleID: vehicleID, Etas: etas})
}

func jitterSpeed(speedKmh float64) float64 {
	return math.Max(10, speedKmh+(rand.Float64()-0.5)*5)
}
