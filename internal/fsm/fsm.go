package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/model"
	"fleet-tracker/internal/storage"
)

// validTransitions maps each status to the set of statuses it may move
// to. Self-transitions are always permitted and refresh the timestamp
// only.
var validTransitions = map[model.Status][]model.Status{
	model.StatusIdle:        {model.StatusMoving, model.StatusOffline, model.StatusMaintenance},
	model.StatusMoving:      {model.StatusArrived, model.StatusIdle, model.StatusOffline},
	model.StatusArrived:     {model.StatusMoving, model.StatusIdle, model.StatusOffline},
	model.StatusOffline:     {model.StatusIdle, model.StatusMaintenance},
	model.StatusMaintenance: {model.StatusIdle, model.StatusOffline},
}

// speedThresholdKmh separates "moving" from "stopped" for automatic
// evaluation. Coarse on purpose: there is no geofencing against the
// next stop, so the automatic path never produces "arrived".
const speedThresholdKmh = 5

// Context carries metadata about why a transition was requested.
type Context struct {
	AutoUpdate bool
	SpeedKmh   float64
	Reason     string
}

// Result describes the outcome of a transition attempt. A rejected
// transition is a normal result, not an error; errors are reserved for
// storage failures.
type Result struct {
	Allowed       bool
	Changed       bool
	Message       string
	PreviousState model.Status
	CurrentState  model.Status
}

// Broadcaster is the slice of the hub the state machine needs.
type Broadcaster interface {
	PublishStateChange(sc hub.StateChange)
}

// Metrics is implemented by the prometheus collector.
type Metrics interface {
	TransitionInc(accepted bool)
}

// Machine validates and applies vehicle status transitions.
type Machine struct {
	store     storage.Store
	broadcast Broadcaster
	metrics   Metrics
}

func New(store storage.Store, broadcast Broadcaster, m Metrics) *Machine {
	return &Machine{store: store, broadcast: broadcast, metrics: m}
}

func allowed(from, to model.Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves a vehicle to a new status if the transition table
// permits it. The stored status is only written after validation
// passes.
func (m *Machine) Transition(ctx context.Context, vehicleID string, next model.Status, tc Context) (Result, error) {
	if !next.Valid() {
		return Result{
			Allowed: false,
			Message: fmt.Sprintf("unknown status %q", next),
		}, nil
	}

	v, err := m.store.LoadVehicle(ctx, vehicleID)
	if err != nil {
		return Result{}, err
	}
	current := v.Status

	if !allowed(current, next) {
		if m.metrics != nil {
			m.metrics.TransitionInc(false)
		}
		msg := fmt.Sprintf("invalid state transition for vehicle %s: %s -> %s", v.Name, current, next)
		log.Warn().Str("vehicle", vehicleID).Str("from", string(current)).Str("to", string(next)).Msg("transition rejected")
		return Result{
			Allowed:       false,
			Message:       msg,
			PreviousState: current,
			CurrentState:  current,
		}, nil
	}

	now := time.Now()
	if err := m.store.SaveVehicleStatus(ctx, vehicleID, next, now); err != nil {
		return Result{}, fmt.Errorf("save status for vehicle %s: %w", vehicleID, err)
	}

	if current == next {
		// Timestamp refresh only; nothing to announce.
		return Result{
			Allowed:       true,
			Changed:       false,
			Message:       "status unchanged",
			PreviousState: current,
			CurrentState:  next,
		}, nil
	}

	if m.metrics != nil {
		m.metrics.TransitionInc(true)
	}
	log.Info().Str("vehicle", vehicleID).Str("from", string(current)).Str("to", string(next)).Bool("auto", tc.AutoUpdate).Msg("status changed")

	if m.broadcast != nil {
		m.broadcast.PublishStateChange(hub.StateChange{
			VehicleID:     vehicleID,
			RouteID:       v.RouteID,
			PreviousState: current,
			CurrentState:  next,
			AutoUpdate:    tc.AutoUpdate,
			Timestamp:     now,
		})
	}

	return Result{
		Allowed:       true,
		Changed:       true,
		Message:       "status transitioned",
		PreviousState: current,
		CurrentState:  next,
	}, nil
}

// AutoEvaluate derives a candidate status from the reported speed and
// applies it when it differs from the current one. Speed above the
// threshold while idle or arrived proposes moving; speed at or below
// it while moving proposes idle.
func (m *Machine) AutoEvaluate(ctx context.Context, vehicleID string, speedKmh float64) (Result, error) {
	v, err := m.store.LoadVehicle(ctx, vehicleID)
	if err != nil {
		return Result{}, err
	}

	var candidate model.Status
	switch {
	case speedKmh > speedThresholdKmh && (v.Status == model.StatusIdle || v.Status == model.StatusArrived):
		candidate = model.StatusMoving
	case speedKmh <= speedThresholdKmh && v.Status == model.StatusMoving:
		candidate = model.StatusIdle
	}

	if candidate == "" || candidate == v.Status {
		return Result{
			Allowed:       true,
			Changed:       false,
			Message:       "no change required",
			PreviousState: v.Status,
			CurrentState:  v.Status,
		}, nil
	}

	return m.Transition(ctx, vehicleID, candidate, Context{AutoUpdate: true, SpeedKmh: speedKmh})
}
