package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

// errActorStopped answers reports that were queued on an actor that
// shut down before serving them; the engine retries those against the
// store directly.
var errActorStopped = errors.New("vehicle actor stopped")

type cmdKind int

const (
	cmdTick cmdKind = iota
	cmdReport
)

type command struct {
	kind   cmdKind
	tickWG interface{ Done() }
	report *Report
	reply  chan<- reportResult
}

type reportResult struct {
	vehicle model.Vehicle
	err     error
}

// vehicleState is the in-memory simulation state of one vehicle. It is
// only ever touched by the owning actor goroutine.
type vehicleState struct {
	id        string
	name      string
	routeID   string
	driverID  string
	stops     []model.Stop
	curIdx    int
	nextIdx   int
	lat       float64
	lng       float64
	speedKmh  float64
	direction model.Direction
	updatedAt time.Time
}

// actor serializes all mutations of one vehicle: simulation ticks and
// reported updates go through the same queue, so neither can clobber
// the other's write.
type actor struct {
	cmds   chan command
	cancel context.CancelFunc
	state  *vehicleState

	mu      sync.Mutex
	stopped bool
}

func newActor(v *model.Vehicle) *actor {
	stops := v.Route.Stops

	curIdx := 0
	for i, s := range stops {
		if s.ID == v.CurrentStopID {
			curIdx = i
			break
		}
	}

	direction := v.Direction
	if direction != model.DirectionForward && direction != model.DirectionBackward {
		direction = model.DirectionForward
	}

	lat, lng := v.Lat, v.Lng
	if lat == 0 && lng == 0 {
		lat, lng = stops[curIdx].Lat, stops[curIdx].Lng
	}

	st := &vehicleState{
		id:        v.ID,
		name:      v.Name,
		routeID:   v.RouteID,
		driverID:  v.DriverID,
		stops:     stops,
		curIdx:    curIdx,
		lat:       lat,
		lng:       lng,
		speedKmh:  25 + rand.Float64()*15,
		direction: direction,
		updatedAt: time.Now(),
	}
	st.nextIdx = st.followingIdx(curIdx)

	return &actor{
		cmds:  make(chan command, 8),
		state: st,
	}
}

// offer queues a command unless the actor has shut down or its queue
// is full. The mutex pairs with shutdown marking stopped before the
// final drain, so every accepted command is eventually serviced.
func (a *actor) offer(cmd command) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	select {
	case a.cmds <- cmd:
		return true
	default:
		return false
	}
}

func (a *actor) loop(ctx context.Context, e *Engine) {
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			switch cmd.kind {
			case cmdTick:
				a.step(ctx, e)
				cmd.tickWG.Done()
			case cmdReport:
				cmd.reply <- a.applyReport(ctx, e, *cmd.report)
			}
		}
	}
}

// shutdown rejects further commands and unblocks every producer that
// already queued one: pending ticks are acknowledged so tickAll's join
// cannot wedge, pending reports are answered with errActorStopped.
func (a *actor) shutdown() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	for {
		select {
		case cmd := <-a.cmds:
			switch cmd.kind {
			case cmdTick:
				cmd.tickWG.Done()
			case cmdReport:
				cmd.reply <- reportResult{err: errActorStopped}
			}
		default:
			return
		}
	}
}

// step advances the vehicle toward its next stop by one tick worth of
// travel. Reaching a stop snaps onto its coordinates and advances the
// stop pointers; reaching either route end reverses direction so the
// vehicle oscillates along the stop sequence forever.
func (a *actor) step(ctx context.Context, e *Engine) {
	st := a.state
	target := st.stops[st.nextIdx]

	distanceRemaining := geo.Distance(st.lat, st.lng, target.Lat, target.Lng)
	stepMeters := st.speedKmh / 3.6 * e.tickInterval.Seconds()
	now := time.Now()

	if distanceRemaining <= stepMeters {
		st.lat, st.lng = target.Lat, target.Lng
		st.advanceStop()
		st.speedKmh = 0
		e.persistStops(ctx, st.id, st.stops[st.curIdx].ID, st.stops[st.nextIdx].ID)
	} else {
		ratio := stepMeters / distanceRemaining
		st.lat += (target.Lat - st.lat) * ratio
		st.lng += (target.Lng - st.lng) * ratio
		st.speedKmh = jitterSpeed(st.speedKmh)
	}
	st.updatedAt = now

	e.persistPosition(ctx, st.id, st.lat, st.lng, st.speedKmh, now)
	e.evaluateAndPublish(ctx, st.id, st.routeID, st.lat, st.lng, st.speedKmh, now, st.remainingStops())
}

// applyReport overwrites the simulated position with a driver report.
// No interpolation; the report wins.
func (a *actor) applyReport(ctx context.Context, e *Engine, r Report) reportResult {
	st := a.state
	now := time.Now()

	st.lat, st.lng = r.Lat, r.Lng
	st.speedKmh = r.SpeedKmh
	st.updatedAt = now

	e.persistPosition(ctx, st.id, st.lat, st.lng, st.speedKmh, now)
	e.appendSample(ctx, r, now)
	e.evaluateAndPublish(ctx, st.id, st.routeID, st.lat, st.lng, st.speedKmh, now, st.remainingStops())

	return reportResult{vehicle: st.snapshot()}
}

func (st *vehicleState) dirStep() int {
	if st.direction == model.DirectionBackward {
		return -1
	}
	return 1
}

// followingIdx returns the stop after idx in the current direction,
// reversing direction when idx is at either end of the sequence.
func (st *vehicleState) followingIdx(idx int) int {
	next := idx + st.dirStep()
	if next < 0 || next >= len(st.stops) {
		st.direction = st.direction.Reverse()
		next = idx + st.dirStep()
	}
	return next
}

func (st *vehicleState) advanceStop() {
	st.curIdx = st.nextIdx
	st.nextIdx = st.followingIdx(st.curIdx)
}

// remainingStops lists the stops still ahead in the current direction,
// starting with the next stop.
func (st *vehicleState) remainingStops() []model.Stop {
	if st.direction == model.DirectionBackward {
		out := make([]model.Stop, 0, st.nextIdx+1)
		for i := st.nextIdx; i >= 0; i-- {
			out = append(out, st.stops[i])
		}
		return out
	}
	out := make([]model.Stop, len(st.stops)-st.nextIdx)
	copy(out, st.stops[st.nextIdx:])
	return out
}

func (st *vehicleState) snapshot() model.Vehicle {
	return model.Vehicle{
		ID:            st.id,
		Name:          st.name,
		RouteID:       st.routeID,
		DriverID:      st.driverID,
		Lat:           st.lat,
		Lng:           st.lng,
		SpeedKmh:      st.speedKmh,
		Direction:     st.direction,
		CurrentStopID: st.stops[st.curIdx].ID,
		NextStopID:    st.stops[st.nextIdx].ID,
		LastUpdate:    st.updatedAt,
	}
}
