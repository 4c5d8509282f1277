package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Conn is one subscriber connection. Send must not block; transports
// are expected to buffer and drop frames for slow consumers.
type Conn interface {
	ID() string
	UserID() string // empty for anonymous connections
	Send(ev Event)
}

// Egress mirrors topic events to an external message bus so other
// services can consume them. Delivery is best effort.
type Egress interface {
	Publish(topic string, ev Event) error
}

// Metrics is the subset of the collector the hub reports to.
type Metrics interface {
	ConnectionsSet(n int)
	EventsDeliveredAdd(n int)
	EgressErrInc()
}

// Hub fans events out to topic-scoped subscribers. Topics are
// "vehicle:<id>", "route:<id>" and "user:<id>"; subscriptions are
// connection-scoped and die with the connection.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[Conn]struct{}
	conns  map[Conn]map[string]struct{}
	users  map[string]Conn

	egress  Egress
	metrics Metrics
}

func New(egress Egress, m Metrics) *Hub {
	return &Hub{
		topics:  make(map[string]map[Conn]struct{}),
		conns:   make(map[Conn]map[string]struct{}),
		users:   make(map[string]Conn),
		egress:  egress,
		metrics: m,
	}
}

// ValidTopic reports whether a topic identifier is well formed.
func ValidTopic(topic string) bool {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return false
	}
	switch kind {
	case "vehicle", "route", "user":
		return true
	}
	return false
}

func VehicleTopic(vehicleID string) string { return "vehicle:" + vehicleID }
func RouteTopic(routeID string) string     { return "route:" + routeID }
func UserTopic(userID string) string       { return "user:" + userID }

// Register adds a connection and greets it. An authenticated
// connection becomes the direct-delivery target for its user.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c] = make(map[string]struct{})
	if uid := c.UserID(); uid != "" {
		h.users[uid] = c
	}
	n := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsSet(n)
	}
	log.Info().Str("conn", c.ID()).Str("user", c.UserID()).Msg("client connected")
	c.Send(Event{Name: EventConnected, Data: Connected{Message: "Connected to fleet tracking service."}})
}

// Unregister tears down a connection's subscriptions.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	for topic := range h.conns[c] {
		delete(h.topics[topic], c)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(h.conns, c)
	if uid := c.UserID(); uid != "" && h.users[uid] == c {
		delete(h.users, uid)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsSet(n)
	}
	log.Info().Str("conn", c.ID()).Msg("client disconnected")
}

// Subscribe joins a connection to a topic. Idempotent; joining twice
// yields a single membership. A user topic is only joinable by the
// connection authenticated as that user.
func (h *Hub) Subscribe(c Conn, topic string) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if id, ok := strings.CutPrefix(topic, "user:"); ok && id != c.UserID() {
		return fmt.Errorf("%w: topic %q requires authentication", ErrUnauthenticated, topic)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, known := h.conns[c]; !known {
		return nil // connection already gone
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[Conn]struct{})
	}
	h.topics[topic][c] = struct{}{}
	h.conns[c][topic] = struct{}{}
	return nil
}

// Unsubscribe removes a topic membership. Unknown memberships are a
// no-op.
func (h *Hub) Unsubscribe(c Conn, topic string) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[topic], c)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
	delete(h.conns[c], topic)
	return nil
}

func (h *Hub) publish(topic string, ev Event) {
	h.mu.Lock()
	subscribers := make([]Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()

	for _, c := range subscribers {
		c.Send(ev)
	}
	if h.metrics != nil {
		h.metrics.EventsDeliveredAdd(len(subscribers))
	}

	if h.egress != nil {
		if err := h.egress.Publish(topic, ev); err != nil {
			if h.metrics != nil {
				h.metrics.EgressErrInc()
			}
			log.Warn().Err(err).Str("topic", topic).Str("event", ev.Name).Msg("egress publish failed")
		}
	}
}

// PublishLocation delivers a location update to the vehicle and route
// topics, followed by the recomputed route-wide ETA list on the route
// topic.
func (h *Hub) PublishLocation(loc LocationUpdate, etas RouteETAUpdate) {
	ev := Event{Name: EventLocationUpdate, Data: loc}
	h.publish(VehicleTopic(loc.VehicleID), ev)
	h.publish(RouteTopic(loc.RouteID), ev)

	if len(etas.Etas) > 0 {
		h.publish(RouteTopic(loc.RouteID), Event{Name: EventRouteETAUpdate, Data: etas})
	}
}

// PublishStateChange delivers a status transition to the vehicle and
// route topics.
func (h *Hub) PublishStateChange(sc StateChange) {
	ev := Event{Name: EventStateChange, Data: sc}
	h.publish(VehicleTopic(sc.VehicleID), ev)
	if sc.RouteID != "" {
		h.publish(RouteTopic(sc.RouteID), ev)
	}
}

// NotifyUser delivers an event directly to a user's active connection.
// Best effort: no connection, no delivery, no queueing.
func (h *Hub) NotifyUser(userID, event string, payload any) bool {
	h.mu.Lock()
	c, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.Send(Event{Name: event, Data: payload})
	return true
}

// BroadcastAll sends an announcement to every connected client
// regardless of topic membership.
func (h *Hub) BroadcastAll(title, message, severity string) {
	ev := Event{Name: EventAnnouncement, Data: Announcement{
		Title:     title,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	}}

	h.mu.Lock()
	all := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Send(ev)
	}
	if h.metrics != nil {
		h.metrics.EventsDeliveredAdd(len(all))
	}
	log.Info().Str("title", title).Int("clients", len(all)).Msg("announcement broadcast")
}
