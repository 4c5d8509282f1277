package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/model"
	"fleet-tracker/internal/storage"
)

// UserResolver maps a presented credential to a subject id. Auth
// itself lives outside the tracking engine; a nil resolver makes every
// connection anonymous.
type UserResolver interface {
	Resolve(token string) (string, error)
}

// StaticResolver resolves tokens from a fixed table. Stands in for the
// platform auth service in development and tests.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(token string) (string, error) {
	if subject, ok := r[token]; ok {
		return subject, nil
	}
	return "", errors.New("unknown token")
}

type Server struct {
	engine   *engine.Engine
	hub      *hub.Hub
	resolver UserResolver
	upgrader websocket.Upgrader
}

func New(eng *engine.Engine, h *hub.Hub, resolver UserResolver, corsOrigin string) http.Handler {
	s := &Server{
		engine:   eng,
		hub:      h,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: corsOrigin != "*",
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)
	r.Patch("/driver/location", s.handleDriverLocation)

	r.Route("/simulator", func(r chi.Router) {
		r.Post("/start", s.handleSimStart)
		r.Post("/stop", s.handleSimStop)
		r.Get("/status", s.handleSimStatus)
		r.Post("/vehicles/{id}/add", s.handleSimAddVehicle)
		r.Post("/vehicles/{id}/remove", s.handleSimRemoveVehicle)
	})

	r.Post("/announcements", s.handleAnnouncement)

	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"status":    "UP",
		"timestamp": time.Now().Format(time.RFC3339),
	}})
}

// token pulls the credential from the Authorization header or, for
// websocket clients that cannot set headers, the token query param.
func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// resolveUser is the permissive auth variant: a bad or missing
// credential yields an anonymous connection instead of a rejection.
func (s *Server) resolveUser(r *http.Request) string {
	t := token(r)
	if t == "" || s.resolver == nil {
		return ""
	}
	userID, err := s.resolver.Resolve(t)
	if err != nil {
		log.Debug().Err(err).Msg("credential rejected, continuing anonymous")
		return ""
	}
	return userID
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := s.resolveUser(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSClient(uuid.NewString(), userID, conn)
	s.hub.Register(c)
	go c.writePump()
	go c.readPump(s.hub)
}

type driverLocationRequest struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	SpeedKmh  float64 `json:"speedKmh"`
	Source    string  `json:"source"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := s.resolveUser(r)
	if driverID == "" {
		writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Message: "authentication required"})
		return
	}

	var req driverLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "vehicleId, lat and lng are required"})
		return
	}

	v, err := s.engine.HandleReport(r.Context(), engine.Report{
		DriverID:  driverID,
		VehicleID: req.VehicleID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		SpeedKmh:  req.SpeedKmh,
		Source:    model.SampleSource(req.Source),
	})
	switch {
	case errors.Is(err, storage.ErrVehicleNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Message: "vehicle not found"})
	case errors.Is(err, engine.ErrNotVehicleDriver):
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Message: "this vehicle is not assigned to you"})
	case err != nil:
		log.Error().Err(err).Str("vehicle", req.VehicleID).Msg("driver location update failed")
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: "location update failed"})
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: v})
	}
}

func (s *Server) handleSimStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "simulation started", Data: s.engine.Status()})
}

func (s *Server) handleSimStop(w http.ResponseWriter, _ *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "simulation stopped", Data: s.engine.Status()})
}

func (s *Server) handleSimStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.engine.Status()})
}

func (s *Server) handleSimAddVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.AddVehicle(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrVehicleNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Message: "vehicle not found"})
	case errors.Is(err, engine.ErrNotRunning):
		writeJSON(w, http.StatusConflict, envelope{Success: false, Message: "simulation not running"})
	case errors.Is(err, engine.ErrRouteNotSimulable):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Message: "vehicle cannot be simulated"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "vehicle added", Data: s.engine.Status()})
	}
}

func (s *Server) handleSimRemoveVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.RemoveVehicle(id) {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Message: "vehicle was not simulated"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "vehicle removed", Data: s.engine.Status()})
}

type announcementRequest struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req announcementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "title and message are required"})
		return
	}
	if req.Severity == "" {
		req.Severity = "info"
	}
	s.hub.BroadcastAll(req.Title, req.Message, req.Severity)
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "announcement broadcast"})
}
