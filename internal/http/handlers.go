package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

// RideService is the ride lifecycle as seen by the HTTP layer.
type RideService interface {
	Create(ctx context.Context, rider *models.Actor, req rides.CreateRequest) (*models.Ride, error)
	Fare(ctx context.Context, pickup, destination string) (models.FareQuote, error)
	Confirm(ctx context.Context, rideID string, captain *models.Actor) (*models.Ride, error)
	Start(ctx context.Context, rideID, otp string, captain *models.Actor) (*models.Ride, error)
	End(ctx context.Context, rideID string, captain *models.Actor) (*models.Ride, error)
	Get(ctx context.Context, rideID string, actor *models.Actor) (*models.Ride, error)
}

type Suggester interface {
	Suggest(ctx context.Context, input string) ([]string, error)
}

type Presence interface {
	Identify(ctx context.Context, handle, identity string, role models.Role) error
	ReportLocation(ctx context.Context, identity string, loc *models.Coord) error
	Disconnect(ctx context.Context, handle string) (models.Presence, bool)
	ActiveCaptains() []models.Presence
}

// Hub owns live websocket connections.
type Hub interface {
	Add(conn *websocket.Conn) string
	Remove(handle string)
	Emit(handle, event string, payload any) error
	Len() int
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, rep models.LocationReport) error
}

type Authenticator interface {
	Verify(raw string) (models.Actor, error)
}

type Options struct {
	Rides    RideService
	Maps     Suggester
	Presence Presence
	Hub      Hub
	Auth     Authenticator
	// Locations is optional; accepted captain locations are published to it.
	Locations LocationPublisher
	// Ready is optional and backs /readyz.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	rides     RideService
	maps      Suggester
	presence  Presence
	hub       Hub
	auth      Authenticator
	locations LocationPublisher
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:     o.Rides,
		maps:      o.Maps,
		presence:  o.Presence,
		hub:       o.Hub,
		auth:      o.Auth,
		locations: o.Locations,
		ready:     o.Ready,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/rides/create", s.authenticated(s.handleCreateRide, models.RoleRider)).Methods(http.MethodPost)
	s.mux.Handle("/rides/get-fare", s.authenticated(s.handleGetFare, models.RoleRider)).Methods(http.MethodGet)
	s.mux.Handle("/rides/confirm", s.authenticated(s.handleConfirmRide, models.RoleCaptain)).Methods(http.MethodPost)
	s.mux.Handle("/rides/start-ride", s.authenticated(s.handleStartRide, models.RoleCaptain)).Methods(http.MethodGet)
	s.mux.Handle("/rides/end-ride", s.authenticated(s.handleEndRide, models.RoleCaptain)).Methods(http.MethodPost)
	s.mux.Handle("/rides/{id}", s.authenticated(s.handleGetRide)).Methods(http.MethodGet)
	s.mux.Handle("/maps/get-suggestions", s.authenticated(s.handleSuggestions)).Methods(http.MethodGet)
	s.mux.HandleFunc("/admin/active-captains", s.handleActiveCaptains).Methods(http.MethodGet)
	s.mux.Handle("/ws", s.authenticated(s.handleWS)).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideIDRequest struct {
	RideID string `json:"rideId"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	var req rides.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ride, err := s.rides.Create(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetFare(w http.ResponseWriter, r *http.Request, _ *models.Actor) {
	q := r.URL.Query()
	quote, err := s.rides.Fare(r.Context(), q.Get("pickup"), q.Get("destination"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleConfirmRide(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	var req rideIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ride, err := s.rides.Confirm(r.Context(), req.RideID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride.PublicView())
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	q := r.URL.Query()
	ride, err := s.rides.Start(r.Context(), q.Get("rideId"), q.Get("otp"), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride.PublicView())
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	var req rideIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ride, err := s.rides.End(r.Context(), req.RideID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride.PublicView())
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, _ *models.Actor) {
	out, err := s.maps.Suggest(r.Context(), r.URL.Query().Get("input"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveCaptains(w http.ResponseWriter, r *http.Request) {
	captains := s.presence.ActiveCaptains()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(captains), "captains": captains, "connections": s.hub.Len()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "not_ready", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not ready"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Rule  string `json:"rule,omitempty"`
}

// statusFor maps domain errors to HTTP status codes; anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rides.ErrValidation), errors.Is(err, maps.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, rides.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, rides.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, rides.ErrRideNotFound):
		return http.StatusNotFound
	case errors.Is(err, rides.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, rides.ErrInvalidOtp):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rides.ErrOtpLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, rides.ErrFareUnavailable), errors.Is(err, maps.ErrNoSuggestions):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var fe *rides.FieldError
	if errors.As(err, &fe) {
		body.Field, body.Rule = fe.Field, fe.Rule
	}
	if status == http.StatusInternalServerError {
		args := []any{"route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context())}
		if a := auth.ActorFrom(r.Context()); a != nil {
			args = append(args, "actor_id", a.ID, "actor_role", a.Role)
		}
		s.logger.ErrorContext(r.Context(), "request_failed", args...)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Field: "body", Rule: "must be a JSON object"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
