// Package rides owns ride records and their lifecycle:
// requested -> confirmed -> ongoing -> completed. Every transition either
// commits one status change followed by one notification attempt to the
// rider, or fails without touching the stored ride.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier pushes one event to one actor's live connection.
type Notifier interface {
	Push(ctx context.Context, identity, event string, payload any) bool
}

// Distancer resolves both addresses and the road route between them.
type Distancer interface {
	DistanceTime(ctx context.Context, pickup, destination string) (maps.Trip, error)
}

// Discoverer offers a freshly created ride to nearby captains and reports
// how many were reached.
type Discoverer interface {
	Discover(ctx context.Context, ride *models.Ride) (int, error)
}

// EventPublisher records committed changes on an external stream.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Config struct {
	// FareTimeout bounds the fare lookup inside Create.
	FareTimeout time.Duration
	// BackgroundTimeout bounds the post-create fare retry, captain discovery and
	// each ride event publish.
	BackgroundTimeout time.Duration
	OtpLength         int
	// OtpMaxAttempts defaults to 5; a negative value disables the lockout.
	OtpMaxAttempts int
	// EventQueueSize bounds ride events waiting for the stream; defaults to 1024.
	EventQueueSize int
	Rates          map[models.VehicleClass]Rate
}

func (c Config) withDefaults() Config {
	if c.FareTimeout <= 0 {
		c.FareTimeout = 5 * time.Second
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 15 * time.Second
	}
	if c.OtpLength <= 0 {
		c.OtpLength = 6
	}
	if c.OtpMaxAttempts == 0 {
		c.OtpMaxAttempts = 5
	}
	if c.Rates == nil {
		c.Rates = DefaultRates
	}
	return c
}

type Service struct {
	store     storage.TripStore
	maps      Distancer
	discovery Discoverer
	notifier  Notifier
	events    *outbox
	cfg       Config
	otp       *otpLimiter
	logger    *slog.Logger
	now       func() time.Time
	bg        sync.WaitGroup
}

type Deps struct {
	Store     storage.TripStore
	Maps      Distancer
	Discovery Discoverer
	Notifier  Notifier
	// Events is optional.
	Events EventPublisher
	Logger *slog.Logger
}

func NewService(d Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     d.Store,
		maps:      d.Maps,
		discovery: d.Discovery,
		notifier:  d.Notifier,
		cfg:       cfg,
		otp:       newOtpLimiter(cfg.OtpMaxAttempts),
		logger:    logger,
		now:       time.Now,
	}
	if d.Events != nil {
		s.events = newOutbox(d.Events, cfg.BackgroundTimeout, cfg.EventQueueSize, logger)
	}
	return s
}

// CreateRequest is what a rider submits.
type CreateRequest struct {
	Pickup       string              `json:"pickup"`
	Destination  string              `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicleType"`
}

func (r CreateRequest) validate() error {
	if len(strings.TrimSpace(r.Pickup)) < 3 {
		return &FieldError{Field: "pickup", Rule: "must be at least 3 characters"}
	}
	if len(strings.TrimSpace(r.Destination)) < 3 {
		return &FieldError{Field: "destination", Rule: "must be at least 3 characters"}
	}
	if !r.VehicleClass.Valid() {
		return &FieldError{Field: "vehicleType", Rule: "must be one of auto, car, moto"}
	}
	return nil
}

func requireActor(actor *models.Actor, role models.Role) error {
	if actor == nil || actor.ID == "" || !actor.Role.Valid() {
		return ErrUnauthenticated
	}
	if actor.Role != role {
		return fmt.Errorf("%w: %s required", ErrForbidden, role)
	}
	return nil
}

// Create persists a ride in status requested and returns it with its OTP.
// The fare is looked up within FareTimeout; if that fails the ride is still
// created with FarePending set. Captain discovery always runs in the
// background and never affects the result.
func (s *Service) Create(ctx context.Context, rider *models.Actor, req CreateRequest) (*models.Ride, error) {
	if err := requireActor(rider, models.RoleRider); err != nil {
		s.reject("create", err)
		return nil, err
	}
	if err := req.validate(); err != nil {
		s.reject("create", err)
		return nil, err
	}
	otp, err := GenerateOTP(s.cfg.OtpLength)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ride := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      rider.ID,
		Pickup:       models.Place{Address: strings.TrimSpace(req.Pickup)},
		Destination:  models.Place{Address: strings.TrimSpace(req.Destination)},
		VehicleClass: req.VehicleClass,
		OTP:          otp,
		Status:       models.StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FareTimeout)
	trip, ferr := s.maps.DistanceTime(fctx, ride.Pickup.Address, ride.Destination.Address)
	cancel()
	s.applyTrip(ride, trip, ferr)
	if ferr != nil {
		s.logger.WarnContext(ctx, "fare_unavailable_at_create", "ride_id", ride.ID, "error", ferr)
	}

	if err := s.store.SaveRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.publish(models.EventNewRide, ride)
	s.logger.InfoContext(ctx, "ride_created", "ride_id", ride.ID, "rider_id", ride.RiderID, "vehicle_class", ride.VehicleClass, "fare_pending", ride.FarePending)

	s.bg.Add(1)
	go s.afterCreate(context.WithoutCancel(ctx), ride.Clone())

	return ride, nil
}

func (s *Service) applyTrip(ride *models.Ride, trip maps.Trip, err error) {
	if trip.Pickup.Valid() && (trip.Pickup != models.Coord{}) {
		c := trip.Pickup
		ride.Pickup.Coord = &c
	}
	if trip.Destination.Valid() && (trip.Destination != models.Coord{}) {
		c := trip.Destination
		ride.Destination.Coord = &c
	}
	if err != nil {
		ride.FarePending = true
		return
	}
	ride.Fare = Quote(trip.Route, s.cfg.Rates)
	ride.FarePending = false
	ride.DistanceMeters = trip.Route.DistanceMeters
	ride.DurationSeconds = trip.Route.DurationSeconds
}

func (s *Service) afterCreate(ctx context.Context, ride *models.Ride) {
	defer s.bg.Done()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BackgroundTimeout)
	defer cancel()

	if ride.FarePending {
		trip, err := s.maps.DistanceTime(ctx, ride.Pickup.Address, ride.Destination.Address)
		s.applyTrip(ride, trip, err)
		ride.UpdatedAt = s.now()
		if err != nil {
			s.logger.WarnContext(ctx, "fare_retry_failed", "ride_id", ride.ID, "error", err)
		}
		if uerr := s.store.UpdateFare(ctx, ride); uerr != nil {
			s.logger.ErrorContext(ctx, "fare_update_failed", "ride_id", ride.ID, "error", uerr)
		}
	}

	if s.discovery == nil {
		return
	}
	n, err := s.discovery.Discover(ctx, ride)
	if err != nil {
		s.logger.ErrorContext(ctx, "captain_discovery_failed", "ride_id", ride.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "captains_notified", "ride_id", ride.ID, "count", n)
}

// Wait blocks until background work started by Create has finished and every
// queued ride event has been handed to the publisher.
func (s *Service) Wait() {
	s.bg.Wait()
	if s.events != nil {
		s.events.wait()
	}
}

// Fare quotes every vehicle class for a trip without creating a ride.
func (s *Service) Fare(ctx context.Context, pickup, destination string) (models.FareQuote, error) {
	if len(strings.TrimSpace(pickup)) < 3 {
		return nil, &FieldError{Field: "pickup", Rule: "must be at least 3 characters"}
	}
	if len(strings.TrimSpace(destination)) < 3 {
		return nil, &FieldError{Field: "destination", Rule: "must be at least 3 characters"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FareTimeout)
	defer cancel()
	trip, err := s.maps.DistanceTime(ctx, pickup, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFareUnavailable, err)
	}
	return Quote(trip.Route, s.cfg.Rates), nil
}

// Confirm assigns captain to a requested ride. Exactly one of any number of
// concurrent confirmations succeeds; the rest get ErrAlreadyConfirmed.
func (s *Service) Confirm(ctx context.Context, rideID string, captain *models.Actor) (*models.Ride, error) {
	return s.transition(ctx, "confirm", rideID, captain, func(cur *models.Ride) error {
		if cur.Status != models.StatusRequested {
			return ErrAlreadyConfirmed
		}
		return nil
	}, func(next *models.Ride, now time.Time) {
		next.CaptainID = captain.ID
		next.Status = models.StatusConfirmed
		next.ConfirmedAt = &now
	}, models.EventRideConfirmed)
}

// Start moves a confirmed ride to ongoing once its captain presents the rider's OTP.
func (s *Service) Start(ctx context.Context, rideID, otp string, captain *models.Actor) (*models.Ride, error) {
	if strings.TrimSpace(otp) == "" {
		err := &FieldError{Field: "otp", Rule: "is required"}
		s.reject("start", err)
		return nil, err
	}
	ride, err := s.transition(ctx, "start", rideID, captain, func(cur *models.Ride) error {
		if cur.Status != models.StatusConfirmed {
			return invalidState("start", cur.Status, models.StatusConfirmed)
		}
		if cur.CaptainID != captain.ID {
			return fmt.Errorf("%w: ride is assigned to another captain", ErrForbidden)
		}
		if s.otp.locked(cur.ID) {
			return ErrOtpLocked
		}
		if !otpEqual(cur.OTP, otp) {
			n := s.otp.fail(cur.ID)
			observability.OtpFailures.Inc()
			s.logger.WarnContext(ctx, "otp_mismatch", "ride_id", cur.ID, "captain_id", captain.ID, "failures", n)
			return ErrInvalidOtp
		}
		return nil
	}, func(next *models.Ride, now time.Time) {
		next.Status = models.StatusOngoing
		next.StartedAt = &now
	}, models.EventRideStarted)
	if err == nil {
		s.otp.reset(rideID)
	}
	return ride, err
}

// End completes an ongoing ride. Only its captain may end it.
func (s *Service) End(ctx context.Context, rideID string, captain *models.Actor) (*models.Ride, error) {
	return s.transition(ctx, "end", rideID, captain, func(cur *models.Ride) error {
		if cur.Status != models.StatusOngoing {
			return invalidState("end", cur.Status, models.StatusOngoing)
		}
		if cur.CaptainID != captain.ID {
			return fmt.Errorf("%w: ride is assigned to another captain", ErrForbidden)
		}
		return nil
	}, func(next *models.Ride, now time.Time) {
		next.Status = models.StatusCompleted
		next.CompletedAt = &now
	}, models.EventRideEnded)
}

// transition runs guard against the current ride, applies mutate to a copy
// and commits it with a compare-and-set on the status it read. The rider is
// notified only after the commit.
func (s *Service) transition(
	ctx context.Context,
	op, rideID string,
	captain *models.Actor,
	guard func(cur *models.Ride) error,
	mutate func(next *models.Ride, now time.Time),
	event string,
) (*models.Ride, error) {
	if err := requireActor(captain, models.RoleCaptain); err != nil {
		s.reject(op, err)
		return nil, err
	}
	cur, err := s.load(ctx, rideID)
	if err != nil {
		s.reject(op, err)
		return nil, err
	}
	if err := guard(cur); err != nil {
		s.reject(op, err)
		return nil, err
	}

	next := cur.Clone()
	now := s.now()
	mutate(next, now)
	next.UpdatedAt = now
	if err := s.store.UpdateRide(ctx, next, cur.Status); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			err = s.conflict(op)
			s.reject(op, err)
			return nil, err
		}
		return nil, fmt.Errorf("%s ride %s: %w", op, rideID, err)
	}

	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()
	s.logger.InfoContext(ctx, "ride_transition", "ride_id", next.ID, "from", cur.Status, "to", next.Status, "captain_id", next.CaptainID)
	s.notifier.Push(ctx, next.RiderID, event, next)
	s.publish(event, next)
	return next, nil
}

func (s *Service) conflict(op string) error {
	if op == "confirm" {
		return ErrAlreadyConfirmed
	}
	return fmt.Errorf("%w: ride changed while trying to %s", ErrInvalidState, op)
}

func (s *Service) load(ctx context.Context, rideID string) (*models.Ride, error) {
	if strings.TrimSpace(rideID) == "" {
		return nil, &FieldError{Field: "rideId", Rule: "is required"}
	}
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	return r, nil
}

// Get returns the ride to one of its participants. Captains get the view
// without the OTP.
func (s *Service) Get(ctx context.Context, rideID string, actor *models.Actor) (*models.Ride, error) {
	if actor == nil || actor.ID == "" || !actor.Role.Valid() {
		return nil, ErrUnauthenticated
	}
	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleRider && r.RiderID == actor.ID:
		return r, nil
	case actor.Role == models.RoleCaptain && r.CaptainID == actor.ID:
		return r.PublicView(), nil
	default:
		return nil, ErrForbidden
	}
}

// publish queues the event for the stream without waiting on it.
func (s *Service) publish(event string, r *models.Ride) {
	if s.events == nil {
		return
	}
	s.events.enqueue(models.RideEvent{Type: event, RideID: r.ID, RiderID: r.RiderID, CaptainID: r.CaptainID, Status: r.Status, At: r.UpdatedAt})
}

func (s *Service) reject(op string, err error) {
	observability.RideRejections.WithLabelValues(op, reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "already_confirmed"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidOtp):
		return "invalid_otp"
	case errors.Is(err, ErrOtpLocked):
		return "otp_locked"
	case errors.Is(err, ErrRideNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "other"
	}
}
