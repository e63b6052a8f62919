// Package matcher offers newly created rides to captains near the pickup.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrPickupUnresolved = errors.New("pickup could not be resolved")

type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

type Notifier interface {
	Push(ctx context.Context, identity, event string, payload any) bool
}

type Service struct {
	Geocoder Geocoder
	Index    geo.Index
	Notify   Notifier
	// RadiusKm defaults to 2.
	RadiusKm float64
	// MaxCaptains caps how many of the nearest captains are offered the ride; 0 means no cap.
	MaxCaptains int
	Logger      *slog.Logger
}

func (s *Service) radius() float64 {
	if s.RadiusKm <= 0 {
		return 2
	}
	return s.RadiusKm
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Nearby returns captains within the discovery radius of center, nearest first.
func (s *Service) Nearby(ctx context.Context, center models.Coord) ([]geo.Candidate, error) {
	cands, err := s.Index.Query(ctx, center, s.radius())
	if err != nil {
		return nil, fmt.Errorf("query captains: %w", err)
	}
	if s.MaxCaptains > 0 && len(cands) > s.MaxCaptains {
		cands = cands[:s.MaxCaptains]
	}
	return cands, nil
}

// Discover pushes new-ride with the ride's public view to every captain near
// its pickup and returns how many were delivered. The OTP never leaves in
// these pushes.
func (s *Service) Discover(ctx context.Context, ride *models.Ride) (int, error) {
	start := time.Now()
	defer func() { observability.DiscoveryLatency.Observe(time.Since(start).Seconds()) }()

	center, err := s.pickup(ctx, ride)
	if err != nil {
		observability.CaptainsNotified.Observe(0)
		return 0, err
	}
	cands, err := s.Nearby(ctx, center)
	if err != nil {
		observability.CaptainsNotified.Observe(0)
		return 0, err
	}

	view := ride.PublicView()
	delivered := 0
	for _, c := range cands {
		if s.Notify.Push(ctx, c.ID, models.EventNewRide, view) {
			delivered++
		}
	}
	observability.CaptainsNotified.Observe(float64(delivered))
	s.log().DebugContext(ctx, "ride_offered", "ride_id", ride.ID, "candidates", len(cands), "delivered", delivered)
	return delivered, nil
}

func (s *Service) pickup(ctx context.Context, ride *models.Ride) (models.Coord, error) {
	if ride.Pickup.Coord != nil && ride.Pickup.Coord.Valid() {
		return *ride.Pickup.Coord, nil
	}
	if s.Geocoder == nil {
		return models.Coord{}, ErrPickupUnresolved
	}
	c, err := s.Geocoder.Geocode(ctx, ride.Pickup.Address)
	if err != nil {
		return models.Coord{}, fmt.Errorf("%w: %w", ErrPickupUnresolved, err)
	}
	return c, nil
}
