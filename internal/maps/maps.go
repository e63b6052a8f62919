// Package maps resolves addresses to coordinates and computes road distance
// and duration, falling back across providers.
package maps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrGeocodeFailed    = errors.New("failed to geocode address")
	ErrRouteUnavailable = errors.New("failed to calculate distance/time")
	ErrNoSuggestions    = errors.New("unable to fetch suggestions")
	ErrEmptyInput       = errors.New("query is required")
)

// Route is the road distance and duration between two coordinates.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

type Suggester interface {
	Suggest(ctx context.Context, input string) ([]string, error)
}

// Named is implemented by providers so failures can be attributed in logs and metrics.
type Named interface {
	Name() string
}

// Trip is the resolved result of DistanceTime.
type Trip struct {
	Pickup      models.Coord
	Destination models.Coord
	Route       Route
}

// Chain tries each configured provider in order. Callers only ever see
// ErrGeocodeFailed, ErrRouteUnavailable or ErrNoSuggestions; provider detail is logged.
type Chain struct {
	Geocoders  []Geocoder
	Routers    []Router
	Suggesters []Suggester
	Cache      *RouteCache
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (c *Chain) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 3 * time.Second
	}
	return c.Timeout
}

func (c *Chain) Geocode(ctx context.Context, address string) (models.Coord, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Coord{}, fmt.Errorf("%w: %w", ErrGeocodeFailed, ErrEmptyInput)
	}
	for _, g := range c.Geocoders {
		cctx, cancel := context.WithTimeout(ctx, c.timeout())
		coord, err := g.Geocode(cctx, address)
		cancel()
		if err == nil && coord.Valid() {
			record(g, "geocode", nil)
			return coord, nil
		}
		if err == nil {
			err = fmt.Errorf("invalid coordinate %+v", coord)
		}
		record(g, "geocode", err)
		c.log().Warn("geocode_provider_failed", "provider", providerName(g), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return models.Coord{}, ErrGeocodeFailed
}

func (c *Chain) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if c.Cache != nil {
		if r, ok := c.Cache.Get(from, to); ok {
			return r, nil
		}
	}
	for _, rt := range c.Routers {
		cctx, cancel := context.WithTimeout(ctx, c.timeout())
		r, err := rt.Route(cctx, from, to)
		cancel()
		record(rt, "route", err)
		if err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, r)
			}
			return r, nil
		}
		c.log().Warn("route_provider_failed", "provider", providerName(rt), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Route{}, ErrRouteUnavailable
}

func (c *Chain) Suggest(ctx context.Context, input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	for _, s := range c.Suggesters {
		cctx, cancel := context.WithTimeout(ctx, c.timeout())
		out, err := s.Suggest(cctx, input)
		cancel()
		record(s, "suggest", err)
		if err == nil {
			return out, nil
		}
		c.log().Warn("suggest_provider_failed", "provider", providerName(s), "error", err)
	}
	return nil, ErrNoSuggestions
}

// DistanceTime geocodes both addresses and routes between them.
func (c *Chain) DistanceTime(ctx context.Context, pickup, destination string) (Trip, error) {
	from, err := c.Geocode(ctx, pickup)
	if err != nil {
		return Trip{}, err
	}
	to, err := c.Geocode(ctx, destination)
	if err != nil {
		return Trip{}, err
	}
	r, err := c.Route(ctx, from, to)
	if err != nil {
		return Trip{Pickup: from, Destination: to}, err
	}
	return Trip{Pickup: from, Destination: to, Route: r}, nil
}

func (c *Chain) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func providerName(p any) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

func record(p any, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ProviderCalls.WithLabelValues(providerName(p), op, outcome).Inc()
}
