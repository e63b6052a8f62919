package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleProvider geocodes and routes through the Google Maps platform.
type GoogleProvider struct {
	client *maps.Client
}

// NewGoogleProvider creates a provider with the given API key. Extra client
// options (for example maps.WithBaseURL in tests) are appended.
func NewGoogleProvider(apiKey string, opts ...maps.ClientOption) (*GoogleProvider, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) Geocode(ctx context.Context, address string) (models.Coord, error) {
	res, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return models.Coord{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(res) == 0 {
		return models.Coord{}, fmt.Errorf("no geocoding result")
	}
	loc := res[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (g *GoogleProvider) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("distance matrix element status %s", el.Status)
	}
	return Route{DistanceMeters: float64(el.Distance.Meters), DurationSeconds: el.Duration.Seconds()}, nil
}

func latLng(c models.Coord) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }
