package maps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultORSEndpoint = "https://api.openrouteservice.org/v2/directions/driving-car"

// ORSClient computes driving distance/duration with OpenRouteService.
type ORSClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string) *ORSClient {
	if endpoint == "" {
		endpoint = DefaultORSEndpoint
	}
	return &ORSClient{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (o *ORSClient) Name() string { return "openrouteservice" }

func (o *ORSClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if o.APIKey == "" {
		return Route{}, errors.New("openrouteservice api key not configured")
	}
	// ORS takes [lon, lat] pairs.
	body, err := json.Marshal(map[string]any{
		"coordinates": [][2]float64{{from.Lng, from.Lat}, {to.Lng, to.Lat}},
	})
	if err != nil {
		return Route{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Route{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("openrouteservice status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Segments []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"segments"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if len(out.Routes) == 0 || len(out.Routes[0].Segments) == 0 {
		return Route{}, errors.New("no routes found via openrouteservice")
	}
	seg := out.Routes[0].Segments[0]
	return Route{DistanceMeters: seg.Distance, DurationSeconds: seg.Duration}, nil
}
