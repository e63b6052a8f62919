package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const defaultUserAgent = "ride-dispatch/1.0"

// NominatimClient geocodes and autocompletes addresses through an
// OpenStreetMap Nominatim server. Public instances require a User-Agent.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Limit     int
	Client    *http.Client
}

func NewNominatimClient(endpoint string) *NominatimClient {
	return &NominatimClient{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: defaultUserAgent,
		Limit:     5,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *NominatimClient) Name() string { return "nominatim" }

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (n *NominatimClient) search(ctx context.Context, q string) ([]nominatimPlace, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json&limit=%d", n.Endpoint, url.QueryEscape(q), n.Limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}
	var out []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NominatimClient) Geocode(ctx context.Context, address string) (models.Coord, error) {
	places, err := n.search(ctx, address)
	if err != nil {
		return models.Coord{}, err
	}
	if len(places) == 0 {
		return models.Coord{}, fmt.Errorf("coordinates not found via nominatim")
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("invalid lat %q: %w", places[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("invalid lon %q: %w", places[0].Lon, err)
	}
	return models.Coord{Lat: lat, Lng: lng}, nil
}

func (n *NominatimClient) Suggest(ctx context.Context, input string) ([]string, error) {
	places, err := n.search(ctx, input)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(places))
	for _, p := range places {
		if p.DisplayName != "" {
			out = append(out, p.DisplayName)
		}
	}
	return out, nil
}
