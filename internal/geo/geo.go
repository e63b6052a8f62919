package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the spherical Earth radius every distance in this package uses.
const EarthRadiusKm = 6371.0

const kmPerDegree = EarthRadiusKm * math.Pi / 180

// Candidate is an indexed captain matching a proximity query.
type Candidate struct {
	ID         string
	Loc        models.Coord
	DistanceKm float64
}

// Index is the geospatial capability behind captain discovery. Only captains
// that are active and have a known coordinate are expected to be indexed.
type Index interface {
	Upsert(ctx context.Context, id string, loc models.Coord) error
	Remove(ctx context.Context, id string) error
	// Query returns every indexed point within radiusKm of center, boundary
	// inclusive, nearest first.
	Query(ctx context.Context, center models.Coord, radiusKm float64) ([]Candidate, error)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return centralAngle(lat1, lon1, lat2, lon2) * EarthRadiusKm * 1000
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(a, b models.Coord) float64 {
	return centralAngle(a.Lat, a.Lng, b.Lat, b.Lng) * EarthRadiusKm
}

// Within reports whether p lies inside the spherical cap of angular radius
// radiusKm/EarthRadiusKm around center. The boundary is inclusive.
func Within(center, p models.Coord, radiusKm float64) bool {
	return DistanceKm(center, p) <= radiusKm
}

func centralAngle(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// cellPrecision is the geohash length points are bucketed under (~4.9km cells).
const cellPrecision = 5

type point struct {
	loc  models.Coord
	cell string
}

// MemoryIndex keeps points in geohash buckets so small-radius queries only
// scan the center cell and its neighbours.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]point
	cells  map[string]map[string]struct{}
}

func NewIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]point), cells: make(map[string]map[string]struct{})}
}

func (g *MemoryIndex) Upsert(_ context.Context, id string, loc models.Coord) error {
	cell := geohash.EncodeWithPrecision(loc.Lat, loc.Lng, cellPrecision)
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.points[id]; ok && old.cell != cell {
		g.unbucket(id, old.cell)
	}
	g.points[id] = point{loc: loc, cell: cell}
	b, ok := g.cells[cell]
	if !ok {
		b = make(map[string]struct{})
		g.cells[cell] = b
	}
	b[id] = struct{}{}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.points[id]; ok {
		g.unbucket(id, old.cell)
		delete(g.points, id)
	}
	return nil
}

func (g *MemoryIndex) unbucket(id, cell string) {
	if b, ok := g.cells[cell]; ok {
		delete(b, id)
		if len(b) == 0 {
			delete(g.cells, cell)
		}
	}
}

func (g *MemoryIndex) Query(_ context.Context, center models.Coord, radiusKm float64) ([]Candidate, error) {
	if radiusKm < 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Candidate
	consider := func(ids map[string]struct{}) {
		for id := range ids {
			p := g.points[id]
			if Within(center, p.loc, radiusKm) {
				out = append(out, Candidate{ID: id, Loc: p.loc, DistanceKm: DistanceKm(center, p.loc)})
			}
		}
	}

	if prec, ok := searchPrecision(center, radiusKm); ok {
		want := make(map[string]struct{}, 9)
		c := geohash.EncodeWithPrecision(center.Lat, center.Lng, prec)
		want[c] = struct{}{}
		for _, n := range geohash.Neighbors(c) {
			want[n] = struct{}{}
		}
		if prec == cellPrecision {
			for cell := range want {
				consider(g.cells[cell])
			}
		} else {
			for cell, ids := range g.cells {
				if _, hit := want[cell[:prec]]; hit {
					consider(ids)
				}
			}
		}
	} else {
		for _, ids := range g.cells {
			consider(ids)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// searchPrecision picks the finest geohash length whose 3x3 neighbourhood
// around center is guaranteed to contain the whole search cap. Cells must be
// at least twice the radius in both directions.
func searchPrecision(center models.Coord, radiusKm float64) (uint, bool) {
	if math.Abs(center.Lat) > 80 {
		return 0, false
	}
	for prec := uint(cellPrecision); prec >= 1; prec-- {
		box := geohash.BoundingBox(geohash.EncodeWithPrecision(center.Lat, center.Lng, prec))
		edgeLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) + radiusKm/kmPerDegree
		if edgeLat >= 89 {
			return 0, false
		}
		heightKm := (box.MaxLat - box.MinLat) * kmPerDegree
		widthKm := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(edgeLat*math.Pi/180)
		if 2*radiusKm <= math.Min(heightKm, widthKm) {
			return prec, true
		}
	}
	return 0, false
}
