package geo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownPair(t *testing.T) {
	center := models.Coord{Lat: 28.63, Lng: 77.21}
	assert.InDelta(t, 0.15, DistanceKm(center, models.Coord{Lat: 28.631, Lng: 77.211}), 0.03)
	assert.InDelta(t, 18.9, DistanceKm(center, models.Coord{Lat: 28.80, Lng: 77.21}), 0.2)
}

func TestMemoryIndexQueryRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 28.631, Lng: 77.211}))
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 28.80, Lng: 77.21}))

	got, err := idx.Query(ctx, models.Coord{Lat: 28.63, Lng: 77.21}, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
}

func TestMemoryIndexBoundaryInclusive(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 28.63, Lng: 77.21}
	edge := models.Coord{Lat: 28.645, Lng: 77.223}
	require.NoError(t, idx.Upsert(ctx, "edge", edge))

	r := DistanceKm(center, edge)
	got, err := idx.Query(ctx, center, r)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = idx.Query(ctx, center, r*0.999)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryIndexMatchesFullScanAcrossCells(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 28.63, Lng: 77.21}
	var all []models.Coord
	for i := -20; i <= 20; i++ {
		for j := -20; j <= 20; j++ {
			c := models.Coord{Lat: center.Lat + float64(i)*0.004, Lng: center.Lng + float64(j)*0.004}
			all = append(all, c)
			require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("c%d_%d", i, j), c))
		}
	}
	for _, radius := range []float64{0.5, 2, 3, 10, 50} {
		want := 0
		for _, c := range all {
			if Within(center, c, radius) {
				want++
			}
		}
		got, err := idx.Query(ctx, center, radius)
		require.NoError(t, err)
		assert.Len(t, got, want, "radius %.1f", radius)
	}
}

func TestMemoryIndexMoveAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 28.63, Lng: 77.21}
	require.NoError(t, idx.Upsert(ctx, "c1", models.Coord{Lat: 28.80, Lng: 77.21}))

	got, _ := idx.Query(ctx, center, 2)
	assert.Empty(t, got)

	require.NoError(t, idx.Upsert(ctx, "c1", models.Coord{Lat: 28.631, Lng: 77.211}))
	got, _ = idx.Query(ctx, center, 2)
	require.Len(t, got, 1)

	require.NoError(t, idx.Remove(ctx, "c1"))
	got, _ = idx.Query(ctx, center, 2)
	assert.Empty(t, got)
	assert.Empty(t, idx.cells)
}

func TestMemoryIndexSortsNearestFirst(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Upsert(ctx, "b", models.Coord{Lat: 28.64, Lng: 77.21}))
	require.NoError(t, idx.Upsert(ctx, "a", models.Coord{Lat: 28.631, Lng: 77.21}))
	got, err := idx.Query(ctx, models.Coord{Lat: 28.63, Lng: 77.21}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
