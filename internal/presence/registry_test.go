package presence

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	delhi = models.Coord{Lat: 28.63, Lng: 77.21}
	near  = models.Coord{Lat: 28.631, Lng: 77.211}
)

func newRegistry() (*Registry, *geo.MemoryIndex) {
	idx := geo.NewIndex()
	return NewRegistry(idx, nil), idx
}

func nearbyIDs(t *testing.T, idx geo.Index) []string {
	t.Helper()
	got, err := idx.Query(context.Background(), delhi, 2)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestIdentifyAndResolve(t *testing.T) {
	r, _ := newRegistry()
	require.NoError(t, r.Identify(context.Background(), "h1", "rider-1", models.RoleRider))

	h, ok := r.Resolve("rider-1")
	require.True(t, ok)
	assert.Equal(t, "h1", h)

	_, ok = r.Resolve("nobody")
	assert.False(t, ok)
}

func TestIdentifyValidates(t *testing.T) {
	r, _ := newRegistry()
	assert.ErrorIs(t, r.Identify(context.Background(), "", "x", models.RoleRider), ErrInvalidIdentity)
	assert.ErrorIs(t, r.Identify(context.Background(), "h", "", models.RoleRider), ErrInvalidIdentity)
	assert.ErrorIs(t, r.Identify(context.Background(), "h", "x", models.Role("admin")), ErrInvalidRole)
}

func TestCaptainLifecycle(t *testing.T) {
	ctx := context.Background()
	r, idx := newRegistry()

	require.NoError(t, r.Identify(ctx, "h1", "cap-1", models.RoleCaptain))
	p, ok := r.Get("cap-1")
	require.True(t, ok)
	assert.Equal(t, models.Active, p.Availability)
	assert.Empty(t, nearbyIDs(t, idx), "no location yet")

	require.NoError(t, r.ReportLocation(ctx, "cap-1", &near))
	assert.Equal(t, []string{"cap-1"}, nearbyIDs(t, idx))
	assert.Len(t, r.ActiveCaptains(), 1)

	p, ok = r.Disconnect(ctx, "h1")
	require.True(t, ok)
	assert.Equal(t, models.Inactive, p.Availability)

	_, ok = r.Resolve("cap-1")
	assert.False(t, ok)
	assert.Empty(t, nearbyIDs(t, idx))
	assert.Empty(t, r.ActiveCaptains())

	// reconnecting restores the last known location
	require.NoError(t, r.Identify(ctx, "h2", "cap-1", models.RoleCaptain))
	assert.Equal(t, []string{"cap-1"}, nearbyIDs(t, idx))
}

func TestReportLocationRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	require.NoError(t, r.Identify(ctx, "h1", "cap-1", models.RoleCaptain))

	for _, loc := range []*models.Coord{
		nil,
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
	} {
		assert.ErrorIs(t, r.ReportLocation(ctx, "cap-1", loc), ErrInvalidLocation)
	}
}

func TestReportLocationIgnoresNonActiveCaptains(t *testing.T) {
	ctx := context.Background()
	r, idx := newRegistry()
	require.NoError(t, r.Identify(ctx, "h1", "rider-1", models.RoleRider))

	assert.NoError(t, r.ReportLocation(ctx, "rider-1", &near))
	assert.NoError(t, r.ReportLocation(ctx, "ghost", &near))

	require.NoError(t, r.Identify(ctx, "h2", "cap-1", models.RoleCaptain))
	r.Disconnect(ctx, "h2")
	assert.NoError(t, r.ReportLocation(ctx, "cap-1", &near))

	assert.Empty(t, nearbyIDs(t, idx))
}

func TestDisconnectUnknownHandleIsNoop(t *testing.T) {
	r, _ := newRegistry()
	_, ok := r.Disconnect(context.Background(), "never-identified")
	assert.False(t, ok)
}

func TestReidentifySupersedesPreviousHandle(t *testing.T) {
	ctx := context.Background()
	r, idx := newRegistry()
	require.NoError(t, r.Identify(ctx, "old", "cap-1", models.RoleCaptain))
	require.NoError(t, r.ReportLocation(ctx, "cap-1", &near))
	require.NoError(t, r.Identify(ctx, "new", "cap-1", models.RoleCaptain))

	h, _ := r.Resolve("cap-1")
	assert.Equal(t, "new", h)

	// the superseded connection closing must not clear the new binding
	_, ok := r.Disconnect(ctx, "old")
	assert.False(t, ok)
	h, ok = r.Resolve("cap-1")
	require.True(t, ok)
	assert.Equal(t, "new", h)
	assert.Equal(t, []string{"cap-1"}, nearbyIDs(t, idx))
}

func TestHandleReusedForAnotherIdentity(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	require.NoError(t, r.Identify(ctx, "h1", "a", models.RoleRider))
	require.NoError(t, r.Identify(ctx, "h1", "b", models.RoleRider))

	_, ok := r.Resolve("a")
	assert.False(t, ok)
	h, ok := r.Resolve("b")
	require.True(t, ok)
	assert.Equal(t, "h1", h)

	_, ok = r.Disconnect(ctx, "h1")
	assert.True(t, ok)
	_, ok = r.Resolve("b")
	assert.False(t, ok)
}

func TestConcurrentIdentifyReportDisconnect(t *testing.T) {
	ctx := context.Background()
	r, idx := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cap-%d", i)
			handle := fmt.Sprintf("h-%d", i)
			_ = r.Identify(ctx, handle, id, models.RoleCaptain)
			_ = r.ReportLocation(ctx, id, &near)
			if i%2 == 0 {
				r.Disconnect(ctx, handle)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.ActiveCaptains(), 25)
	assert.Len(t, nearbyIDs(t, idx), 25)
}
