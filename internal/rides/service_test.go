package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var okTrip = maps.Trip{
	Pickup:      models.Coord{Lat: 28.63, Lng: 77.21},
	Destination: models.Coord{Lat: 28.61, Lng: 77.23},
	Route:       maps.Route{DistanceMeters: 4000, DurationSeconds: 600},
}

// fakeMaps fails the first failFirst calls, blocking until the context
// expires when hang is set.
type fakeMaps struct {
	calls     atomic.Int32
	failFirst int32
	hang      bool
}

func (f *fakeMaps) DistanceTime(ctx context.Context, _, _ string) (maps.Trip, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		if f.hang {
			<-ctx.Done()
		}
		return maps.Trip{}, maps.ErrRouteUnavailable
	}
	return okTrip, nil
}

type notice struct {
	identity string
	event    string
	ride     *models.Ride
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notice
}

func (f *fakeNotifier) Push(_ context.Context, identity, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, _ := payload.(*models.Ride)
	f.sent = append(f.sent, notice{identity, event, r.Clone()})
	return true
}

func (f *fakeNotifier) events(identity string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.sent {
		if n.identity == identity {
			out = append(out, n.event)
		}
	}
	return out
}

type fakeDiscovery struct {
	mu    sync.Mutex
	rides []*models.Ride
	err   error
}

func (f *fakeDiscovery) Discover(_ context.Context, r *models.Ride) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rides = append(f.rides, r.Clone())
	return 0, f.err
}

type fakeEvents struct {
	mu  sync.Mutex
	evs []models.RideEvent
}

func (f *fakeEvents) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evs = append(f.evs, ev)
	return nil
}

type harness struct {
	svc    *Service
	store  *storage.MemoryStore
	maps   *fakeMaps
	notes  *fakeNotifier
	disc   *fakeDiscovery
	events *fakeEvents
}

func newHarness(t *testing.T, m *fakeMaps, cfg Config) *harness {
	t.Helper()
	if m == nil {
		m = &fakeMaps{}
	}
	h := &harness{store: storage.NewMemoryStore(), maps: m, notes: &fakeNotifier{}, disc: &fakeDiscovery{}, events: &fakeEvents{}}
	h.svc = NewService(Deps{Store: h.store, Maps: m, Discovery: h.disc, Notifier: h.notes, Events: h.events}, cfg)
	t.Cleanup(h.svc.Wait)
	return h
}

var (
	rider    = &models.Actor{ID: "rider-1", Role: models.RoleRider}
	captainA = &models.Actor{ID: "cap-a", Role: models.RoleCaptain}
	captainB = &models.Actor{ID: "cap-b", Role: models.RoleCaptain}
)

func validRequest() CreateRequest {
	return CreateRequest{Pickup: "Connaught Place", Destination: "India Gate", VehicleClass: models.VehicleCar}
}

func (h *harness) create(t *testing.T) *models.Ride {
	t.Helper()
	r, err := h.svc.Create(context.Background(), rider, validRequest())
	require.NoError(t, err)
	return r
}

func (h *harness) stored(t *testing.T, id string) *models.Ride {
	t.Helper()
	r, err := h.store.GetRide(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCreateReturnsRequestedRideWithFare(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)

	assert.Equal(t, models.StatusRequested, r.Status)
	assert.Empty(t, r.CaptainID)
	assert.Len(t, r.OTP, 6)
	assert.False(t, r.FarePending)
	assert.Equal(t, int64(50+4*15+10*3), r.Fare[models.VehicleCar])
	require.NotNil(t, r.Pickup.Coord)

	h.svc.Wait()
	require.Len(t, h.disc.rides, 1)
	assert.Equal(t, r.ID, h.disc.rides[0].ID)
	assert.Equal(t, r.OTP, h.stored(t, r.ID).OTP)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil, Config{})
	cases := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"short pickup", CreateRequest{Pickup: "ab", Destination: "India Gate", VehicleClass: models.VehicleCar}, "pickup"},
		{"blank destination", CreateRequest{Pickup: "Connaught Place", Destination: "   ", VehicleClass: models.VehicleCar}, "destination"},
		{"unknown vehicle", CreateRequest{Pickup: "Connaught Place", Destination: "India Gate", VehicleClass: "bus"}, "vehicleType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), rider, tc.req)
			require.ErrorIs(t, err, ErrValidation)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tc.field, fe.Field)
		})
	}
	assert.Zero(t, h.maps.calls.Load())
}

func TestCreateRequiresRider(t *testing.T) {
	h := newHarness(t, nil, Config{})
	_, err := h.svc.Create(context.Background(), nil, validRequest())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.svc.Create(context.Background(), &models.Actor{Role: models.RoleRider}, validRequest())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.svc.Create(context.Background(), captainA, validRequest())
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateSurvivesProviderTimeout(t *testing.T) {
	m := &fakeMaps{failFirst: 1, hang: true}
	h := newHarness(t, m, Config{FareTimeout: 20 * time.Millisecond})

	start := time.Now()
	r := h.create(t)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, r.FarePending)
	assert.Equal(t, models.StatusRequested, r.Status)

	h.svc.Wait()
	got := h.stored(t, r.ID)
	assert.False(t, got.FarePending)
	assert.NotEmpty(t, got.Fare)
	assert.Equal(t, models.StatusRequested, got.Status)
	require.Len(t, h.disc.rides, 1)
}

func TestCreateDiscoveryFailureIsNotSurfaced(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.disc.err = errors.New("index down")
	r := h.create(t)
	h.svc.Wait()
	assert.Equal(t, models.StatusRequested, h.stored(t, r.ID).Status)
}

func TestFareQuotesEveryClass(t *testing.T) {
	h := newHarness(t, nil, Config{})
	q, err := h.svc.Fare(context.Background(), "Connaught Place", "India Gate")
	require.NoError(t, err)
	for _, c := range models.VehicleClasses {
		assert.Positive(t, q[c], c)
	}

	h.maps.failFirst = 100
	_, err = h.svc.Fare(context.Background(), "Connaught Place", "India Gate")
	assert.ErrorIs(t, err, ErrFareUnavailable)
	assert.ErrorIs(t, err, maps.ErrRouteUnavailable)
}

func TestConcurrentConfirmExactlyOneWins(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)

	const n = 32
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &models.Actor{ID: fmt.Sprintf("cap-%d", i), Role: models.RoleCaptain}
			if _, err := h.svc.Confirm(context.Background(), r.ID, c); err != nil {
				errs <- err
				return
			}
			wins.Add(1)
		}(i)
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), wins.Load())
	for err := range errs {
		assert.ErrorIs(t, err, ErrAlreadyConfirmed)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	got := h.stored(t, r.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.NotEmpty(t, got.CaptainID)
	assert.Equal(t, []string{models.EventRideConfirmed}, h.notes.events(rider.ID))
}

func TestConfirmRejections(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)

	_, err := h.svc.Confirm(context.Background(), r.ID, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.svc.Confirm(context.Background(), r.ID, rider)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.Confirm(context.Background(), "missing", captainA)
	assert.ErrorIs(t, err, ErrRideNotFound)
	_, err = h.svc.Confirm(context.Background(), "", captainA)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, models.StatusRequested, h.stored(t, r.ID).Status)
	assert.Empty(t, h.notes.events(rider.ID))
}

func TestConfirmedViewHidesOtpFromCaptain(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)
	got, err := h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	assert.Equal(t, captainA.ID, got.CaptainID)
	assert.Equal(t, r.OTP, got.OTP)
	assert.Empty(t, got.PublicView().OTP)
	assert.Equal(t, r.OTP, h.stored(t, r.ID).OTP)
}

func TestStartWithWrongOtpLeavesRideConfirmed(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)
	_, err := h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)

	_, err = h.svc.Start(context.Background(), r.ID, wrong(r.OTP), captainA)
	assert.ErrorIs(t, err, ErrInvalidOtp)
	assert.Equal(t, models.StatusConfirmed, h.stored(t, r.ID).Status)

	_, err = h.svc.Start(context.Background(), r.ID, "", captainA)
	assert.ErrorIs(t, err, ErrValidation)

	started, err := h.svc.Start(context.Background(), r.ID, r.OTP, captainA)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOngoing, started.Status)
	assert.NotNil(t, started.StartedAt)
}

func TestStartLocksAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil, Config{OtpMaxAttempts: 3})
	r := h.create(t)
	_, err := h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = h.svc.Start(context.Background(), r.ID, wrong(r.OTP), captainA)
		require.ErrorIs(t, err, ErrInvalidOtp)
	}
	_, err = h.svc.Start(context.Background(), r.ID, r.OTP, captainA)
	assert.ErrorIs(t, err, ErrOtpLocked)
	assert.Equal(t, models.StatusConfirmed, h.stored(t, r.ID).Status)
}

func TestStartAndEndRequireAssignedCaptain(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)

	_, err := h.svc.Start(context.Background(), r.ID, r.OTP, captainA)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	_, err = h.svc.Start(context.Background(), r.ID, r.OTP, captainB)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.End(context.Background(), r.ID, captainA)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Start(context.Background(), r.ID, r.OTP, captainA)
	require.NoError(t, err)
	_, err = h.svc.End(context.Background(), r.ID, captainB)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, models.StatusOngoing, h.stored(t, r.ID).Status)
}

func TestLifecycleNotifiesRiderInOrder(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)
	seen := []models.Status{h.stored(t, r.ID).Status}
	check := func() {
		got := h.stored(t, r.ID)
		assert.Equal(t, got.Status.HasCaptain(), got.CaptainID != "", "captain presence at %s", got.Status)
		seen = append(seen, got.Status)
	}

	_, err := h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	check()
	_, err = h.svc.Start(context.Background(), r.ID, r.OTP, captainA)
	require.NoError(t, err)
	check()
	ended, err := h.svc.End(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	check()

	assert.Equal(t, []models.Status{models.StatusRequested, models.StatusConfirmed, models.StatusOngoing, models.StatusCompleted}, seen)
	assert.NotNil(t, ended.CompletedAt)
	assert.Equal(t, []string{models.EventRideConfirmed, models.EventRideStarted, models.EventRideEnded}, h.notes.events(rider.ID))

	_, err = h.svc.End(context.Background(), r.ID, captainA)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.svc.Confirm(context.Background(), r.ID, captainB)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)

	h.svc.Wait()
	var types []string
	for _, ev := range h.events.evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventNewRide, models.EventRideConfirmed, models.EventRideStarted, models.EventRideEnded}, types)
}

func TestGetByParticipant(t *testing.T) {
	h := newHarness(t, nil, Config{})
	r := h.create(t)
	_, err := h.svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)

	got, err := h.svc.Get(context.Background(), r.ID, rider)
	require.NoError(t, err)
	assert.Equal(t, r.OTP, got.OTP)

	got, err = h.svc.Get(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	assert.Empty(t, got.OTP)

	_, err = h.svc.Get(context.Background(), r.ID, captainB)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.Get(context.Background(), r.ID, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestGenerateOTP(t *testing.T) {
	for _, n := range []int{4, 6, 8} {
		otp, err := GenerateOTP(n)
		require.NoError(t, err)
		assert.Len(t, otp, n)
		for _, c := range otp {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
	_, err := GenerateOTP(0)
	assert.Error(t, err)
}

func wrong(otp string) string {
	b := []byte(otp)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

// gatedEvents blocks every publish until release is closed.
type gatedEvents struct {
	release chan struct{}
	started chan struct{}
	mu      sync.Mutex
	evs     []models.RideEvent
}

func newGatedEvents() *gatedEvents {
	return &gatedEvents{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gatedEvents) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evs = append(g.evs, ev)
	return nil
}

func (g *gatedEvents) types() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, ev := range g.evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestSlowEventStreamDoesNotDelayRequests(t *testing.T) {
	gate := newGatedEvents()
	notes := &fakeNotifier{}
	svc := NewService(Deps{Store: storage.NewMemoryStore(), Maps: &fakeMaps{}, Discovery: &fakeDiscovery{}, Notifier: notes, Events: gate}, Config{})
	t.Cleanup(svc.Wait)
	var once sync.Once
	open := func() { once.Do(func() { close(gate.release) }) }
	t.Cleanup(open)

	start := time.Now()
	r, err := svc.Create(context.Background(), rider, validRequest())
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), r.ID, captainA)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{models.EventRideConfirmed}, notes.events(rider.ID))
	assert.Empty(t, gate.types())

	open()
	svc.Wait()
	assert.Equal(t, []string{models.EventNewRide, models.EventRideConfirmed}, gate.types())
}

func TestOutboxDropsWhenFull(t *testing.T) {
	gate := newGatedEvents()
	o := newOutbox(gate, time.Second, 1, slog.Default())

	require.True(t, o.enqueue(models.RideEvent{Type: "a", RideID: "r1"}))
	<-gate.started
	assert.True(t, o.enqueue(models.RideEvent{Type: "b", RideID: "r1"}))
	assert.False(t, o.enqueue(models.RideEvent{Type: "c", RideID: "r1"}))

	close(gate.release)
	o.wait()
	assert.Equal(t, []string{"a", "b"}, gate.types())
}

func TestOtpFailuresExpire(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newOtpLimiter(2)
	l.now = func() time.Time { return now }

	l.fail("r1")
	l.fail("r1")
	assert.True(t, l.locked("r1"))

	now = now.Add(otpFailureTTL + time.Minute)
	assert.False(t, l.locked("r1"))

	assert.Equal(t, 1, l.fail("r2"))
	l.mu.Lock()
	_, kept := l.failures["r1"]
	l.mu.Unlock()
	assert.False(t, kept)
}
