package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound       = errors.New("ride not found")
	ErrStatusConflict = errors.New("ride status changed concurrently")
)

// TripStore defines persistence operations for rides.
type TripStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRide replaces the lifecycle fields of next.ID only if the stored
	// status still equals from; otherwise it returns ErrStatusConflict.
	UpdateRide(ctx context.Context, next *models.Ride, from models.Status) error
	// UpdateFare writes the fare and resolved coordinates of r, whatever its status.
	UpdateFare(ctx context.Context, r *models.Ride) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, next *models.Ride, from models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	src := next.Clone()
	upd := cur.Clone()
	upd.CaptainID = src.CaptainID
	upd.Status = src.Status
	upd.ConfirmedAt = src.ConfirmedAt
	upd.StartedAt = src.StartedAt
	upd.CompletedAt = src.CompletedAt
	upd.UpdatedAt = src.UpdatedAt
	m.rides[next.ID] = upd
	return nil
}

func (m *MemoryStore) UpdateFare(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	src := r.Clone()
	cur.Fare = src.Fare
	cur.FarePending = src.FarePending
	cur.DistanceMeters = src.DistanceMeters
	cur.DurationSeconds = src.DurationSeconds
	cur.Pickup.Coord = src.Pickup.Coord
	cur.Destination.Coord = src.Destination.Coord
	cur.UpdatedAt = src.UpdatedAt
	return nil
}
