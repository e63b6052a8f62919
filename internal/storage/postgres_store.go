package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rideRow struct {
	ID              string          `db:"id"`
	RiderID         string          `db:"rider_id"`
	CaptainID       sql.NullString  `db:"captain_id"`
	PickupAddress   string          `db:"pickup_address"`
	PickupLat       sql.NullFloat64 `db:"pickup_lat"`
	PickupLng       sql.NullFloat64 `db:"pickup_lng"`
	DestAddress     string          `db:"dest_address"`
	DestLat         sql.NullFloat64 `db:"dest_lat"`
	DestLng         sql.NullFloat64 `db:"dest_lng"`
	VehicleClass    string          `db:"vehicle_class"`
	Fare            []byte          `db:"fare"`
	FarePending     bool            `db:"fare_pending"`
	DistanceMeters  float64         `db:"distance_meters"`
	DurationSeconds float64         `db:"duration_seconds"`
	OTP             string          `db:"otp"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	ConfirmedAt     sql.NullTime    `db:"confirmed_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const rideColumns = `id, rider_id, captain_id, pickup_address, pickup_lat, pickup_lng,
	dest_address, dest_lat, dest_lng, vehicle_class, fare, fare_pending,
	distance_meters, duration_seconds, otp, status, created_at, confirmed_at,
	started_at, completed_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES (
		:id, :rider_id, :captain_id, :pickup_address, :pickup_lat, :pickup_lng,
		:dest_address, :dest_lat, :dest_lng, :vehicle_class, :fare, :fare_pending,
		:distance_meters, :duration_seconds, :otp, :status, :created_at, :confirmed_at,
		:started_at, :completed_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select ride %s: %w", id, err)
	}
	return row.toModel()
}

func (p *PostgresStore) UpdateRide(ctx context.Context, next *models.Ride, from models.Status) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET captain_id = $1, status = $2, confirmed_at = $3, started_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		nullString(next.CaptainID), string(next.Status), nullTime(next.ConfirmedAt), nullTime(next.StartedAt),
		nullTime(next.CompletedAt), next.UpdatedAt, next.ID, string(from))
	if err != nil {
		return fmt.Errorf("update ride %s: %w", next.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, next.ID); err != nil {
		return fmt.Errorf("check ride %s: %w", next.ID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) UpdateFare(ctx context.Context, r *models.Ride) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `UPDATE rides
		SET fare = :fare, fare_pending = :fare_pending, distance_meters = :distance_meters,
			duration_seconds = :duration_seconds, pickup_lat = :pickup_lat, pickup_lng = :pickup_lng,
			dest_lat = :dest_lat, dest_lng = :dest_lng, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update fare %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func toRow(r *models.Ride) (rideRow, error) {
	row := rideRow{
		ID:              r.ID,
		RiderID:         r.RiderID,
		CaptainID:       nullString(r.CaptainID),
		PickupAddress:   r.Pickup.Address,
		DestAddress:     r.Destination.Address,
		VehicleClass:    string(r.VehicleClass),
		FarePending:     r.FarePending,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		OTP:             r.OTP,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		ConfirmedAt:     nullTime(r.ConfirmedAt),
		StartedAt:       nullTime(r.StartedAt),
		CompletedAt:     nullTime(r.CompletedAt),
		UpdatedAt:       r.UpdatedAt,
	}
	row.PickupLat, row.PickupLng = nullCoord(r.Pickup.Coord)
	row.DestLat, row.DestLng = nullCoord(r.Destination.Coord)
	if r.Fare != nil {
		b, err := json.Marshal(r.Fare)
		if err != nil {
			return rideRow{}, fmt.Errorf("encode fare: %w", err)
		}
		row.Fare = b
	}
	return row, nil
}

func (row rideRow) toModel() (*models.Ride, error) {
	r := &models.Ride{
		ID:              row.ID,
		RiderID:         row.RiderID,
		CaptainID:       row.CaptainID.String,
		Pickup:          models.Place{Address: row.PickupAddress, Coord: coordOf(row.PickupLat, row.PickupLng)},
		Destination:     models.Place{Address: row.DestAddress, Coord: coordOf(row.DestLat, row.DestLng)},
		VehicleClass:    models.VehicleClass(row.VehicleClass),
		FarePending:     row.FarePending,
		DistanceMeters:  row.DistanceMeters,
		DurationSeconds: row.DurationSeconds,
		OTP:             row.OTP,
		Status:          models.Status(row.Status),
		CreatedAt:       row.CreatedAt,
		ConfirmedAt:     timeOf(row.ConfirmedAt),
		StartedAt:       timeOf(row.StartedAt),
		CompletedAt:     timeOf(row.CompletedAt),
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.Fare) > 0 {
		if err := json.Unmarshal(row.Fare, &r.Fare); err != nil {
			return nil, fmt.Errorf("decode fare for ride %s: %w", row.ID, err)
		}
	}
	return r, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOf(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullCoord(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lng, Valid: true}
}

func coordOf(lat, lng sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
}
