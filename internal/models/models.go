package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Role string

const (
	RoleRider   Role = "rider"
	RoleCaptain Role = "captain"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleCaptain }

// Actor is an authenticated rider or captain handed to the core by the auth layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Availability string

const (
	Active   Availability = "active"
	Inactive Availability = "inactive"
)

// Presence is a snapshot of one registry entry. Handle is empty when the
// actor is not reachable.
type Presence struct {
	Identity     string       `json:"identity"`
	Handle       string       `json:"handle,omitempty"`
	Role         Role         `json:"role"`
	Location     *Coord       `json:"location,omitempty"`
	Availability Availability `json:"availability,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusConfirmed Status = "confirmed"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// HasCaptain reports whether a ride in this status must carry a captain.
func (s Status) HasCaptain() bool {
	return s == StatusConfirmed || s == StatusOngoing || s == StatusCompleted
}

type VehicleClass string

const (
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
	VehicleMoto VehicleClass = "moto"
)

var VehicleClasses = []VehicleClass{VehicleAuto, VehicleCar, VehicleMoto}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

// FareQuote maps every supported vehicle class to its price.
type FareQuote map[VehicleClass]int64

type Place struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type Ride struct {
	ID              string       `json:"id"`
	RiderID         string       `json:"rider_id"`
	CaptainID       string       `json:"captain_id,omitempty"`
	Pickup          Place        `json:"pickup"`
	Destination     Place        `json:"destination"`
	VehicleClass    VehicleClass `json:"vehicle_class"`
	Fare            FareQuote    `json:"fare,omitempty"`
	FarePending     bool         `json:"fare_pending"`
	DistanceMeters  float64      `json:"distance_meters,omitempty"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
	OTP             string       `json:"otp,omitempty"`
	Status          Status       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so callers never share maps or pointers with a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Pickup.Coord = cloneCoord(r.Pickup.Coord)
	c.Destination.Coord = cloneCoord(r.Destination.Coord)
	if r.Fare != nil {
		c.Fare = make(FareQuote, len(r.Fare))
		for k, v := range r.Fare {
			c.Fare[k] = v
		}
	}
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// PublicView is the projection broadcast to candidate captains: the OTP is blanked
// on the copy, never on the authoritative record.
func (r *Ride) PublicView() *Ride {
	v := r.Clone()
	v.OTP = ""
	return v
}

func cloneCoord(c *Coord) *Coord {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tt := *t
	return &tt
}

// Wire event names.
const (
	EventNewRide        = "new-ride"
	EventRideConfirmed  = "ride-confirmed"
	EventRideStarted    = "ride-started"
	EventRideEnded      = "ride-ended"
	EventError          = "error"
	EventIdentify       = "identify"
	EventReportLocation = "report-location"
)

// RideEvent is the record published to the event stream for every committed change.
type RideEvent struct {
	Type      string    `json:"type"`
	RideID    string    `json:"ride_id"`
	RiderID   string    `json:"rider_id"`
	CaptainID string    `json:"captain_id,omitempty"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}

// LocationReport is the record published for every accepted captain location update.
type LocationReport struct {
	CaptainID string    `json:"captain_id"`
	Loc       Coord     `json:"loc"`
	At        time.Time `json:"at"`
}
