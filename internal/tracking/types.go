package tracking

import (
	"errors"
	"time"
)

// Position is a normalized report from a device. Optional attributes are
// pointers so that "not reported" stays distinct from false/zero.
type Position struct {
	ID        int64
	DeviceID  int64
	UserID    *int64
	FixTime   time.Time
	Latitude  float64
	Longitude float64
	Ignition  *bool
	Motion    *bool
	Distance  *float64 // meters since the device's previous report
	Odometer  *float64
}

// HasCoordinates reports whether the position carries a usable lat/lon.
func (p Position) HasCoordinates() bool {
	return p.Latitude != 0 || p.Longitude != 0
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Trip struct {
	ID              int64  // assigned by storage; 0 while open
	Ref             string // provisional reference assigned at open
	DeviceID        int64
	UserID          *int64
	StartTime       time.Time
	EndTime         *time.Time
	StartPositionID int64
	EndPositionID   *int64
	StartOdometer   *float64
	Distance        float64 // meters
	Duration        *time.Duration
	StartAddress    *string
	EndAddress      *string
}

func (t Trip) Status() Status {
	if t.EndTime == nil {
		return StatusActive
	}
	return StatusCompleted
}

// Clone returns a deep copy so callers can hold it while the original is mutated.
func (t Trip) Clone() Trip {
	c := t
	c.UserID = clonePtr(t.UserID)
	c.EndTime = clonePtr(t.EndTime)
	c.EndPositionID = clonePtr(t.EndPositionID)
	c.StartOdometer = clonePtr(t.StartOdometer)
	c.Duration = clonePtr(t.Duration)
	c.StartAddress = clonePtr(t.StartAddress)
	c.EndAddress = clonePtr(t.EndAddress)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var ErrInvalidRange = errors.New("invalid time range")

// Filter selects trips whose start time falls within [From, To].
type Filter struct {
	From     time.Time
	To       time.Time
	DeviceID *int64
	UserID   *int64
}

func (f Filter) Validate() error {
	if f.From.IsZero() || f.To.IsZero() || f.To.Before(f.From) {
		return ErrInvalidRange
	}
	return nil
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t Trip) bool {
	if t.StartTime.Before(f.From) || t.StartTime.After(f.To) {
		return false
	}
	if f.DeviceID != nil && t.DeviceID != *f.DeviceID {
		return false
	}
	if f.UserID != nil && (t.UserID == nil || *t.UserID != *f.UserID) {
		return false
	}
	return true
}

// Ptr is a convenience for building optional fields.
func Ptr[T any](v T) *T { return &v }

var ErrTripNotFound = errors.New("trip not found")
