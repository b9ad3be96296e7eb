package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTripStatus(t *testing.T) {
	tr := Trip{StartTime: time.Now()}
	assert.Equal(t, StatusActive, tr.Status())

	tr.EndTime = Ptr(tr.StartTime.Add(time.Minute))
	assert.Equal(t, StatusCompleted, tr.Status())
}

func TestTripCloneIsDeep(t *testing.T) {
	orig := Trip{
		UserID:        Ptr(int64(1)),
		StartOdometer: Ptr(10.0),
		StartAddress:  Ptr("Main St"),
	}
	c := orig.Clone()
	*c.UserID = 2
	*c.StartOdometer = 20
	*c.StartAddress = "Elm St"

	assert.Equal(t, int64(1), *orig.UserID)
	assert.Equal(t, 10.0, *orig.StartOdometer)
	assert.Equal(t, "Main St", *orig.StartAddress)
	assert.Nil(t, c.EndTime)
}

func TestFilter(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{From: from, To: from.Add(time.Hour)}
	assert.NoError(t, f.Validate())
	assert.ErrorIs(t, Filter{From: from, To: from.Add(-time.Second)}.Validate(), ErrInvalidRange)
	assert.ErrorIs(t, Filter{To: from}.Validate(), ErrInvalidRange)

	tests := []struct {
		name string
		f    Filter
		trip Trip
		want bool
	}{
		{"inside", f, Trip{StartTime: from.Add(time.Minute)}, true},
		{"inclusive bounds", f, Trip{StartTime: from.Add(time.Hour)}, true},
		{"before", f, Trip{StartTime: from.Add(-time.Second)}, false},
		{"device match", Filter{From: f.From, To: f.To, DeviceID: Ptr(int64(3))}, Trip{DeviceID: 3, StartTime: from}, true},
		{"device mismatch", Filter{From: f.From, To: f.To, DeviceID: Ptr(int64(3))}, Trip{DeviceID: 4, StartTime: from}, false},
		{"user missing", Filter{From: f.From, To: f.To, UserID: Ptr(int64(9))}, Trip{StartTime: from}, false},
		{"user match", Filter{From: f.From, To: f.To, UserID: Ptr(int64(9))}, Trip{UserID: Ptr(int64(9)), StartTime: from}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Matches(tt.trip))
		})
	}
}

func TestDistanceMeters(t *testing.T) {
	assert.Zero(t, DistanceMeters(48.85, 2.35, 48.85, 2.35))
	// one degree of latitude is roughly 111.2 km
	assert.InDelta(t, 111195, DistanceMeters(0, 0, 1, 0), 10)
}
