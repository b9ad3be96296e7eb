package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/tracking"
)

var base = time.Date(2026, 4, 1, 7, 30, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *TripStore {
	t.Helper()
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "trips.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Ping(context.Background(), db.DB))
	require.NoError(t, db.MigrateUp())
	return NewTripStore(db)
}

func closedTrip(ref string, device int64, start time.Time, d time.Duration) tracking.Trip {
	return tracking.Trip{
		Ref:             ref,
		DeviceID:        device,
		StartTime:       start,
		EndTime:         tracking.Ptr(start.Add(d)),
		StartPositionID: 100,
		EndPositionID:   tracking.Ptr(int64(200)),
		Distance:        1234.5,
		Duration:        tracking.Ptr(d),
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "trips.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp())

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestTripStoreRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	in := closedTrip("r-1", 42, base, 25*time.Minute)
	in.UserID = tracking.Ptr(int64(9))
	in.StartOdometer = tracking.Ptr(88123.4)
	in.StartAddress = tracking.Ptr("1 Depot Rd")

	id, err := store.CloseTrip(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := store.GetTrip(ctx, id)
	require.NoError(t, err)
	want := in
	want.ID = id
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trip mismatch (-want +got):\n%s", diff)
	}

	byRef, err := store.GetTripByRef(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, id, byRef.ID)
	assert.Equal(t, tracking.StatusCompleted, byRef.Status())
}

func TestTripStoreCloseTripIsWriteOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	trip := closedTrip("dup", 1, base, time.Hour)

	first, err := store.CloseTrip(ctx, trip)
	require.NoError(t, err)
	second, err := store.CloseTrip(ctx, trip)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := store.QueryTrips(ctx, tracking.Filter{From: base.Add(-time.Hour), To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTripStoreRejectsOpenTrip(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.CloseTrip(context.Background(), tracking.Trip{Ref: "open", DeviceID: 1, StartTime: base})
	assert.Error(t, err)
}

func TestTripStoreQueryTrips(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	trips := []tracking.Trip{
		closedTrip("a", 1, base, 10*time.Minute),
		closedTrip("b", 1, base.Add(time.Hour), 10*time.Minute),
		closedTrip("c", 2, base.Add(2*time.Hour), 10*time.Minute),
		closedTrip("d", 2, base.Add(-24*time.Hour), 10*time.Minute),
	}
	trips[2].UserID = tracking.Ptr(int64(5))
	for _, tr := range trips {
		_, err := store.CloseTrip(ctx, tr)
		require.NoError(t, err)
	}

	refs := func(ts []tracking.Trip) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Ref)
		}
		return out
	}

	tests := []struct {
		name   string
		filter tracking.Filter
		want   []string
	}{
		{"range", tracking.Filter{From: base, To: base.Add(3 * time.Hour)}, []string{"c", "b", "a"}},
		{"inclusive end", tracking.Filter{From: base, To: base.Add(time.Hour)}, []string{"b", "a"}},
		{"device", tracking.Filter{From: base.Add(-48 * time.Hour), To: base.Add(3 * time.Hour), DeviceID: tracking.Ptr(int64(2))}, []string{"c", "d"}},
		{"user", tracking.Filter{From: base.Add(-48 * time.Hour), To: base.Add(3 * time.Hour), UserID: tracking.Ptr(int64(5))}, []string{"c"}},
		{"empty", tracking.Filter{From: base.Add(10 * time.Hour), To: base.Add(11 * time.Hour)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.QueryTrips(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, refs(got))
		})
	}
}

func TestTripStoreNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetTrip(context.Background(), 12345)
	assert.ErrorIs(t, err, tracking.ErrTripNotFound)
	_, err = store.GetTripByRef(context.Background(), "nope")
	assert.ErrorIs(t, err, tracking.ErrTripNotFound)
}

func TestRebind(t *testing.T) {
	pg := &TripStore{db: &DB{Driver: DriverPostgres}}
	lite := &TripStore{db: &DB{Driver: DriverSQLite}}
	q := "SELECT 1 WHERE a = ? AND b = ?"

	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn        string
		wantDriver string
		wantSource string
		wantErr    bool
	}{
		{"postgres://u:p@localhost:5432/trips?sslmode=disable", DriverPostgres, "postgres://u:p@localhost:5432/trips?sslmode=disable", false},
		{"postgresql://localhost/trips", DriverPostgres, "postgresql://localhost/trips", false},
		{"host=localhost dbname=trips", DriverPostgres, "host=localhost dbname=trips", false},
		{"sqlite:///var/lib/trips.db", DriverSQLite, "/var/lib/trips.db", false},
		{"sqlite://:memory:", DriverSQLite, ":memory:", false},
		{"file:trips.db?cache=shared", DriverSQLite, "file:trips.db?cache=shared", false},
		{"sqlite://", "", "", true},
		{"mysql://localhost/trips", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, source, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}
