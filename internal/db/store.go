package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trip-detector/internal/tracking"
)

const tripColumns = `id, ref, device_id, user_id, start_time_ms, end_time_ms,
       start_position_id, end_position_id, start_odometer, distance, duration_ms,
       start_address, end_address`

// TripStore persists closed trips. Times are stored as Unix milliseconds so
// both drivers compare them the same way.
type TripStore struct {
	db *DB
}

func NewTripStore(db *DB) *TripStore {
	return &TripStore{db: db}
}

// CloseTrip writes a closed trip and returns its id. Writing the same ref
// again returns the existing id, so retried writes never duplicate a trip.
func (s *TripStore) CloseTrip(ctx context.Context, t tracking.Trip) (int64, error) {
	if t.EndTime == nil || t.EndPositionID == nil {
		return 0, fmt.Errorf("trip %s is still open", t.Ref)
	}
	if t.Ref == "" {
		return 0, errors.New("trip has no ref")
	}
	duration := t.EndTime.Sub(t.StartTime)
	if t.Duration != nil {
		duration = *t.Duration
	}

	q := s.rebind(`
INSERT INTO trips (ref, device_id, user_id, start_time_ms, end_time_ms,
                   start_position_id, end_position_id, start_odometer, distance, duration_ms,
                   start_address, end_address)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (ref) DO NOTHING
RETURNING id`)
	var id int64
	err := s.db.QueryRowContext(ctx, q,
		t.Ref, t.DeviceID, nullable(t.UserID), t.StartTime.UnixMilli(), t.EndTime.UnixMilli(),
		t.StartPositionID, *t.EndPositionID, nullable(t.StartOdometer), t.Distance, duration.Milliseconds(),
		nullable(t.StartAddress), nullable(t.EndAddress),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// already written by an earlier attempt
		err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM trips WHERE ref = ?`), t.Ref).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("insert trip %s: %w", t.Ref, err)
	}
	return id, nil
}

// QueryTrips returns stored trips starting within [f.From, f.To].
func (s *TripStore) QueryTrips(ctx context.Context, f tracking.Filter) ([]tracking.Trip, error) {
	var (
		where = []string{"start_time_ms >= ?", "start_time_ms <= ?"}
		args  = []any{f.From.UnixMilli(), f.To.UnixMilli()}
	)
	if f.DeviceID != nil {
		where = append(where, "device_id = ?")
		args = append(args, *f.DeviceID)
	}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	q := s.rebind(`SELECT ` + tripColumns + ` FROM trips WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY start_time_ms DESC, id DESC`)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []tracking.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (s *TripStore) GetTrip(ctx context.Context, id int64) (tracking.Trip, error) {
	return s.getOne(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, id)
}

func (s *TripStore) GetTripByRef(ctx context.Context, ref string) (tracking.Trip, error) {
	return s.getOne(ctx, `SELECT `+tripColumns+` FROM trips WHERE ref = ?`, ref)
}

func (s *TripStore) getOne(ctx context.Context, q string, arg any) (tracking.Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx, s.rebind(q), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Trip{}, tracking.ErrTripNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (tracking.Trip, error) {
	var (
		t                        tracking.Trip
		userID                   sql.NullInt64
		startMs, endMs, durMs    int64
		endPositionID            int64
		startOdometer            sql.NullFloat64
		startAddress, endAddress sql.NullString
	)
	err := row.Scan(&t.ID, &t.Ref, &t.DeviceID, &userID, &startMs, &endMs,
		&t.StartPositionID, &endPositionID, &startOdometer, &t.Distance, &durMs,
		&startAddress, &endAddress)
	if err != nil {
		return tracking.Trip{}, err
	}
	t.StartTime = time.UnixMilli(startMs).UTC()
	t.EndTime = tracking.Ptr(time.UnixMilli(endMs).UTC())
	t.EndPositionID = tracking.Ptr(endPositionID)
	t.Duration = tracking.Ptr(time.Duration(durMs) * time.Millisecond)
	if userID.Valid {
		t.UserID = tracking.Ptr(userID.Int64)
	}
	if startOdometer.Valid {
		t.StartOdometer = tracking.Ptr(startOdometer.Float64)
	}
	if startAddress.Valid {
		t.StartAddress = tracking.Ptr(startAddress.String)
	}
	if endAddress.Valid {
		t.EndAddress = tracking.Ptr(endAddress.String)
	}
	return t, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *TripStore) rebind(q string) string {
	if s.db.Driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
