package trips

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"trip-detector/internal/tracking"
)

// TripReader is the read side of the trip persistence gateway. It only
// ever returns closed trips.
type TripReader interface {
	QueryTrips(ctx context.Context, f tracking.Filter) ([]tracking.Trip, error)
	GetTrip(ctx context.Context, id int64) (tracking.Trip, error)
	GetTripByRef(ctx context.Context, ref string) (tracking.Trip, error)
}

// Service merges persisted trips with trips still open in the registry.
type Service struct {
	store    TripReader
	registry *Registry
}

func NewService(store TripReader, registry *Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Query returns closed and open trips starting within [f.From, f.To],
// newest first.
func (s *Service) Query(ctx context.Context, f tracking.Filter) ([]tracking.Trip, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	stored, err := s.store.QueryTrips(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query stored trips: %w", err)
	}
	open := s.registry.OpenTrips(f)

	out := make([]tracking.Trip, 0, len(stored)+len(open))
	out = append(out, stored...)
	out = append(out, open...)
	slices.SortFunc(out, compareTrips)
	return out, nil
}

// compareTrips orders by start time descending. Ties fall back to id, then
// device and ref, so the order is stable across calls.
func compareTrips(a, b tracking.Trip) int {
	if c := b.StartTime.Compare(a.StartTime); c != 0 {
		return c
	}
	if c := cmp.Compare(b.ID, a.ID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DeviceID, b.DeviceID); c != 0 {
		return c
	}
	return strings.Compare(a.Ref, b.Ref)
}

// Get returns a persisted trip. Open trips have no id yet.
func (s *Service) Get(ctx context.Context, id int64) (tracking.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

// GetByRef resolves an open trip first, then a persisted one.
func (s *Service) GetByRef(ctx context.Context, ref string) (tracking.Trip, error) {
	if ref == "" {
		return tracking.Trip{}, tracking.ErrTripNotFound
	}
	if t, ok := s.registry.FindOpen(ref); ok {
		return t, nil
	}
	return s.store.GetTripByRef(ctx, ref)
}
