package trips

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trip-detector/internal/tracking"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	trips []tracking.Trip
	err   error
}

func (s *recordingSink) Submit(t tracking.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.trips = append(s.trips, t)
	return nil
}

func (s *recordingSink) Trips() []tracking.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracking.Trip(nil), s.trips...)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *Registry, *recordingSink) {
	t.Helper()
	reg := NewRegistry()
	sink := &recordingSink{}
	eng, err := NewEngine(cfg, reg, sink, nil, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	var (
		mu sync.Mutex
		n  int
	)
	eng.newRef = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("ref-%d", n)
	}
	return eng, reg, sink
}

type posOpt func(*tracking.Position)

func ign(b bool) posOpt     { return func(p *tracking.Position) { p.Ignition = tracking.Ptr(b) } }
func mot(b bool) posOpt     { return func(p *tracking.Position) { p.Motion = tracking.Ptr(b) } }
func dist(m float64) posOpt { return func(p *tracking.Position) { p.Distance = tracking.Ptr(m) } }
func odo(m float64) posOpt  { return func(p *tracking.Position) { p.Odometer = tracking.Ptr(m) } }
func user(id int64) posOpt  { return func(p *tracking.Position) { p.UserID = tracking.Ptr(id) } }
func at(lat, lon float64) posOpt {
	return func(p *tracking.Position) { p.Latitude, p.Longitude = lat, lon }
}

func pos(device, id int64, offset time.Duration, opts ...posOpt) tracking.Position {
	p := tracking.Position{ID: id, DeviceID: device, FixTime: t0.Add(offset)}
	for _, o := range opts {
		o(&p)
	}
	return p
}

func feed(t *testing.T, e *Engine, ps ...tracking.Position) {
	t.Helper()
	for _, p := range ps {
		require.NoError(t, e.Process(p))
	}
}
