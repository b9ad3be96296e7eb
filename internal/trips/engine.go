package trips

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/librescoot/librefsm"

	"trip-detector/internal/logger"
	mmetrics "trip-detector/internal/metrics"
	"trip-detector/internal/tracking"
)

// Positions moving less than this are treated as idle.
const idleDistanceEpsilon = 1.0

var ErrMalformedPosition = errors.New("position missing device id or fix time")

// Sink accepts closed trips that passed the minimum-trip filter.
type Sink interface {
	Submit(t tracking.Trip) error
}

// Engine runs one librefsm machine per device. Process may be called
// concurrently for different devices.
type Engine struct {
	cfg        Config
	registry   *Registry
	sink       Sink
	log        *logger.Logger
	metrics    *mmetrics.Collector
	newRef     func() string
	definition *librefsm.Definition

	openTrips atomic.Int64
}

func NewEngine(cfg Config, registry *Registry, sink Sink, log *logger.Logger, metrics *mmetrics.Collector) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trip config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		log:      log.WithTag("engine"),
		metrics:  metrics,
		newRef:   func() string { return uuid.NewString() },
	}
	e.definition = e.newDefinition()
	if err := e.definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state machine: %w", err)
	}
	return e, nil
}

// OpenTrips is the number of trips currently open across all devices.
func (e *Engine) OpenTrips() int64 { return e.openTrips.Load() }

type closeReason string

const (
	closeIgnition closeReason = "ignition"
	closeIdle     closeReason = "idle"
)

// Process feeds one position through the state machine. Malformed positions
// are logged and skipped without touching any state.
func (e *Engine) Process(p tracking.Position) error {
	if p.DeviceID == 0 || p.FixTime.IsZero() {
		e.log.Warnf("skipping position %d: %v", p.ID, ErrMalformedPosition)
		if e.metrics != nil {
			e.metrics.PositionsSkipped.Inc()
		}
		return ErrMalformedPosition
	}

	start := time.Now()
	var (
		ev  *positionEvent
		err error
	)
	e.registry.Update(p.DeviceID, func(s *DeviceState) {
		ev, err = e.step(s, p)
	})
	if err != nil {
		e.log.Errorf("device %d: position %d not applied: %v", p.DeviceID, p.ID, err)
		return err
	}
	opened, closed, reason := ev.opened, ev.closed, ev.reason

	if opened {
		e.openTrips.Add(1)
		e.log.Debugf("device %d: trip opened at %s", p.DeviceID, p.FixTime.Format(time.RFC3339))
		if e.metrics != nil {
			e.metrics.TripsOpened.Inc()
		}
	}
	if closed != nil {
		e.openTrips.Add(-1)
		if e.metrics != nil {
			e.metrics.TripsClosed.WithLabelValues(string(reason)).Inc()
		}
		e.finish(*closed, reason)
	}
	if e.metrics != nil {
		e.metrics.PositionsProcessed.Inc()
		e.metrics.OpenTrips.Set(float64(e.openTrips.Load()))
		e.metrics.Devices.Set(float64(e.registry.Len()))
		e.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// step applies one position to the device state by sending it through the
// device's machine. It runs under the device lock.
func (e *Engine) step(s *DeviceState, p tracking.Position) (*positionEvent, error) {
	if s.machine == nil {
		m, err := e.newMachine(s)
		if err != nil {
			return nil, fmt.Errorf("start state machine: %w", err)
		}
		s.machine = m
	}

	ev := &positionEvent{pos: p, delta: distanceDelta(s, p)}
	if t := s.CurrentTrip; t != nil {
		t.Distance += ev.delta
		if t.UserID == nil && p.UserID != nil {
			t.UserID = tracking.Ptr(*p.UserID)
		}
	}
	if err := s.machine.SendSync(librefsm.Event{ID: EvPosition, Payload: ev}); err != nil {
		return nil, err
	}
	if !ev.opened && ev.closed == nil && s.CurrentTrip != nil {
		trackStop(s, p.FixTime, ev.delta)
	}

	// never overwrite a known value with "unknown"
	if p.Ignition != nil {
		s.LastIgnition = tracking.Ptr(*p.Ignition)
	}
	if p.Motion != nil {
		s.LastMotion = tracking.Ptr(*p.Motion)
	}
	s.LastPosition = tracking.Ptr(p)
	return ev, nil
}

func (e *Engine) shouldStart(s *DeviceState, p tracking.Position) bool {
	// cold start: nothing observed yet for this device
	if s.LastIgnition == nil && s.LastMotion == nil {
		return isTrue(p.Motion) && (!e.cfg.IgnitionRequired || isTrue(p.Ignition))
	}
	if e.cfg.IgnitionRequired {
		if isFalse(s.LastIgnition) && isTrue(p.Ignition) {
			return true
		}
		ignitionOn := isTrue(p.Ignition) || (p.Ignition == nil && isTrue(s.LastIgnition))
		if !ignitionOn {
			return false
		}
	}
	return isFalse(s.LastMotion) && isTrue(p.Motion)
}

func (e *Engine) openTrip(p tracking.Position) *tracking.Trip {
	t := &tracking.Trip{
		Ref:             e.newRef(),
		DeviceID:        p.DeviceID,
		StartTime:       p.FixTime,
		StartPositionID: p.ID,
	}
	if p.UserID != nil {
		t.UserID = tracking.Ptr(*p.UserID)
	}
	if p.Odometer != nil {
		t.StartOdometer = tracking.Ptr(*p.Odometer)
	}
	return t
}

func closeTrip(t *tracking.Trip, p tracking.Position) *tracking.Trip {
	c := t.Clone()
	c.EndTime = tracking.Ptr(p.FixTime)
	c.EndPositionID = tracking.Ptr(p.ID)
	c.Duration = tracking.Ptr(p.FixTime.Sub(t.StartTime))
	return &c
}

// finish applies the minimum-trip filter and hands qualifying trips to the sink.
func (e *Engine) finish(t tracking.Trip, reason closeReason) {
	if !e.qualifies(t) {
		e.log.Debugf("device %d: discarding trip %s (%s): distance=%.1fm duration=%s", t.DeviceID, t.Ref, reason, t.Distance, *t.Duration)
		if e.metrics != nil {
			e.metrics.TripsDiscarded.WithLabelValues("filter").Inc()
		}
		return
	}
	e.log.Debugf("device %d: trip %s closed (%s): distance=%.1fm duration=%s", t.DeviceID, t.Ref, reason, t.Distance, *t.Duration)
	if err := e.sink.Submit(t); err != nil {
		e.log.Errorf("device %d: trip %s lost: %v", t.DeviceID, t.Ref, err)
	}
}

func (e *Engine) qualifies(t tracking.Trip) bool {
	return t.Duration != nil && t.Distance >= e.cfg.MinDistance && *t.Duration >= e.cfg.MinDuration
}

// RemoveDevice drops a device's state. An open trip is discarded unpersisted.
func (e *Engine) RemoveDevice(deviceID int64) {
	st, ok := e.registry.Remove(deviceID)
	if !ok {
		return
	}
	if st.machine != nil {
		st.machine.Stop()
	}
	if st.CurrentTrip != nil {
		e.openTrips.Add(-1)
		e.log.Infof("device %d removed with open trip %s; discarding", deviceID, st.CurrentTrip.Ref)
		if e.metrics != nil {
			e.metrics.TripsDiscarded.WithLabelValues("removed").Inc()
			e.metrics.OpenTrips.Set(float64(e.openTrips.Load()))
		}
	}
	if e.metrics != nil {
		e.metrics.Devices.Set(float64(e.registry.Len()))
	}
}

// Close stops every device machine. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.registry.each(func(s *DeviceState) bool {
		if s.machine != nil {
			s.machine.Stop()
			s.machine = nil
		}
		return true
	})
}

// distanceDelta prefers the reported delta and falls back to the great-circle
// distance from the previous position. Negative deltas count as zero.
func distanceDelta(s *DeviceState, p tracking.Position) float64 {
	if p.Distance != nil {
		return max(*p.Distance, 0)
	}
	if s.LastPosition != nil && s.LastPosition.HasCoordinates() && p.HasCoordinates() {
		return tracking.DistanceMeters(s.LastPosition.Latitude, s.LastPosition.Longitude, p.Latitude, p.Longitude)
	}
	return 0
}

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }
