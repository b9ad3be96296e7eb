package trips

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/librescoot/librefsm"

	"trip-detector/internal/tracking"
)

// Detection states
const (
	StateIdle   librefsm.StateID = "idle"
	StateActive librefsm.StateID = "active"
)

// EvPosition carries one *positionEvent through a device machine.
const EvPosition librefsm.EventID = "position"

// positionEvent is the payload of EvPosition. Transition actions report
// what happened back to Process through it.
type positionEvent struct {
	pos   tracking.Position
	delta float64

	opened bool
	closed *tracking.Trip
	reason closeReason
}

// fsmLogger keeps librefsm's per-event debug chatter out of the process log.
var fsmLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newDefinition builds the per-device detection machine. Idle timeouts are
// judged on fix times carried by positions, never on librefsm timers.
func (e *Engine) newDefinition() *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateIdle).
		State(StateActive).

		// From Idle
		Transition(StateIdle, EvPosition, StateActive,
			librefsm.WithGuard(e.canStart),
			librefsm.WithAction(e.onStart),
		).

		// From Active; ignition is checked before idling
		Transition(StateActive, EvPosition, StateIdle,
			librefsm.WithGuard(e.ignitionDropped),
			librefsm.WithAction(e.onEnd(closeIgnition)),
		).
		Transition(StateActive, EvPosition, StateIdle,
			librefsm.WithGuard(e.idleExpired),
			librefsm.WithAction(e.onEnd(closeIdle)),
		).
		Initial(StateIdle)
}

// newMachine builds and starts a machine bound to s. A state that already
// holds an open trip starts in Active.
func (e *Engine) newMachine(s *DeviceState) (*librefsm.Machine, error) {
	m, err := e.definition.Build(
		librefsm.WithData(s),
		librefsm.WithLogger(fsmLogger),
		librefsm.WithEventQueueSize(1),
	)
	if err != nil {
		return nil, err
	}
	if err := m.Start(context.Background()); err != nil {
		return nil, err
	}
	if s.CurrentTrip != nil {
		if err := m.SetState(StateActive); err != nil {
			m.Stop()
			return nil, err
		}
	}
	return m, nil
}

func eventData(c *librefsm.Context) (*DeviceState, *positionEvent) {
	return c.Data.(*DeviceState), c.Event.Payload.(*positionEvent)
}

// === Guards ===

func (e *Engine) canStart(c *librefsm.Context) bool {
	s, ev := eventData(c)
	return e.shouldStart(s, ev.pos)
}

func (e *Engine) ignitionDropped(c *librefsm.Context) bool {
	s, ev := eventData(c)
	return e.cfg.IgnitionRequired && isTrue(s.LastIgnition) && isFalse(ev.pos.Ignition)
}

// idleExpired holds when the vehicle has stayed within the idle distance
// since a stop stamped by an earlier position for at least the idle timeout.
func (e *Engine) idleExpired(c *librefsm.Context) bool {
	s, ev := eventData(c)
	if ev.delta >= idleDistanceEpsilon || s.LastStopTime == nil {
		return false
	}
	return ev.pos.FixTime.Sub(*s.LastStopTime) >= e.cfg.IdleTimeout
}

// === Transition actions ===

func (e *Engine) onStart(c *librefsm.Context) error {
	s, ev := eventData(c)
	s.CurrentTrip = e.openTrip(ev.pos)
	s.LastStopTime = nil
	ev.opened = true
	return nil
}

func (e *Engine) onEnd(reason closeReason) func(*librefsm.Context) error {
	return func(c *librefsm.Context) error {
		s, ev := eventData(c)
		ev.closed = closeTrip(s.CurrentTrip, ev.pos)
		ev.reason = reason
		s.CurrentTrip = nil
		s.LastStopTime = nil
		return nil
	}
}

// trackStop updates the stop stamp of an open trip that did not close.
func trackStop(s *DeviceState, fixTime time.Time, delta float64) {
	if delta >= idleDistanceEpsilon {
		s.LastStopTime = nil
		return
	}
	if s.LastStopTime == nil {
		s.LastStopTime = tracking.Ptr(fixTime)
	}
}
