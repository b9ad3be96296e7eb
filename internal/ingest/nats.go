package ingest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"trip-detector/internal/logger"
	"trip-detector/internal/tracking"
)

type IngestMetrics interface {
	NATSReceivedInc()
	NATSDecodeErrInc()
	NATSSetConnected(connected bool)
}

// Router is where decoded messages go; *Dispatcher implements it.
type Router interface {
	Dispatch(p tracking.Position)
	Remove(deviceID int64)
}

type PositionAttributes struct {
	Ignition *bool    `json:"ignition,omitempty"`
	Motion   *bool    `json:"motion,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
	Odometer *float64 `json:"odometer,omitempty"`
}

// PositionMessage is the JSON body published by the position stream.
type PositionMessage struct {
	ID         int64              `json:"id"`
	DeviceID   int64              `json:"deviceId"`
	UserID     *int64             `json:"userId,omitempty"`
	FixTime    time.Time          `json:"fixTime"`
	Latitude   float64            `json:"latitude"`
	Longitude  float64            `json:"longitude"`
	Attributes PositionAttributes `json:"attributes"`
}

func (m PositionMessage) Position() tracking.Position {
	return tracking.Position{
		ID:        m.ID,
		DeviceID:  m.DeviceID,
		UserID:    m.UserID,
		FixTime:   m.FixTime,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Ignition:  m.Attributes.Ignition,
		Motion:    m.Attributes.Motion,
		Distance:  m.Attributes.Distance,
		Odometer:  m.Attributes.Odometer,
	}
}

type DeviceRemovedMessage struct {
	DeviceID int64 `json:"deviceId"`
}

const drainTimeout = 10 * time.Second

type NATSSubscriber struct {
	nc          *nats.Conn
	subs        []*nats.Subscription
	logSubjects bool
	metrics     IngestMetrics
	log         *logger.Logger
	closed      chan struct{}
}

func NewNATSSubscriber(url string, logSubjects bool, m IngestMetrics, log *logger.Logger) (*NATSSubscriber, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithTag("nats")
	closed := make(chan struct{})
	var closeOnce sync.Once
	nc, err := nats.Connect(url,
		nats.Name("trip-detector"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Infof("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Infof("nats closed")
			closeOnce.Do(func() { close(closed) })
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Errorf("nats async error on %q: %v", subject, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSSubscriber{nc: nc, logSubjects: logSubjects, metrics: m, log: log, closed: closed}, nil
}

// SubscribePositions routes every position message on subject to r. NATS
// delivers a subscription's messages in order on a single goroutine.
func (s *NATSSubscriber) SubscribePositions(subject string, r Router) error {
	sub, err := s.nc.Subscribe(subject, s.positionHandler(r))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	s.log.Infof("subscribed to positions on %s", subject)
	return nil
}

func (s *NATSSubscriber) SubscribeDeviceRemovals(subject string, r Router) error {
	sub, err := s.nc.Subscribe(subject, s.removalHandler(r))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	s.log.Infof("subscribed to device removals on %s", subject)
	return nil
}

func (s *NATSSubscriber) positionHandler(r Router) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if s.logSubjects {
			s.log.Infof("nats receive subject=%s", msg.Subject)
		}
		if s.metrics != nil {
			s.metrics.NATSReceivedInc()
		}
		var pm PositionMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			if s.metrics != nil {
				s.metrics.NATSDecodeErrInc()
			}
			s.log.Warnf("bad position message on %s: %v", msg.Subject, err)
			return
		}
		r.Dispatch(pm.Position())
	}
}

func (s *NATSSubscriber) removalHandler(r Router) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var dm DeviceRemovedMessage
		if err := json.Unmarshal(msg.Data, &dm); err != nil || dm.DeviceID == 0 {
			if s.metrics != nil {
				s.metrics.NATSDecodeErrInc()
			}
			s.log.Warnf("bad device removal message on %s: %s", msg.Subject, string(msg.Data))
			return
		}
		s.log.Infof("device %d removed", dm.DeviceID)
		r.Remove(dm.DeviceID)
	}
}

// Close drains pending messages into their handlers, then closes the connection.
func (s *NATSSubscriber) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.log.Warnf("nats drain: %v", err)
		s.nc.Close()
		return
	}
	select {
	case <-s.closed:
	case <-time.After(drainTimeout):
		s.log.Warnf("nats drain timed out after %s", drainTimeout)
		s.nc.Close()
	}
}
