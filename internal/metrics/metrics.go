package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trip-detector/internal/logger"
)

type Collector struct {
	reg *prometheus.Registry

	OpenTrips prometheus.Gauge
	Devices   prometheus.Gauge

	PositionsProcessed prometheus.Counter
	PositionsSkipped   prometheus.Counter

	TripsOpened    prometheus.Counter
	TripsClosed    *prometheus.CounterVec // reason label: ignition|idle
	TripsDiscarded *prometheus.CounterVec // reason label: filter|removed

	PersistSucceeded prometheus.Counter
	PersistRetries   prometheus.Counter
	PersistFailed    prometheus.Counter
	PersistDropped   prometheus.Counter
	PersistQueue     prometheus.Gauge

	NATSReceived     prometheus.Counter
	NATSDecodeErrors prometheus.Counter
	NATSConnected    prometheus.Gauge

	ProcessDuration prometheus.Histogram
	PersistDuration prometheus.Histogram

	IdleTimeout      prometheus.Gauge // seconds
	MinDistance      prometheus.Gauge // meters
	MinDuration      prometheus.Gauge // seconds
	IgnitionRequired prometheus.Gauge
}

func NewCollector(idleTimeout time.Duration, minDistance float64, minDuration time.Duration, ignitionRequired bool) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		OpenTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_open_trips",
			Help: "Number of trips currently open in memory.",
		}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_devices",
			Help: "Number of devices with detection state.",
		}),
		PositionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_positions_processed_total",
			Help: "Total positions run through the state machine.",
		}),
		PositionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_positions_skipped_total",
			Help: "Total positions skipped for missing device id or fix time.",
		}),
		TripsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_trips_opened_total",
			Help: "Total trips opened.",
		}),
		TripsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdetector_trips_closed_total",
			Help: "Total trips closed by end condition.",
		}, []string{"reason"}),
		TripsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdetector_trips_discarded_total",
			Help: "Total trips dropped without persistence.",
		}, []string{"reason"}),
		PersistSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_persist_succeeded_total",
			Help: "Total trips written to storage.",
		}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_persist_retries_total",
			Help: "Total retried trip writes.",
		}),
		PersistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_persist_failed_total",
			Help: "Total trips lost after exhausting write attempts.",
		}),
		PersistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_persist_dropped_total",
			Help: "Total trips lost because the write queue was full or closed.",
		}),
		PersistQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_persist_queue_length",
			Help: "Trips waiting to be written.",
		}),
		NATSReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_nats_received_total",
			Help: "Total NATS position messages received.",
		}),
		NATSDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_nats_decode_errors_total",
			Help: "Total NATS messages that failed to decode.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripdetector_process_duration_seconds",
			Help:    "Duration of a single state machine step.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripdetector_persist_duration_seconds",
			Help:    "Duration of a single trip write attempt.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		IdleTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_idle_timeout_seconds",
			Help: "Configured idle timeout in seconds.",
		}),
		MinDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_min_distance_meters",
			Help: "Configured minimum trip distance.",
		}),
		MinDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_min_duration_seconds",
			Help: "Configured minimum trip duration in seconds.",
		}),
		IgnitionRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_ignition_required",
			Help: "1 if ignition is a required trip signal.",
		}),
	}

	reg.MustRegister(
		c.OpenTrips, c.Devices,
		c.PositionsProcessed, c.PositionsSkipped,
		c.TripsOpened, c.TripsClosed, c.TripsDiscarded,
		c.PersistSucceeded, c.PersistRetries, c.PersistFailed, c.PersistDropped, c.PersistQueue,
		c.NATSReceived, c.NATSDecodeErrors, c.NATSConnected,
		c.ProcessDuration, c.PersistDuration,
		c.IdleTimeout, c.MinDistance, c.MinDuration, c.IgnitionRequired,
	)

	c.IdleTimeout.Set(idleTimeout.Seconds())
	c.MinDistance.Set(minDistance)
	c.MinDuration.Set(minDuration.Seconds())
	if ignitionRequired {
		c.IgnitionRequired.Set(1)
	}

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// ListenAndServe exposes /metrics on addr until ctx is cancelled.
func (c *Collector) ListenAndServe(ctx context.Context, addr string, log *logger.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithTag("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	// Shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
