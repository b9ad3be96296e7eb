package metrics

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/logger"
)

func TestNewCollectorSetsConfigGauges(t *testing.T) {
	c := NewCollector(3*time.Minute, 100, time.Minute, true)

	assert.Equal(t, 180.0, testutil.ToFloat64(c.IdleTimeout))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.MinDistance))
	assert.Equal(t, 60.0, testutil.ToFloat64(c.MinDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IgnitionRequired))
}

func TestHandlerExposesCounters(t *testing.T) {
	c := NewCollector(time.Minute, 0, 0, false)
	c.TripsClosed.WithLabelValues("idle").Inc()
	c.PositionsProcessed.Add(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `tripdetector_trips_closed_total{reason="idle"} 1`))
	assert.True(t, strings.Contains(body, "tripdetector_positions_processed_total 3"))
}

func TestListenAndServeLogsAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(log.New(&buf, "", 0), logger.LogLevelInfo)
	c := NewCollector(time.Minute, 0, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ListenAndServe(ctx, "127.0.0.1:0", lg) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
	assert.Equal(t, "[metrics] listening on 127.0.0.1:0\n", buf.String())
}
