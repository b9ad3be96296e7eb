package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"trip-detector/internal/logger"
	"trip-detector/internal/tracking"
)

const shutdownTimeout = 3 * time.Second

// TripQuerier is the read path the HTTP layer needs.
type TripQuerier interface {
	Query(ctx context.Context, f tracking.Filter) ([]tracking.Trip, error)
	Get(ctx context.Context, id int64) (tracking.Trip, error)
	GetByRef(ctx context.Context, ref string) (tracking.Trip, error)
}

// TripView is the JSON shape of a trip.
type TripView struct {
	ID              int64      `json:"id,omitempty"`
	Ref             string     `json:"ref"`
	DeviceID        int64      `json:"deviceId"`
	UserID          *int64     `json:"userId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
	StartPositionID int64      `json:"startPositionId"`
	EndPositionID   *int64     `json:"endPositionId"`
	StartOdometer   *float64   `json:"startOdometer"`
	Distance        float64    `json:"distance"`
	DurationMs      *int64     `json:"durationMs"`
	StartAddress    *string    `json:"startAddress"`
	EndAddress      *string    `json:"endAddress"`
	Status          string     `json:"status"`
}

func NewTripView(t tracking.Trip) TripView {
	v := TripView{
		ID:              t.ID,
		Ref:             t.Ref,
		DeviceID:        t.DeviceID,
		UserID:          t.UserID,
		StartTime:       t.StartTime,
		EndTime:         t.EndTime,
		StartPositionID: t.StartPositionID,
		EndPositionID:   t.EndPositionID,
		StartOdometer:   t.StartOdometer,
		Distance:        t.Distance,
		StartAddress:    t.StartAddress,
		EndAddress:      t.EndAddress,
		Status:          string(t.Status()),
	}
	if t.Duration != nil {
		v.DurationMs = tracking.Ptr(t.Duration.Milliseconds())
	}
	return v
}

type Server struct {
	trips       TripQuerier
	log         *logger.Logger
	corsOrigins []string
}

// NewServer builds the trip API. With no corsOrigins any origin is allowed.
func NewServer(trips TripQuerier, log *logger.Logger, corsOrigins ...string) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{trips: trips, log: log.WithTag("api"), corsOrigins: corsOrigins}
}

func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}
	if len(s.corsOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.corsOrigins
	}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := router.Group("/api/trips")
	{
		api.GET("", s.handleQuery)
		api.GET("/:id", s.handleGet)
		api.GET("/ref/:ref", s.handleGetByRef)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s status=%d duration=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// ListenAndServe runs the trip API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infof("api listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleQuery(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trips, err := s.trips.Query(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorf("query trips: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	views := make([]TripView, 0, len(trips))
	for _, t := range trips {
		views = append(views, NewTripView(t))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGet(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}
	t, err := s.trips.Get(c.Request.Context(), id)
	s.writeTrip(c, t, err)
}

func (s *Server) handleGetByRef(c *gin.Context) {
	t, err := s.trips.GetByRef(c.Request.Context(), c.Param("ref"))
	s.writeTrip(c, t, err)
}

func (s *Server) writeTrip(c *gin.Context, t tracking.Trip, err error) {
	switch {
	case errors.Is(err, tracking.ErrTripNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trip not found"})
	case err != nil:
		s.log.Errorf("get trip: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
	default:
		c.JSON(http.StatusOK, NewTripView(t))
	}
}

func parseFilter(c *gin.Context) (tracking.Filter, error) {
	var f tracking.Filter
	var err error
	if f.From, err = time.Parse(time.RFC3339, c.Query("from")); err != nil {
		return f, errors.New("from must be an RFC3339 timestamp")
	}
	if f.To, err = time.Parse(time.RFC3339, c.Query("to")); err != nil {
		return f, errors.New("to must be an RFC3339 timestamp")
	}
	if v := c.Query("deviceId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("deviceId must be an integer")
		}
		f.DeviceID = &id
	}
	if v := c.Query("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("userId must be an integer")
		}
		f.UserID = &id
	}
	return f, nil
}
