package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trip-detector/internal/logger"
	"trip-detector/internal/tracking"
)

const keyPrefix = "trips:open:"

// redisClient is the subset of *redis.Client the mirror uses.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// OpenTripSource yields the trips currently open in memory.
type OpenTripSource interface {
	Snapshot() []tracking.Trip
}

// OpenTrip is the cached JSON value for a device's open trip.
type OpenTrip struct {
	Ref             string    `json:"ref"`
	DeviceID        int64     `json:"deviceId"`
	UserID          *int64    `json:"userId,omitempty"`
	StartTime       time.Time `json:"startTime"`
	StartPositionID int64     `json:"startPositionId"`
	Distance        float64   `json:"distance"`
	SyncedAt        time.Time `json:"syncedAt"`
}

// Mirror periodically copies open trips into Redis under trips:open:<deviceId>
// so other services can read live trip state. Keys expire if syncing stops.
type Mirror struct {
	rdb      redisClient
	src      OpenTripSource
	interval time.Duration
	log      *logger.Logger

	written map[string]struct{}
	now     func() time.Time
}

func NewMirror(rdb redisClient, src OpenTripSource, interval time.Duration, log *logger.Logger) *Mirror {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Mirror{
		rdb:      rdb,
		src:      src,
		interval: interval,
		log:      log.WithTag("cache"),
		written:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Key is the Redis key for a device's open trip.
func Key(deviceID int64) string {
	return keyPrefix + strconv.FormatInt(deviceID, 10)
}

// Run syncs on every tick until ctx is cancelled. Sync errors are logged and
// retried on the next tick.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := m.Sync(ctx); err != nil {
			m.log.Warnf("sync open trips: %v", err)
		}
	}
}

// Sync writes every open trip and deletes keys of trips that have closed
// since the previous sync.
func (m *Mirror) Sync(ctx context.Context) error {
	ttl := 3 * m.interval
	now := m.now().UTC()
	current := make(map[string]struct{})
	for _, t := range m.src.Snapshot() {
		key := Key(t.DeviceID)
		b, err := json.Marshal(OpenTrip{
			Ref:             t.Ref,
			DeviceID:        t.DeviceID,
			UserID:          t.UserID,
			StartTime:       t.StartTime,
			StartPositionID: t.StartPositionID,
			Distance:        t.Distance,
			SyncedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("encode trip %s: %w", t.Ref, err)
		}
		if err := m.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		current[key] = struct{}{}
	}

	var stale []string
	for key := range m.written {
		if _, ok := current[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := m.rdb.Del(ctx, stale...).Err(); err != nil {
			return fmt.Errorf("delete closed trips: %w", err)
		}
	}
	m.written = current
	m.log.Debugf("synced %d open trips, cleared %d", len(current), len(stale))
	return nil
}
