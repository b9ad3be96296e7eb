package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trip-detector/internal/logger"
	"trip-detector/internal/trips"
)

type Config struct {
	DatabaseURL string

	NATSURL              string
	PositionsSubject     string
	DeviceRemovedSubject string
	LogNATSSubjects      bool

	RedisAddr         string
	RedisSyncInterval time.Duration

	Trips  trips.Config
	Writer trips.WriterOptions

	IngestWorkers int

	HTTPAddr    string
	CORSOrigins []string
	MetricsAddr string
	LogLevel    logger.LogLevel
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (use sqlite://path for a local store)")
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.User(user),
			Host:     net.JoinHostPort(host, port),
			Path:     "/" + db,
			RawQuery: url.Values{"sslmode": {getenvDefault("PGSSLMODE", "disable")}}.Encode(),
		}
		if pass != "" {
			u.User = url.UserPassword(user, pass)
		}
		cfg.DatabaseURL = u.String()
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.PositionsSubject = getenvDefault("NATS_POSITIONS_SUBJECT", "positions.>")
	cfg.DeviceRemovedSubject = getenvDefault("NATS_DEVICE_REMOVED_SUBJECT", "devices.removed")
	var err error
	if cfg.LogNATSSubjects, err = parseBool("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	// Optional Redis mirror of open trips. Empty REDIS_ADDR disables it.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisSyncInterval, err = durationMs("REDIS_SYNC_INTERVAL_MS", 5*time.Second); err != nil {
		return nil, err
	}

	// Detection tunables
	cfg.Trips = trips.DefaultConfig()
	if cfg.Trips.IdleTimeout, err = durationMs("TRIP_IDLE_TIMEOUT_MS", cfg.Trips.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.Trips.MinDuration, err = durationMs("TRIP_MIN_DURATION_MS", cfg.Trips.MinDuration); err != nil {
		return nil, err
	}
	if v := os.Getenv("TRIP_MIN_DISTANCE_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TRIP_MIN_DISTANCE_M: %q", v)
		}
		cfg.Trips.MinDistance = f
	}
	if cfg.Trips.IgnitionRequired, err = parseBool("TRIP_IGNITION_REQUIRED", cfg.Trips.IgnitionRequired); err != nil {
		return nil, err
	}
	if err := cfg.Trips.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trip settings: %w", err)
	}

	// Workers and persistence queue
	cfg.Writer = trips.DefaultWriterOptions()
	if cfg.IngestWorkers, err = positiveInt("INGEST_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.Writer.Workers, err = positiveInt("PERSIST_WORKERS", cfg.Writer.Workers); err != nil {
		return nil, err
	}
	if cfg.Writer.QueueSize, err = positiveInt("PERSIST_QUEUE_SIZE", cfg.Writer.QueueSize); err != nil {
		return nil, err
	}
	if cfg.Writer.MaxAttempts, err = positiveInt("PERSIST_MAX_ATTEMPTS", cfg.Writer.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Writer.Backoff, err = durationMs("PERSIST_BACKOFF_MS", cfg.Writer.Backoff); err != nil {
		return nil, err
	}

	// HTTP listen addresses. Empty disables the server.
	cfg.HTTPAddr = ":8080"
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = strings.TrimSpace(v)
	}
	// Comma separated; empty allows any origin
	for _, o := range strings.Split(os.Getenv("CORS_ALLOW_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = logger.LogLevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := logger.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func durationMs(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return def, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
