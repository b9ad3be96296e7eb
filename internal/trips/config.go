package trips

import (
	"fmt"
	"math"
	"time"
)

// Config holds the detection tunables. It is immutable once the engine starts.
type Config struct {
	IdleTimeout      time.Duration
	MinDistance      float64 // meters
	MinDuration      time.Duration
	IgnitionRequired bool
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:      180 * time.Second,
		MinDistance:      100,
		MinDuration:      60 * time.Second,
		IgnitionRequired: true,
	}
}

func (c Config) Validate() error {
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative: %s", c.IdleTimeout)
	}
	if math.IsNaN(c.MinDistance) || math.IsInf(c.MinDistance, 0) {
		return fmt.Errorf("minimum distance must be finite: %g", c.MinDistance)
	}
	if c.MinDistance < 0 {
		return fmt.Errorf("minimum distance must not be negative: %g", c.MinDistance)
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("minimum duration must not be negative: %s", c.MinDuration)
	}
	return nil
}
