package ghsync

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig shapes the retry delay after a failed fetch.
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor" json:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Jitter         bool    `yaml:"jitter" json:"jitter"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         true,
	}
}

// DelayForAttempt computes the delay before retry attempt (1-indexed).
// Jitter is seeded, not random, so tests stay deterministic.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5x, 1.5x]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func retrySeed(runID string, attempt int) string {
	return fmt.Sprintf("%s:%d", runID, attempt)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
