package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// defaultBackoffConfig yields the 250ms -> 2s -> 16s schedule with jitter.
func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 250,
		BackoffFactor:  8.0,
		MaxDelayMS:     16_000,
		Jitter:         true,
	}
}

// DelayForAttempt returns the retry delay for a 1-indexed attempt. Jitter is
// deterministic per seed so tests and re-deliveries are reproducible.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	// base = initial * factor^(attempt-1), capped.
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter after capping, in [0.5, 1.5].
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
