// Package retry computes exponential backoff schedules. The reconnection
// controller owns the retry loop itself; this package only answers how long
// to wait before a given attempt, so the schedule stays exact and testable.
package retry

import "time"

// Config describes one backoff schedule.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound on the delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
}

// normalize fills in zero values and bounds pathological configuration.
func (cfg Config) normalize() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	return cfg
}

// Delay returns the backoff delay before retry attempt n (1-indexed):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (cfg Config) Delay(attempt int) time.Duration {
	cfg = cfg.normalize()
	if attempt <= 1 {
		return cfg.InitialDelay
	}

	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if delay >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	return time.Duration(delay)
}
