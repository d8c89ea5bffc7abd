package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a Policy. Zero values keep the
// defaults; a negative jitter fraction disables jitter.
func FromRetryConfig(maxAttempts, baseDelayMs, maxDelayMs, attemptTimeoutSecs int, multiplier, jitterFraction float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if attemptTimeoutSecs > 0 {
		p.AttemptTimeout = time.Duration(attemptTimeoutSecs) * time.Second
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	switch {
	case jitterFraction < 0:
		p.Jitter = NoJitter
	case jitterFraction > 0:
		p.Jitter = FractionJitter(jitterFraction)
	}
	return p
}

// FromCircuitConfig converts config values to a BreakerConfig.
func FromCircuitConfig(failureThreshold, cooldownSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
