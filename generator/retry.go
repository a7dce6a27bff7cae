package generator

import "time"

// RetryConfig holds retry tuning for generator requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per model.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration

	// Budget bounds one Generate call end to end, including backoff waits
	// and model fallbacks. Zero disables the bound.
	Budget time.Duration
}

// DefaultRetryConfig returns the retry defaults for generator requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		Budget:            60 * time.Second,
	}
}
