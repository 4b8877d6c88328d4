package resilience

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines exponential backoff behaviour
type RetryPolicy struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter" json:"jitter" mapstructure:"jitter"`
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// CalculateRetryDelay returns min(initial*multiplier^attempt, max), scaled by a
// uniform factor in [0.5, 1.0] when jitter is on, floored to whole milliseconds.
func CalculateRetryDelay(attempt int, policy RetryPolicy) time.Duration {
	return calculateRetryDelay(attempt, policy, rand.Float64)
}

func calculateRetryDelay(attempt int, policy RetryPolicy, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		delay *= 0.5 + random()*0.5
	}

	ms := math.Floor(delay / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
