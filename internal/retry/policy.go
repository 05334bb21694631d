// -----------------------------------------------------------------------
// Retry policy - failure classification and exponential backoff
// -----------------------------------------------------------------------

package retry

import (
	"math"
	"time"

	"github.com/ternarybob/strata/internal/models"
)

// Policy decides whether a failed task is retried and after what delay.
// Contract violations and business failures are never retried; transient
// failures retry up to the attempt budget; unclassified failures get one
// retry and are then treated as permanent.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicy creates a retry policy, applying defaults for zero values.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
	}
}

// Decision is the outcome of classifying a failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide classifies a failure given its category and the task's current
// retry count (retries already consumed, not counting the first attempt).
func (p *Policy) Decide(category models.ErrorCategory, retryCount int) Decision {
	switch category {
	case models.ErrorCategoryContract, models.ErrorCategoryBusiness:
		return Decision{Retry: false}
	case models.ErrorCategoryTransient:
		if retryCount >= p.MaxAttempts {
			return Decision{Retry: false}
		}
		return Decision{Retry: true, Delay: p.DelayFor(retryCount)}
	default:
		// Unknown categories behave like unclassified.
		if retryCount >= 1 {
			return Decision{Retry: false}
		}
		return Decision{Retry: true, Delay: p.DelayFor(retryCount)}
	}
}

// DelayFor computes the backoff before the next attempt:
// min(base * 2^retryCount, max).
func (p *Policy) DelayFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return p.MaxDelay
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(retryCount)))
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}
