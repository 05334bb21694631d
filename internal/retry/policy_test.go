package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/strata/internal/models"
)

func TestDecideByCategory(t *testing.T) {
	p := NewPolicy(3, 5*time.Second, 5*time.Minute)

	cases := []struct {
		name       string
		category   models.ErrorCategory
		retryCount int
		retry      bool
		delay      time.Duration
	}{
		{"contract never retries", models.ErrorCategoryContract, 0, false, 0},
		{"business never retries", models.ErrorCategoryBusiness, 0, false, 0},
		{"transient first retry", models.ErrorCategoryTransient, 0, true, 5 * time.Second},
		{"transient second retry", models.ErrorCategoryTransient, 1, true, 10 * time.Second},
		{"transient third retry", models.ErrorCategoryTransient, 2, true, 20 * time.Second},
		{"transient budget spent", models.ErrorCategoryTransient, 3, false, 0},
		{"unclassified retried once", models.ErrorCategoryUnclassified, 0, true, 5 * time.Second},
		{"unclassified then permanent", models.ErrorCategoryUnclassified, 1, false, 0},
		{"unknown category behaves unclassified", models.ErrorCategory("weird"), 1, false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Decide(tc.category, tc.retryCount)
			assert.Equal(t, tc.retry, d.Retry)
			if tc.retry {
				assert.Equal(t, tc.delay, d.Delay)
			}
		})
	}
}

func TestDelayForCapsAtMax(t *testing.T) {
	p := NewPolicy(10, 5*time.Second, 1*time.Minute)

	assert.Equal(t, 5*time.Second, p.DelayFor(0))
	assert.Equal(t, 40*time.Second, p.DelayFor(3))
	assert.Equal(t, 1*time.Minute, p.DelayFor(4), "80s caps at the 60s maximum")
	assert.Equal(t, 1*time.Minute, p.DelayFor(100))
	assert.Equal(t, 5*time.Second, p.DelayFor(-1))
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0, 0)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 5*time.Second, p.BaseDelay)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
}
