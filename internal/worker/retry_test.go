package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	assert.Equal(t, 8*time.Second, policy.NextDelay(4))
	// Clamped at MaxDelay.
	assert.Equal(t, 10*time.Second, policy.NextDelay(5))
	assert.Equal(t, 10*time.Second, policy.NextDelay(20))
}

func TestNextDelay_AttemptBelowOne(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Second, policy.NextDelay(0))
	assert.Equal(t, time.Second, policy.NextDelay(-3))
}

func TestNextDelay_ZeroValueDefaults(t *testing.T) {
	var policy RetryPolicy
	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
}

func TestDefaultStreamRetry(t *testing.T) {
	policy := DefaultStreamRetry(5)
	assert.Equal(t, 5, policy.MaxRetries)
	assert.Equal(t, time.Second, policy.InitialDelay)
	assert.Equal(t, 15*time.Second, policy.MaxDelay)

	fallback := DefaultStreamRetry(0)
	assert.Equal(t, 3, fallback.MaxRetries)
}
