package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolynomialBackoff(t *testing.T) {
	now := time.Now()
	strategy := PolynomialBackoff{}

	assert.Equal(t, now.Add(5*time.Second), strategy.NextRunAt(now, 0))
	assert.Equal(t, now.Add(6*time.Second), strategy.NextRunAt(now, 1))
	assert.Equal(t, now.Add(21*time.Second), strategy.NextRunAt(now, 2))
	assert.Equal(t, now.Add(86*time.Second), strategy.NextRunAt(now, 3))
	assert.Equal(t, now.Add(261*time.Second), strategy.NextRunAt(now, 4))
}

func TestPolynomialBackoffCapAndFloor(t *testing.T) {
	now := time.Now()
	strategy := PolynomialBackoff{Floor: time.Second, MaxDelay: time.Minute}

	assert.Equal(t, now.Add(time.Second), strategy.NextRunAt(now, 0))
	assert.Equal(t, now.Add(17*time.Second), strategy.NextRunAt(now, 2))
	assert.Equal(t, now.Add(time.Minute), strategy.NextRunAt(now, 10), "curve must cap at MaxDelay")
	assert.Equal(t, now.Add(time.Second), strategy.NextRunAt(now, -1), "negative attempts clamp to the floor")
}

func TestExponentialBackoffBounds(t *testing.T) {
	now := time.Now()
	strategy := ExponentialBackoff{Base: time.Second, MaxDelay: time.Minute, Jitter: 0.25}

	for attempt := 0; attempt < 6; attempt++ {
		center := time.Second << uint(attempt)
		lo := now.Add(time.Duration(float64(center) * 0.75))
		hi := now.Add(time.Duration(float64(center) * 1.25))
		for i := 0; i < 50; i++ {
			runAt := strategy.NextRunAt(now, attempt)
			assert.False(t, runAt.Before(lo), "attempt %d: %v before %v", attempt, runAt, lo)
			assert.False(t, runAt.After(hi), "attempt %d: %v after %v", attempt, runAt, hi)
		}
	}
}

func TestExponentialBackoffSaturates(t *testing.T) {
	now := time.Now()
	strategy := ExponentialBackoff{Base: time.Second, MaxDelay: time.Minute, Jitter: 0.25}

	// Far past the cap the delay centers on MaxDelay, jitter included.
	lo := now.Add(45 * time.Second)
	hi := now.Add(75 * time.Second)
	for _, attempt := range []int{10, 31, 32, 100} {
		runAt := strategy.NextRunAt(now, attempt)
		assert.False(t, runAt.Before(lo), "attempt %d too early: %v", attempt, runAt)
		assert.False(t, runAt.After(hi), "attempt %d too late: %v", attempt, runAt)
	}
}

func TestFixedDelay(t *testing.T) {
	now := time.Now()
	strategy := FixedDelay{Delay: 3 * time.Second}

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, now.Add(3*time.Second), strategy.NextRunAt(now, attempt))
	}

	assert.Equal(t, now.Add(10*time.Second), FixedDelay{}.NextRunAt(now, 0))
}
