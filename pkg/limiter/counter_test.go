package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCounterIncrAndToday(t *testing.T) {
	c := NewLocalCounter()
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	n, err := c.Today(ctx, "user-1", day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 1; i <= 3; i++ {
		n, err = c.Incr(ctx, "user-1", day)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// Users do not share buckets.
	n, err = c.Today(ctx, "user-2", day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLocalCounterDayRollover(t *testing.T) {
	c := NewLocalCounter()
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)

	_, err := c.Incr(ctx, "user-1", day)
	require.NoError(t, err)

	next := day.Add(time.Hour)
	n, err := c.Incr(ctx, "user-1", next)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "count resets at UTC midnight")
}

func TestLocalCounterConcurrent(t *testing.T) {
	c := NewLocalCounter()
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := c.Incr(ctx, "user-1", day)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := c.Today(ctx, "user-1", day)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, n)
}

func TestSecondsUntilNextDay(t *testing.T) {
	at := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, 60, secondsUntilNextDay(at))

	at = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 86400, secondsUntilNextDay(at))
}

// TestRedisCounterIntegration requires a running Redis; skipped otherwise.
func TestRedisCounterIntegration(t *testing.T) {
	c := NewRedisCounter("localhost:6379", "", 0)
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Skip("redis not available")
	}

	day := time.Now().UTC()
	user := "limiter-test-user"

	first, err := c.Incr(ctx, user, day)
	require.NoError(t, err)
	second, err := c.Incr(ctx, user, day)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	today, err := c.Today(ctx, user, day)
	require.NoError(t, err)
	assert.Equal(t, second, today)
}
