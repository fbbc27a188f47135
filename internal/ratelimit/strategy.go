package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one strategy evaluation.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// strategy evaluates one admission decision against the shared store.
// Implementations must be safe under concurrent callers for the same key:
// admission is decided by atomic store operations, never read-then-write.
type strategy interface {
	Name() string
	Allow(ctx context.Context, store Store, key string, limit int64, window time.Duration, burst int64, now time.Time) (Result, error)
}

func newStrategy(name string) (strategy, error) {
	switch name {
	case StrategySlidingWindow:
		return slidingWindow{}, nil
	case StrategyTokenBucket:
		return tokenBucket{}, nil
	case StrategyFixedWindow:
		return fixedWindow{}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy: %s", name)
	}
}

// fixedWindow counts requests in wall-clock aligned windows. Simplest
// strategy; the accepted tradeoff is bursting at window boundaries.
type fixedWindow struct{}

func (fixedWindow) Name() string { return StrategyFixedWindow }

func (fixedWindow) Allow(ctx context.Context, store Store, key string, limit int64, window time.Duration, _ int64, now time.Time) (Result, error) {
	windowStart := now.Truncate(window)
	bucketKey := fmt.Sprintf("%s:%d", key, windowStart.Unix())

	count, err := store.Incr(ctx, bucketKey, window+time.Second)
	if err != nil {
		return Result{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if count > limit {
		return Result{Remaining: 0, RetryAfter: windowStart.Add(window).Sub(now)}, nil
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}

// slidingWindow weighs the previous window's count by how much of it still
// overlaps the rolling window, smoothing the boundary bursts fixed windows
// allow.
type slidingWindow struct{}

func (slidingWindow) Name() string { return StrategySlidingWindow }

func (slidingWindow) Allow(ctx context.Context, store Store, key string, limit int64, window time.Duration, _ int64, now time.Time) (Result, error) {
	windowStart := now.Truncate(window)
	elapsed := now.Sub(windowStart)

	curKey := fmt.Sprintf("%s:%d", key, windowStart.Unix())
	prevKey := fmt.Sprintf("%s:%d", key, windowStart.Add(-window).Unix())

	cur, err := store.Incr(ctx, curKey, 2*window)
	if err != nil {
		return Result{}, err
	}
	prev, _, err := store.Get(ctx, prevKey)
	if err != nil {
		return Result{}, err
	}

	prevWeight := 1 - float64(elapsed)/float64(window)
	weighted := int64(float64(prev)*prevWeight) + cur

	remaining := limit - weighted
	if remaining < 0 {
		remaining = 0
	}
	if weighted > limit {
		// Conservative hint: the oldest weighted requests age out as the
		// window slides past them.
		retryAfter := window - elapsed
		if prev == 0 {
			retryAfter = windowStart.Add(window).Sub(now)
		}
		return Result{Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}

// tokenBucket is a GCRA variant: the store holds the theoretical arrival time
// of the next conforming request as unix microseconds, advanced by CAS.
// Burst capacity lets clients spend saved-up tokens in a spike while the
// refill rate bounds sustained throughput.
type tokenBucket struct{}

func (tokenBucket) Name() string { return StrategyTokenBucket }

const casRetries = 4

func (tokenBucket) Allow(ctx context.Context, store Store, key string, limit int64, window time.Duration, burst int64, now time.Time) (Result, error) {
	if burst < 1 {
		burst = 1
	}
	emission := window / time.Duration(limit)
	if emission <= 0 {
		emission = time.Microsecond
	}
	delayTolerance := emission * time.Duration(burst)
	nowMicro := now.UnixMicro()

	for attempt := 0; attempt < casRetries; attempt++ {
		stored, exists, err := store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}
		tat := stored
		if !exists || tat < nowMicro {
			tat = nowMicro
		}

		allowAt := tat - delayTolerance.Microseconds() + emission.Microseconds()
		if nowMicro < allowAt {
			return Result{
				Remaining:  0,
				RetryAfter: time.Duration(allowAt-nowMicro) * time.Microsecond,
			}, nil
		}

		newTat := tat + emission.Microseconds()
		old := int64(0)
		if exists {
			old = stored
		}
		ok, err := store.CompareAndSwap(ctx, key, old, newTat, delayTolerance+window)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}

		remaining := (delayTolerance.Microseconds() - (newTat - nowMicro)) / emission.Microseconds()
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: true, Remaining: remaining}, nil
	}

	// Contention exhausted the CAS budget; treat as over-limit for one
	// emission interval rather than looping on the request path.
	return Result{Remaining: 0, RetryAfter: emission}, nil
}
