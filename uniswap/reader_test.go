package uniswap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock drives a Limiter and Reader without real sleeping.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	limiter  []time.Duration
	backoffs []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) limiterSleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.limiter = append(c.limiter, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func (c *fakeClock) backoffSleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.backoffs = append(c.backoffs, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func newTestReader(delay time.Duration, clock *fakeClock) *Reader {
	limiter := NewLimiter(delay)
	limiter.now = clock.Now
	limiter.sleep = clock.limiterSleep

	r := NewReader(nil, limiter, ReaderConfig{}, zap.NewNop().Sugar())
	r.sleep = clock.backoffSleep
	return r
}

func tooManyRequests() error {
	return rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"}
}

func TestReaderRetriesRateLimitedCall(t *testing.T) {
	clock := newFakeClock()
	r := newTestReader(100*time.Millisecond, clock)
	start := clock.Now()

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return tooManyRequests()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.backoffs)
	assert.Empty(t, clock.limiter, "backoff already covers the call spacing")
	assert.Equal(t, 300*time.Millisecond, clock.Now().Sub(start))
}

func TestReaderGivesUpAfterMaxRetries(t *testing.T) {
	clock := newFakeClock()
	r := newTestReader(time.Second, clock)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("eth_call: %w", tooManyRequests())
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.Equal(t, DefaultMaxRetries, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.backoffs)
}

func TestReaderDoesNotRetryOtherErrors(t *testing.T) {
	clock := newFakeClock()
	r := newTestReader(time.Second, clock)
	reverted := errors.New("execution reverted")

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return reverted
	})

	assert.ErrorIs(t, err, reverted)
	assert.NotErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.backoffs)
}

func TestReaderCustomRetryPolicy(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(time.Second)
	limiter.now = clock.Now
	limiter.sleep = clock.limiterSleep
	r := NewReader(nil, limiter, ReaderConfig{MaxRetries: 4, BackoffFactor: 3}, zap.NewNop().Sugar())
	r.sleep = clock.backoffSleep

	err := r.Do(context.Background(), func(context.Context) error { return tooManyRequests() })

	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}, clock.backoffs)
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", tooManyRequests(), true},
		{"wrapped http 429", fmt.Errorf("call: %w", tooManyRequests()), true},
		{"http 500", rpc.HTTPError{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}, false},
		{"text 429", errors.New("server responded with 429"), true},
		{"text too many requests", errors.New("Too Many Requests"), true},
		{"revert", errors.New("execution reverted"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimitError(tt.err))
		})
	}
}

func TestLimiterSpacesCalls(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(time.Second)
	l.now = clock.Now
	l.sleep = clock.limiterSleep

	require.NoError(t, l.Wait(context.Background()))
	assert.Empty(t, clock.limiter)

	clock.Advance(400 * time.Millisecond)
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, []time.Duration{600 * time.Millisecond}, clock.limiter)

	clock.Advance(2 * time.Second)
	require.NoError(t, l.Wait(context.Background()))
	assert.Len(t, clock.limiter, 1)
}

func TestLimiterZeroDelayStillRecordsCall(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(0)
	l.now = clock.Now
	l.sleep = clock.limiterSleep

	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Wait(context.Background()))

	assert.Empty(t, clock.limiter)
	assert.Equal(t, clock.Now(), l.lastCall)
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(time.Hour)
	l.lastCall = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
